package db

// Schema is the full DDL for the sync engine. The partial unique index on
// sync_conflict enforces the single-unresolved-record invariant, and the
// unique constraint on entity_version is what serializes version assignment
// (writers that lose the race hit 23505 and retry).
const Schema = `
CREATE TABLE IF NOT EXISTS app_user (
	id   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	sub  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS entity_version (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	entity_type  TEXT   NOT NULL,
	entity_id    TEXT   NOT NULL,
	version      BIGINT NOT NULL CHECK (version >= 1),
	operation    TEXT   NOT NULL CHECK (operation IN ('create','update','delete')),
	payload_json JSONB  NOT NULL,
	checksum     TEXT   NOT NULL,
	author_id    TEXT   NOT NULL,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at_ms BIGINT GENERATED ALWAYS AS (floor(extract(epoch FROM created_at) * 1000)::bigint) STORED,
	UNIQUE (entity_type, entity_id, version)
);

CREATE INDEX IF NOT EXISTS idx_entity_version_lookup
	ON entity_version (entity_type, entity_id, version DESC);

CREATE INDEX IF NOT EXISTS idx_entity_version_feed
	ON entity_version (created_at_ms, id);

CREATE TABLE IF NOT EXISTS sync_conflict (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id        TEXT   NOT NULL,
	entity_type    TEXT   NOT NULL,
	entity_id      TEXT   NOT NULL,
	local_version  BIGINT NOT NULL,
	server_version BIGINT NOT NULL,
	local_json     JSONB,
	server_json    JSONB,
	conflict_type  TEXT   NOT NULL CHECK (conflict_type IN ('update','delete','create')),
	strategy       TEXT   NOT NULL DEFAULT 'manual',
	resolved       BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_json  JSONB,
	resolved_at    TIMESTAMPTZ,
	resolved_by    TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_conflict_singleton
	ON sync_conflict (user_id, entity_type, entity_id)
	WHERE NOT resolved;

CREATE INDEX IF NOT EXISTS idx_sync_conflict_unresolved
	ON sync_conflict (user_id, created_at DESC)
	WHERE NOT resolved;

CREATE UNLOGGED TABLE IF NOT EXISTS kv_entry (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE UNLOGGED TABLE IF NOT EXISTS kv_set_member (
	key        TEXT NOT NULL,
	member     TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (key, member)
);
`
