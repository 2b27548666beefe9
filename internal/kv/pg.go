package kv

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGStore implements Store on two unlogged Postgres tables (kv_entry and
// kv_set_member). Unlogged keeps writes cheap; losing the tables on a crash
// only costs cache warmth, never correctness.
type PGStore struct {
	DB *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed Store
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRow(ctx, `
		SELECT value FROM kv_entry
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *PGStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO kv_entry (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN NOW() + make_interval(secs => $3::bigint / 1000.0) END)
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Milliseconds())
	return err
}

func (s *PGStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	// An expired counter restarts at delta rather than resuming a stale value
	var n int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO kv_entry (key, value, expires_at)
		VALUES ($1, $2::text, NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN kv_entry.expires_at IS NOT NULL AND kv_entry.expires_at <= NOW()
				THEN EXCLUDED.value
				ELSE (kv_entry.value::bigint + $2)::text
			END,
			expires_at = NULL
		RETURNING value::bigint
	`, key, delta).Scan(&n)
	return n, err
}

func (s *PGStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO kv_set_member (key, member)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (key, member) DO NOTHING
	`, key, members)
	return err
}

func (s *PGStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT member FROM kv_set_member
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PGStore) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if _, err := s.DB.Exec(ctx, `
		UPDATE kv_entry
		SET expires_at = CASE WHEN $2::bigint > 0 THEN NOW() + make_interval(secs => $2::bigint / 1000.0) END
		WHERE key = $1
	`, key, ms); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE kv_set_member
		SET expires_at = CASE WHEN $2::bigint > 0 THEN NOW() + make_interval(secs => $2::bigint / 1000.0) END
		WHERE key = $1
	`, key, ms)
	return err
}

func (s *PGStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.DB.Exec(ctx, `DELETE FROM kv_entry WHERE key = ANY($1)`, keys); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `DELETE FROM kv_set_member WHERE key = ANY($1)`, keys)
	return err
}

// PurgeExpired deletes rows whose expiry has passed. Called from the
// maintenance loop; expired rows are already invisible to reads.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM kv_entry WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	deleted := tag.RowsAffected()

	tag, err = s.DB.Exec(ctx, `DELETE FROM kv_set_member WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		log.Warn().Err(err).Msg("failed to purge expired set members")
		return deleted, err
	}
	return deleted + tag.RowsAffected(), nil
}
