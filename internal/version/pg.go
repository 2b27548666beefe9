package version

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGRepo implements Repo on the entity_version table. The table's unique
// constraint on (entity_type, entity_id, version) is what serializes version
// assignment across concurrent writers.
type PGRepo struct {
	DB *pgxpool.Pool
}

// NewPGRepo creates a Postgres-backed Repo
func NewPGRepo(db *pgxpool.Pool) *PGRepo {
	return &PGRepo{DB: db}
}

func (r *PGRepo) Insert(ctx context.Context, rec *Record) error {
	payloadJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}

	var metadataJSON []byte
	if rec.Metadata != nil {
		if metadataJSON, err = json.Marshal(rec.Metadata); err != nil {
			return err
		}
	}

	err = r.DB.QueryRow(ctx, `
		INSERT INTO entity_version
			(entity_type, entity_id, version, operation, payload_json, checksum, author_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, rec.EntityType, rec.EntityID, rec.Version, string(rec.Operation),
		payloadJSON, rec.Checksum, rec.AuthorID, metadataJSON,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errVersionTaken
		}
		log.Error().Err(err).
			Str("entityType", rec.EntityType).
			Str("entityId", rec.EntityID).
			Int64("version", rec.Version).
			Msg("failed to insert version record")
		return err
	}
	return nil
}

func (r *PGRepo) MaxVersion(ctx context.Context, entityType, entityID string) (int64, error) {
	var v int64
	err := r.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM entity_version
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID).Scan(&v)
	return v, err
}

func (r *PGRepo) Get(ctx context.Context, entityType, entityID string, version int64) (*Record, error) {
	rec := &Record{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
	}
	err := r.DB.QueryRow(ctx, `
		SELECT id, operation, payload_json, checksum, author_id, metadata, created_at
		FROM entity_version
		WHERE entity_type = $1 AND entity_id = $2 AND version = $3
	`, entityType, entityID, version).Scan(
		&rec.ID, &rec.Operation, &rec.Data, &rec.Checksum, &rec.AuthorID, &rec.Metadata, &rec.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PGRepo) History(ctx context.Context, entityType, entityID string, limit, offset int) ([]Record, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, version, operation, payload_json, checksum, author_id, metadata, created_at
		FROM entity_version
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version DESC
		LIMIT $3 OFFSET $4
	`, entityType, entityID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec := Record{EntityType: entityType, EntityID: entityID}
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Operation, &rec.Data,
			&rec.Checksum, &rec.AuthorID, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Since pages the change feed. Cursors carry millisecond precision, so the
// comparison runs on the stored created_at_ms column rather than the
// microsecond created_at: filtering at a finer granularity than the cursor
// encodes would re-deliver the cursor's own row on the next page.
func (r *PGRepo) Since(ctx context.Context, entityType string, afterMs int64, afterID uuid.UUID, limit int) ([]Record, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, entity_type, entity_id, version, operation, payload_json, checksum, author_id, metadata, created_at
		FROM entity_version
		WHERE ($1 = '' OR entity_type = $1)
		  AND (created_at_ms, id) > ($2, $3::uuid)
		ORDER BY created_at_ms, id
		LIMIT $4
	`, entityType, afterMs, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Version, &rec.Operation,
			&rec.Data, &rec.Checksum, &rec.AuthorID, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PGRepo) DeleteBelowKeep(ctx context.Context, entityType, entityID string, keep int) (int64, error) {
	tag, err := r.DB.Exec(ctx, `
		DELETE FROM entity_version
		WHERE entity_type = $1 AND entity_id = $2
		  AND version NOT IN (
			SELECT version FROM entity_version
			WHERE entity_type = $1 AND entity_id = $2
			ORDER BY version DESC
			LIMIT $3
		  )
	`, entityType, entityID, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
