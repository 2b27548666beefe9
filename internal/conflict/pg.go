package conflict

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGRepo implements Repo on the sync_conflict table. The partial unique
// index on (user_id, entity_type, entity_id) WHERE NOT resolved enforces the
// single-unresolved-record invariant under concurrent detection.
type PGRepo struct {
	DB *pgxpool.Pool
}

// NewPGRepo creates a Postgres-backed Repo
func NewPGRepo(db *pgxpool.Pool) *PGRepo {
	return &PGRepo{DB: db}
}

const conflictColumns = `
	id, user_id, entity_type, entity_id, local_version, server_version,
	local_json, server_json, conflict_type, strategy, resolved,
	resolved_json, resolved_at, resolved_by, created_at, updated_at`

func scanConflict(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var resolvedBy *string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.EntityType, &rec.EntityID,
		&rec.LocalVersion, &rec.ServerVersion,
		&rec.LocalData, &rec.ServerData,
		&rec.ConflictType, &rec.Strategy, &rec.Resolved,
		&rec.ResolvedData, &rec.ResolvedAt, &resolvedBy,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resolvedBy != nil {
		rec.ResolvedBy = *resolvedBy
	}
	return rec, nil
}

func (r *PGRepo) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	localJSON, err := json.Marshal(rec.LocalData)
	if err != nil {
		return nil, err
	}
	serverJSON, err := json.Marshal(rec.ServerData)
	if err != nil {
		return nil, err
	}

	// Re-detection refreshes the unresolved record in place; the partial
	// unique index routes the ON CONFLICT arm.
	row := r.DB.QueryRow(ctx, `
		INSERT INTO sync_conflict
			(user_id, entity_type, entity_id, local_version, server_version,
			 local_json, server_json, conflict_type, strategy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, entity_type, entity_id) WHERE NOT resolved
		DO UPDATE SET
			local_version  = EXCLUDED.local_version,
			server_version = EXCLUDED.server_version,
			local_json     = EXCLUDED.local_json,
			server_json    = EXCLUDED.server_json,
			conflict_type  = EXCLUDED.conflict_type,
			updated_at     = NOW()
		RETURNING `+conflictColumns,
		rec.UserID, rec.EntityType, rec.EntityID,
		rec.LocalVersion, rec.ServerVersion,
		localJSON, serverJSON, string(rec.ConflictType), string(rec.Strategy))

	return scanConflict(row)
}

func (r *PGRepo) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflict WHERE id = $1`, id)
	rec, err := scanConflict(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PGRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolvedData map[string]any, strategy Strategy, resolvedBy string) (*Record, error) {
	resolvedJSON, err := json.Marshal(resolvedData)
	if err != nil {
		return nil, err
	}

	// Guard and write in one statement so two resolvers cannot both win
	row := r.DB.QueryRow(ctx, `
		UPDATE sync_conflict SET
			resolved      = TRUE,
			resolved_json = $2,
			strategy      = $3,
			resolved_at   = NOW(),
			resolved_by   = $4,
			updated_at    = NOW()
		WHERE id = $1 AND NOT resolved
		RETURNING `+conflictColumns,
		id, resolvedJSON, string(strategy), resolvedBy)

	rec, err := scanConflict(row)
	if err == nil {
		return rec, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	// No unresolved row matched: distinguish missing from already resolved
	var resolved bool
	err = r.DB.QueryRow(ctx, `SELECT resolved FROM sync_conflict WHERE id = $1`, id).Scan(&resolved)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrAlreadyResolved
}

func (r *PGRepo) Unresolved(ctx context.Context, userID, entityType string, limit, offset int) ([]Record, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflict
		WHERE NOT resolved
		  AND user_id = $1
		  AND ($2 = '' OR entity_type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, entityType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *PGRepo) Stats(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{
		ByEntityType: make(map[string]int64),
		ByStrategy:   make(map[string]int64),
	}

	err := r.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE resolved),
		       COUNT(*) FILTER (WHERE NOT resolved)
		FROM sync_conflict
		WHERE ($1 = '' OR user_id = $1)
	`, userID).Scan(&stats.Total, &stats.Resolved, &stats.Unresolved)
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT entity_type, COUNT(*)
		FROM sync_conflict
		WHERE ($1 = '' OR user_id = $1)
		GROUP BY entity_type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		stats.ByEntityType[et] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.DB.Query(ctx, `
		SELECT strategy, COUNT(*)
		FROM sync_conflict
		WHERE resolved AND ($1 = '' OR user_id = $1)
		GROUP BY strategy
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats.ByStrategy[st] = n
	}
	return stats, rows.Err()
}

func (r *PGRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, `
		DELETE FROM sync_conflict
		WHERE resolved AND resolved_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted := tag.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("resolved conflicts purged")
	}
	return deleted, nil
}
