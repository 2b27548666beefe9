package version

import (
	"context"

	"github.com/google/uuid"
)

// Repo is the durable storage surface the version store needs. Records are
// immutable once inserted; only retention cleanup deletes them.
type Repo interface {
	// Insert persists a new record. Returns errVersionTaken when another
	// writer already claimed (entityType, entityId, version).
	Insert(ctx context.Context, rec *Record) error

	// MaxVersion returns the highest version for an entity, 0 when the
	// entity has no history.
	MaxVersion(ctx context.Context, entityType, entityID string) (int64, error)

	// Get fetches one record, ErrNotFound when absent.
	Get(ctx context.Context, entityType, entityID string, version int64) (*Record, error)

	// History returns records newest first.
	History(ctx context.Context, entityType, entityID string, limit, offset int) ([]Record, error)

	// Since returns records created after the (afterMs, afterID) position,
	// ordered by (created_at, id) ascending. entityType narrows the stream
	// when non-empty.
	Since(ctx context.Context, entityType string, afterMs int64, afterID uuid.UUID, limit int) ([]Record, error)

	// DeleteBelowKeep deletes all but the keep highest versions, returning
	// the number removed.
	DeleteBelowKeep(ctx context.Context, entityType, entityID string, keep int) (int64, error)
}
