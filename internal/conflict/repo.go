package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repo is the durable storage surface for conflict records
type Repo interface {
	// Upsert inserts the unresolved record for (userId, entityType,
	// entityId), or refreshes the existing one's snapshots and versions.
	// Returns the stored record.
	Upsert(ctx context.Context, rec *Record) (*Record, error)

	// Get fetches a conflict by id, ErrNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// MarkResolved terminally resolves a conflict. Returns
	// ErrAlreadyResolved if the record was already resolved (the check and
	// the write are one atomic step) and ErrNotFound for unknown ids.
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedData map[string]any, strategy Strategy, resolvedBy string) (*Record, error)

	// Unresolved lists unresolved conflicts newest first. entityType may be
	// empty to match all types.
	Unresolved(ctx context.Context, userID, entityType string, limit, offset int) ([]Record, error)

	// Stats aggregates counts, optionally scoped to one user (empty userID
	// means global).
	Stats(ctx context.Context, userID string) (*Stats, error)

	// DeleteResolvedBefore purges resolved conflicts older than cutoff,
	// returning the number removed.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
