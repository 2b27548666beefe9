package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/syncx"
	"github.com/driftlabs/synccore/internal/version"
)

// Resolver detects version divergence between client and server state,
// persists conflict records, and feeds resolved results back into the
// version store.
type Resolver struct {
	repo     Repo
	versions *version.Store
}

// New creates a Resolver over the given repo and version store
func New(repo Repo, versions *version.Store) *Resolver {
	return &Resolver{repo: repo, versions: versions}
}

// DetectParams carries the inputs of a divergence check
type DetectParams struct {
	UserID        string
	EntityType    string
	EntityID      string
	LocalVersion  int64
	ServerVersion int64
	LocalData     map[string]any
	ServerData    map[string]any
	ConflictType  Type // defaults to update
}

// Detect compares the client's last-known version with the server's current
// version. Matching versions are a no-op (nil record). Divergence upserts the
// single unresolved record for (userId, entityType, entityId): repeated
// detections refresh snapshots rather than stacking duplicates.
func (r *Resolver) Detect(ctx context.Context, p DetectParams) (*Record, error) {
	switch {
	case p.UserID == "":
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	case p.EntityType == "" || p.EntityID == "":
		return nil, fmt.Errorf("%w: entityType and entityId are required", ErrInvalidArgument)
	case p.LocalVersion < 0 || p.ServerVersion < 0:
		return nil, fmt.Errorf("%w: versions must be non-negative", ErrInvalidArgument)
	}

	if p.LocalVersion == p.ServerVersion {
		return nil, nil
	}

	conflictType := p.ConflictType
	if conflictType == "" {
		conflictType = TypeUpdate
	}
	if !conflictType.Valid() {
		return nil, fmt.Errorf("%w: unknown conflict type %q", ErrInvalidArgument, conflictType)
	}

	rec, err := r.repo.Upsert(ctx, &Record{
		UserID:        p.UserID,
		EntityType:    p.EntityType,
		EntityID:      p.EntityID,
		LocalVersion:  p.LocalVersion,
		ServerVersion: p.ServerVersion,
		LocalData:     p.LocalData,
		ServerData:    p.ServerData,
		ConflictType:  conflictType,
		Strategy:      Manual,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("userId", p.UserID).
		Str("entityType", p.EntityType).
		Str("entityId", p.EntityID).
		Int64("localVersion", p.LocalVersion).
		Int64("serverVersion", p.ServerVersion).
		Str("conflictId", rec.ID.String()).
		Msg("conflict detected")
	return rec, nil
}

// Resolution carries the inputs of a resolve call
type Resolution struct {
	Strategy        Strategy
	ResolvedData    map[string]any    // required for manual
	FieldPriorities map[string]string // optional, merge only
	ResolvedBy      string
}

// Resolve terminally resolves a conflict: computes the resolved snapshot per
// the strategy, writes the result through the version store with conflict
// provenance in its metadata, then marks the record resolved. A version write
// failure leaves the record unresolved so the resolution can be retried.
func (r *Resolver) Resolve(ctx context.Context, conflictID uuid.UUID, res Resolution) (*Record, error) {
	if !res.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, res.Strategy)
	}
	if res.ResolvedBy == "" {
		return nil, fmt.Errorf("%w: resolvedBy is required", ErrInvalidArgument)
	}

	rec, err := r.repo.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, ErrAlreadyResolved
	}

	var resolvedData map[string]any
	switch res.Strategy {
	case LocalWins:
		resolvedData = rec.LocalData
	case ServerWins:
		resolvedData = rec.ServerData
	case Merge:
		resolvedData = syncx.Merge(rec.LocalData, rec.ServerData, res.FieldPriorities)
	case Manual:
		if res.ResolvedData == nil {
			return nil, fmt.Errorf("%w: manual resolution requires resolvedData", ErrInvalidArgument)
		}
		resolvedData = res.ResolvedData
	}

	// Resolution is a new mutation; the version store assigns the next
	// number in the entity's sequence. The version write lands before the
	// record is marked: a crash between the two re-resolves through the
	// singleton upsert, whereas marking first would consume the conflict
	// with no version ever written.
	vrec, err := r.versions.Create(ctx, rec.EntityType, rec.EntityID, resolvedData, res.ResolvedBy, version.OpUpdate, map[string]any{
		"conflictId":         conflictID.String(),
		"conflictResolution": string(res.Strategy),
		"resolvedBy":         res.ResolvedBy,
	})
	if err != nil {
		return nil, err
	}

	resolved, err := r.repo.MarkResolved(ctx, conflictID, resolvedData, res.Strategy, res.ResolvedBy)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("conflictId", conflictID.String()).
		Str("strategy", string(res.Strategy)).
		Int64("newVersion", vrec.Version).
		Msg("conflict resolved")
	return resolved, nil
}

// AutoRules configures batch auto-resolution
type AutoRules struct {
	DefaultStrategy Strategy          // defaults to server_wins
	FieldPriorities map[string]string // switches the default to a priority merge
}

// AutoResolve resolves every unresolved conflict for (userId, entityType)
// with the given rules. Each conflict is resolved independently: a failure is
// logged and skipped, never fatal to the batch. Returns the success count.
func (r *Resolver) AutoResolve(ctx context.Context, userID, entityType string, rules *AutoRules) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	}

	strategy := ServerWins
	var priorities map[string]string
	if rules != nil {
		if rules.DefaultStrategy != "" {
			strategy = rules.DefaultStrategy
		}
		priorities = rules.FieldPriorities
	}
	if len(priorities) > 0 {
		strategy = Merge
	}
	if !strategy.Valid() || strategy == Manual {
		return 0, fmt.Errorf("%w: strategy %q is not auto-resolvable", ErrInvalidArgument, strategy)
	}

	// Snapshot the worklist first: resolving mutates the unresolved set,
	// which would skew page offsets mid-iteration.
	const page = 100
	var pending []uuid.UUID
	for offset := 0; ; offset += page {
		batch, err := r.repo.Unresolved(ctx, userID, entityType, page, offset)
		if err != nil {
			return 0, err
		}
		for _, rec := range batch {
			pending = append(pending, rec.ID)
		}
		if len(batch) < page {
			break
		}
	}

	resolved := 0
	for _, id := range pending {
		_, err := r.Resolve(ctx, id, Resolution{
			Strategy:        strategy,
			FieldPriorities: priorities,
			ResolvedBy:      "auto:" + userID,
		})
		if err != nil {
			log.Warn().Err(err).
				Str("conflictId", id.String()).
				Str("userId", userID).
				Msg("auto-resolve skipped conflict")
			continue
		}
		resolved++
	}

	log.Info().
		Str("userId", userID).
		Str("entityType", entityType).
		Int("resolved", resolved).
		Int("total", len(pending)).
		Msg("auto-resolve batch finished")
	return resolved, nil
}

// Unresolved lists unresolved conflicts for a user, newest first. entityType
// may be empty to match all types.
func (r *Resolver) Unresolved(ctx context.Context, userID, entityType string, limit, offset int) ([]Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return r.repo.Unresolved(ctx, userID, entityType, limit, offset)
}

// Stats aggregates conflict counts, optionally scoped to one user
func (r *Resolver) Stats(ctx context.Context, userID string) (*Stats, error) {
	return r.repo.Stats(ctx, userID)
}

// CleanupResolved purges resolved conflicts older than the retention window,
// returning the number removed.
func (r *Resolver) CleanupResolved(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return r.repo.DeleteResolvedBefore(ctx, cutoff)
}
