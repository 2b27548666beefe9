package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/kv"
)

const (
	// maxValueBytes bounds what a single cache entry may hold
	maxValueBytes = 1 << 20

	// kvTimeout caps every cache round trip; a slow backend degrades to a
	// direct fetch rather than stalling the request.
	kvTimeout = 50 * time.Millisecond
)

// Fetcher loads the authoritative value on a cache miss
type Fetcher func(ctx context.Context) (any, error)

// GetContext carries optional request hints for strategy selection
type GetContext struct {
	UserID        string
	Priority      Priority
	AccessPattern string // "read_heavy" prefers the highest-priority strategy

	// RelatedIDs maps a dependency entity type to the concrete ids this
	// value was derived from, so their mutation can sweep this entry. A
	// declared dependency type with no explicit ids falls back to the
	// entity's own id.
	RelatedIDs map[string][]string
}

// Selective is a policy-driven read-through cache over the shared kv store.
// It is a pure performance layer: every kv failure is swallowed and the
// fetcher invoked directly, so a dead cache backend costs latency, never
// correctness.
type Selective struct {
	registry *Registry
	kv       kv.Store
}

// New creates a Selective cache over the given registry and kv store
func New(registry *Registry, kvs kv.Store) *Selective {
	return &Selective{registry: registry, kv: kvs}
}

// RegisterPolicy upserts the cache policy for an entity type
func (c *Selective) RegisterPolicy(entityType string, p Policy) {
	c.registry.Register(entityType, p)
	log.Debug().Str("entityType", entityType).Int("strategies", len(p.Strategies)).Msg("cache policy registered")
}

func entryKey(entityType, entityID, strategyKey, userID string) string {
	k := fmt.Sprintf("%s:%s:%s", entityType, entityID, strategyKey)
	if userID != "" {
		k += ":user_" + userID
	}
	return k
}

func entryIndexKey(entityType, entityID string) string {
	return fmt.Sprintf("cachekeys:%s:%s", entityType, entityID)
}

func depIndexKey(entityType, entityID string) string {
	return fmt.Sprintf("cachedeps:%s:%s", entityType, entityID)
}

func typeIndexKey(entityType string) string {
	return fmt.Sprintf("cacheids:%s", entityType)
}

// selectStrategy picks the strategy for a request: one matching the context
// priority, else the highest-priority one for read-heavy access, else the
// policy's named fallback, else the first registered.
func selectStrategy(p Policy, gctx *GetContext) Strategy {
	if gctx != nil && gctx.Priority != "" {
		for _, s := range p.Strategies {
			if s.Priority == gctx.Priority {
				return s
			}
		}
	}
	if gctx != nil && gctx.AccessPattern == "read_heavy" {
		best := p.Strategies[0]
		for _, s := range p.Strategies[1:] {
			if s.Priority.rank() > best.Priority.rank() {
				best = s
			}
		}
		return best
	}
	if p.FallbackStrategy != "" {
		for _, s := range p.Strategies {
			if s.Key == p.FallbackStrategy {
				return s
			}
		}
	}
	return p.Strategies[0]
}

// Get serves a read through the cache. Unregistered or non-cacheable entity
// types degrade to calling the fetcher directly.
func (c *Selective) Get(ctx context.Context, entityType, entityID string, fetch Fetcher, gctx *GetContext) (any, error) {
	policy, ok := c.registry.Lookup(entityType)
	if !ok || !policy.Cacheable || len(policy.Strategies) == 0 {
		return fetch(ctx)
	}

	strategy := selectStrategy(policy, gctx)
	userID := ""
	if gctx != nil {
		userID = gctx.UserID
	}
	key := entryKey(entityType, entityID, strategy.Key, userID)

	cctx, cancel := context.WithTimeout(ctx, kvTimeout)
	raw, found, err := c.kv.Get(cctx, key)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache read failed, falling back to fetch")
	} else if found {
		var value any
		if jerr := json.Unmarshal([]byte(raw), &value); jerr == nil {
			c.count(ctx, entityType, true)
			return value, nil
		}
	}

	c.count(ctx, entityType, false)

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	if serialized, cacheable := c.shouldCache(value, strategy, gctx); cacheable {
		c.store(ctx, policy, strategy, entityType, entityID, key, serialized, gctx)
	}
	return value, nil
}

// shouldCache returns the serialized value and whether it belongs in the
// cache: non-nil, serializable, at most 1 MiB, and not a low-priority
// context value destined for a high-priority slot.
func (c *Selective) shouldCache(value any, strategy Strategy, gctx *GetContext) ([]byte, bool) {
	if value == nil {
		return nil, false
	}
	if _, isErr := value.(error); isErr {
		return nil, false
	}
	if gctx != nil && gctx.Priority == PriorityLow && strategy.Priority == PriorityHigh {
		return nil, false
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	if len(serialized) > maxValueBytes {
		return nil, false
	}
	return serialized, true
}

// store writes the entry and maintains the entry, type, and reverse
// dependency indexes. Best effort throughout.
func (c *Selective) store(ctx context.Context, policy Policy, strategy Strategy, entityType, entityID, key string, serialized []byte, gctx *GetContext) {
	cctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	if err := c.kv.SetWithTTL(cctx, key, string(serialized), strategy.TTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		return
	}

	// Track this entity's live keys so invalidation can sweep user-scoped
	// variants without pattern scans.
	indexTTL := policy.maxTTL()
	idx := entryIndexKey(entityType, entityID)
	if err := c.kv.SAdd(cctx, idx, key); err == nil {
		_ = c.kv.SetExpire(cctx, idx, indexTTL)
	}
	tidx := typeIndexKey(entityType)
	if err := c.kv.SAdd(cctx, tidx, entityID); err == nil {
		_ = c.kv.SetExpire(cctx, tidx, indexTTL)
	}

	// Reverse-dependency edges: a mutation to (depType, depID) sweeps this
	// key. One hop only; layered dependencies re-register per layer. The
	// index is shared across entity types, so a store from a short-TTL type
	// must not shrink its expiry below another dependent's remaining TTL.
	depTTL := c.registry.MaxTTL()
	for _, depType := range strategy.Dependencies {
		depIDs := []string{entityID}
		if gctx != nil && len(gctx.RelatedIDs[depType]) > 0 {
			depIDs = gctx.RelatedIDs[depType]
		}
		for _, depID := range depIDs {
			dk := depIndexKey(depType, depID)
			if err := c.kv.SAdd(cctx, dk, key); err != nil {
				log.Warn().Err(err).Str("key", dk).Msg("dependency index write failed")
				continue
			}
			_ = c.kv.SetExpire(cctx, dk, depTTL)
		}
	}
}

// Invalidate deletes every strategy-keyed entry for an entity. With cascade,
// entries registered as depending on this entity are swept as well (one hop).
func (c *Selective) Invalidate(ctx context.Context, entityType, entityID string, cascade bool) {
	cctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	idx := entryIndexKey(entityType, entityID)
	keys, err := c.kv.SMembers(cctx, idx)
	if err != nil {
		log.Warn().Err(err).Str("entityType", entityType).Str("entityId", entityID).Msg("cache invalidation index read failed")
		keys = nil
	}
	keys = append(keys, idx)

	if cascade {
		dk := depIndexKey(entityType, entityID)
		dependents, derr := c.kv.SMembers(cctx, dk)
		if derr != nil {
			log.Warn().Err(derr).Str("key", dk).Msg("dependency index read failed")
		} else {
			keys = append(keys, dependents...)
		}
		keys = append(keys, dk)
	}

	if err := c.kv.Delete(cctx, keys...); err != nil {
		log.Warn().Err(err).Str("entityType", entityType).Str("entityId", entityID).Msg("cache invalidation failed")
		return
	}

	log.Debug().
		Str("entityType", entityType).
		Str("entityId", entityID).
		Bool("cascade", cascade).
		Int("keys", len(keys)).
		Msg("cache invalidated")
}

// InvalidateType bulk-invalidates all entities of a type, or the given
// subset. Used by bulk admin actions.
func (c *Selective) InvalidateType(ctx context.Context, entityType string, entityIDs []string) {
	if entityIDs == nil {
		cctx, cancel := context.WithTimeout(ctx, kvTimeout)
		ids, err := c.kv.SMembers(cctx, typeIndexKey(entityType))
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("entityType", entityType).Msg("type index read failed")
			return
		}
		entityIDs = ids
	}

	for _, id := range entityIDs {
		c.Invalidate(ctx, entityType, id, true)
	}

	cctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()
	_ = c.kv.Delete(cctx, typeIndexKey(entityType))
}

// Warm eagerly populates entries for known-hot entities using the type's
// first strategy. Per-item failures are logged and skipped; returns the
// number warmed.
func (c *Selective) Warm(ctx context.Context, entityType string, entityIDs []string, fetch func(ctx context.Context, entityID string) (any, error)) int {
	policy, ok := c.registry.Lookup(entityType)
	if !ok || !policy.Cacheable || len(policy.Strategies) == 0 {
		return 0
	}
	strategy := policy.Strategies[0]

	warmed := 0
	for _, entityID := range entityIDs {
		value, err := fetch(ctx, entityID)
		if err != nil {
			log.Warn().Err(err).Str("entityType", entityType).Str("entityId", entityID).Msg("cache warm fetch failed")
			continue
		}
		serialized, cacheable := c.shouldCache(value, strategy, nil)
		if !cacheable {
			continue
		}
		key := entryKey(entityType, entityID, strategy.Key, "")
		c.store(ctx, policy, strategy, entityType, entityID, key, serialized, nil)
		warmed++
	}

	log.Info().Str("entityType", entityType).Int("warmed", warmed).Int("requested", len(entityIDs)).Msg("cache warmed")
	return warmed
}
