package cache

import (
	"sync"
	"time"
)

const (
	// MinTTL and MaxTTL bound every strategy TTL, including after adaptive
	// tuning.
	MinTTL = 60 * time.Second
	MaxTTL = 86400 * time.Second
)

// Priority ranks cache strategies
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Strategy is one configured way to cache an entity type
type Strategy struct {
	Key          string        `json:"key"`
	TTL          time.Duration `json:"ttl"`
	Priority     Priority      `json:"priority"`
	Dependencies []string      `json:"dependencies,omitempty"` // entity types whose changes invalidate entries stored under this strategy
}

// Policy is the per-entity-type cache configuration
type Policy struct {
	Cacheable        bool       `json:"cacheable"`
	Strategies       []Strategy `json:"strategies"`
	FallbackStrategy string     `json:"fallbackStrategy,omitempty"` // strategy Key used when no context hint matches
}

// Registry holds cache policies per entity type. Constructed once at process
// start and passed into the cache explicitly; per-test registries stay
// isolated.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry creates an empty policy registry
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register upserts the policy for an entity type. Idempotent; meant to run
// during process warm-up before traffic begins. Strategy TTLs are clamped
// into [MinTTL, MaxTTL].
func (r *Registry) Register(entityType string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := p
	stored.Strategies = make([]Strategy, len(p.Strategies))
	copy(stored.Strategies, p.Strategies)
	for i := range stored.Strategies {
		stored.Strategies[i].TTL = clampTTL(stored.Strategies[i].TTL)
	}
	r.policies[entityType] = &stored
}

// Lookup returns a snapshot of the policy for an entity type
func (r *Registry) Lookup(entityType string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[entityType]
	if !ok {
		return Policy{}, false
	}
	out := *p
	out.Strategies = make([]Strategy, len(p.Strategies))
	copy(out.Strategies, p.Strategies)
	return out, true
}

// MaxTTL returns the longest strategy TTL across every registered policy.
// The reverse-dependency index spans entity types, so its expiry has to
// cover the longest-lived dependent no matter which type stored last.
func (r *Registry) MaxTTL() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := MinTTL
	for _, p := range r.policies {
		if t := p.maxTTL(); t > max {
			max = t
		}
	}
	return max
}

// EntityTypes lists every registered entity type
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.policies))
	for t := range r.policies {
		types = append(types, t)
	}
	return types
}

// scaleTTLs multiplies every strategy TTL of an entity type by factor,
// clamped into [MinTTL, MaxTTL]. Used by adaptive tuning.
func (r *Registry) scaleTTLs(entityType string, factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[entityType]
	if !ok {
		return
	}
	for i := range p.Strategies {
		p.Strategies[i].TTL = clampTTL(time.Duration(float64(p.Strategies[i].TTL) * factor))
	}
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// maxTTL returns the longest strategy TTL of a policy; the reverse-dependency
// index must never expire before its longest dependent entry.
func (p Policy) maxTTL() time.Duration {
	max := MinTTL
	for _, s := range p.Strategies {
		if s.TTL > max {
			max = s.TTL
		}
	}
	return max
}
