package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
)

// TypeMetrics are the hit/miss counters for one entity type
type TypeMetrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Metrics aggregates cache effectiveness globally and per entity type.
// Counters live in the shared kv store, so they survive restarts and are
// shared across instances.
type Metrics struct {
	HitRate       float64                `json:"hitRate"`
	TotalRequests int64                  `json:"totalRequests"`
	Hits          int64                  `json:"hits"`
	Misses        int64                  `json:"misses"`
	ByEntityType  map[string]TypeMetrics `json:"byEntityType"`
}

func counterKey(kind, entityType string) string {
	if entityType == "" {
		return "cachestat:" + kind
	}
	return fmt.Sprintf("cachestat:%s:%s", kind, entityType)
}

func windowKey(kind, entityType string) string {
	return fmt.Sprintf("cachewin:%s:%s", kind, entityType)
}

// count records a hit or miss on the cumulative and tuning-window counters.
// Best effort: metrics never fail a request.
func (c *Selective) count(ctx context.Context, entityType string, hit bool) {
	kind := "miss"
	if hit {
		kind = "hit"
	}

	cctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	for _, key := range []string{
		counterKey(kind, ""),
		counterKey(kind, entityType),
		windowKey(kind, entityType),
	} {
		if _, err := c.kv.Incr(cctx, key, 1); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache counter increment failed")
			return
		}
	}
}

func (c *Selective) readCounter(ctx context.Context, key string) int64 {
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil || !found {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// Metrics returns global and per-type hit/miss counters
func (c *Selective) Metrics(ctx context.Context) (*Metrics, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*kvTimeout)
	defer cancel()

	m := &Metrics{ByEntityType: make(map[string]TypeMetrics)}
	m.Hits = c.readCounter(cctx, counterKey("hit", ""))
	m.Misses = c.readCounter(cctx, counterKey("miss", ""))
	m.TotalRequests = m.Hits + m.Misses
	if m.TotalRequests > 0 {
		m.HitRate = float64(m.Hits) / float64(m.TotalRequests)
	}

	for _, entityType := range c.registry.EntityTypes() {
		tm := TypeMetrics{
			Hits:   c.readCounter(cctx, counterKey("hit", entityType)),
			Misses: c.readCounter(cctx, counterKey("miss", entityType)),
		}
		if total := tm.Hits + tm.Misses; total > 0 {
			tm.HitRate = float64(tm.Hits) / float64(total)
		}
		m.ByEntityType[entityType] = tm
	}
	return m, nil
}

const (
	lowHitRate    = 0.30
	lowMinSamples = 100

	highHitRate    = 0.80
	highMinSamples = 1000

	shrinkFactor = 0.7
	growFactor   = 1.5
)

// Optimize tunes strategy TTLs from the observed tuning-window hit rate:
// cold types (< 30% over >= 100 samples) shrink 30%, hot types (> 80% over
// >= 1000 samples) grow 50%, always inside [MinTTL, MaxTTL]. Runs from the
// maintenance loop, never inline with a request. Per-type failures are
// skipped; returns the number of entity types adjusted.
func (c *Selective) Optimize(ctx context.Context) int {
	adjusted := 0
	for _, entityType := range c.registry.EntityTypes() {
		cctx, cancel := context.WithTimeout(ctx, 5*kvTimeout)
		hits := c.readCounter(cctx, windowKey("hit", entityType))
		misses := c.readCounter(cctx, windowKey("miss", entityType))
		cancel()

		samples := hits + misses
		if samples == 0 {
			continue
		}
		rate := float64(hits) / float64(samples)

		var factor float64
		switch {
		case rate < lowHitRate && samples >= lowMinSamples:
			factor = shrinkFactor
		case rate > highHitRate && samples >= highMinSamples:
			factor = growFactor
		default:
			continue
		}

		c.registry.scaleTTLs(entityType, factor)
		adjusted++

		// Restart the observation window so one cold stretch is not
		// punished again on the next pass
		cctx, cancel = context.WithTimeout(ctx, kvTimeout)
		if err := c.kv.Delete(cctx, windowKey("hit", entityType), windowKey("miss", entityType)); err != nil {
			log.Warn().Err(err).Str("entityType", entityType).Msg("failed to reset tuning window")
		}
		cancel()

		log.Info().
			Str("entityType", entityType).
			Float64("hitRate", rate).
			Int64("samples", samples).
			Float64("factor", factor).
			Msg("cache ttl adjusted")
	}
	return adjusted
}
