package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftlabs/synccore/internal/kv"
)

// expireSpy records the ttl passed to every SetExpire call per key.
type expireSpy struct {
	kv.Store
	mu      sync.Mutex
	expires map[string][]time.Duration
}

func (s *expireSpy) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	s.expires[key] = append(s.expires[key], ttl)
	s.mu.Unlock()
	return s.Store.SetExpire(ctx, key, ttl)
}

// failStore is a kv.Store whose every call fails, standing in for an
// unreachable cache backend.
type failStore struct{}

var errBackendDown = errors.New("cache backend unreachable")

func (failStore) Get(context.Context, string) (string, bool, error) { return "", false, errBackendDown }
func (failStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errBackendDown
}
func (failStore) Incr(context.Context, string, int64) (int64, error)  { return 0, errBackendDown }
func (failStore) SAdd(context.Context, string, ...string) error       { return errBackendDown }
func (failStore) SMembers(context.Context, string) ([]string, error)  { return nil, errBackendDown }
func (failStore) SetExpire(context.Context, string, time.Duration) error {
	return errBackendDown
}
func (failStore) Delete(context.Context, ...string) error { return errBackendDown }

func postPolicy() Policy {
	return Policy{
		Cacheable: true,
		Strategies: []Strategy{
			{Key: "content", TTL: 600 * time.Second, Priority: PriorityHigh, Dependencies: []string{"comment"}},
			{Key: "feed", TTL: 120 * time.Second, Priority: PriorityLow},
		},
	}
}

func newTestCache(t *testing.T) (*Selective, *kv.MemStore) {
	t.Helper()
	store := kv.NewMemStore()
	c := New(NewRegistry(), store)
	c.RegisterPolicy("post", postPolicy())
	return c, store
}

func staticFetcher(value any) Fetcher {
	return func(context.Context) (any, error) { return value, nil }
}

func countingFetcher(value any, calls *int) Fetcher {
	return func(context.Context) (any, error) {
		*calls++
		return value, nil
	}
}

func TestGetUnregisteredTypeBypassesCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	for i := 0; i < 2; i++ {
		v, err := c.Get(ctx, "profile", "u1", countingFetcher("direct", &calls), nil)
		if err != nil || v != "direct" {
			t.Fatalf("Get = %v, %v", v, err)
		}
	}
	if calls != 2 {
		t.Errorf("fetcher called %d times, want 2 (no caching for unregistered type)", calls)
	}
}

func TestGetReadThrough(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	fetch := countingFetcher(map[string]any{"title": "hello"}, &calls)

	first, err := c.Get(ctx, "post", "p1", fetch, nil)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	second, err := c.Get(ctx, "post", "p1", fetch, nil)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("fetcher called %d times, want 1 (second read served from cache)", calls)
	}
	if first.(map[string]any)["title"] != "hello" || second.(map[string]any)["title"] != "hello" {
		t.Errorf("cached roundtrip changed value: %v vs %v", first, second)
	}

	m, err := c.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.Hits != 1 || m.Misses != 1 {
		t.Errorf("Metrics = hits %d misses %d, want 1/1", m.Hits, m.Misses)
	}
	if m.ByEntityType["post"].Hits != 1 {
		t.Errorf("per-type hits = %d, want 1", m.ByEntityType["post"].Hits)
	}
}

func TestGetFailOpen(t *testing.T) {
	ctx := context.Background()
	c := New(NewRegistry(), failStore{})
	c.RegisterPolicy("post", postPolicy())

	v, err := c.Get(ctx, "post", "p1", staticFetcher("still works"), nil)
	if err != nil {
		t.Fatalf("Get raised with dead backend: %v", err)
	}
	if v != "still works" {
		t.Errorf("Get = %v, want fetcher value", v)
	}
}

func TestFetcherErrorPropagates(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wantErr := errors.New("db down")
	_, err := c.Get(ctx, "post", "p1", func(context.Context) (any, error) { return nil, wantErr }, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Get error = %v, want fetcher error", err)
	}
}

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		name string
		gctx *GetContext
		want string
	}{
		{name: "default first registered", gctx: nil, want: "content"},
		{name: "context priority match", gctx: &GetContext{Priority: PriorityLow}, want: "feed"},
		{name: "read heavy prefers high priority", gctx: &GetContext{AccessPattern: "read_heavy"}, want: "content"},
		{name: "unmatched priority falls back to first", gctx: &GetContext{Priority: PriorityMedium}, want: "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectStrategy(postPolicy(), tt.gctx)
			if got.Key != tt.want {
				t.Errorf("selectStrategy key = %q, want %q", got.Key, tt.want)
			}
		})
	}

	t.Run("named fallback wins over first", func(t *testing.T) {
		p := postPolicy()
		p.FallbackStrategy = "feed"
		if got := selectStrategy(p, nil); got.Key != "feed" {
			t.Errorf("selectStrategy key = %q, want feed", got.Key)
		}
	})
}

func TestShouldCache(t *testing.T) {
	c, _ := newTestCache(t)
	strategy := postPolicy().Strategies[0]

	tests := []struct {
		name  string
		value any
		gctx  *GetContext
		want  bool
	}{
		{name: "plain value", value: map[string]any{"a": 1}, want: true},
		{name: "nil skipped", value: nil, want: false},
		{name: "error value skipped", value: errors.New("oops"), want: false},
		{name: "oversized skipped", value: strings.Repeat("x", maxValueBytes+1), want: false},
		{name: "low priority into high slot skipped", value: "v", gctx: &GetContext{Priority: PriorityLow}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := c.shouldCache(tt.value, strategy, tt.gctx)
			if got != tt.want {
				t.Errorf("shouldCache = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidateSweepsUserScopedEntries(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	fetch := countingFetcher("v", &calls)

	if _, err := c.Get(ctx, "post", "p1", fetch, nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.Get(ctx, "post", "p1", fetch, &GetContext{UserID: "u7"}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 distinct entries, fetcher ran %d times", calls)
	}

	c.Invalidate(ctx, "post", "p1", false)

	if _, err := c.Get(ctx, "post", "p1", fetch, &GetContext{UserID: "u7"}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("user-scoped entry survived invalidation (calls=%d)", calls)
	}
}

func TestCascadingInvalidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	fetch := countingFetcher(map[string]any{"title": "post with comments"}, &calls)
	gctx := &GetContext{RelatedIDs: map[string][]string{"comment": {"c1"}}}

	// Cache p1; its strategy depends on comment c1
	if _, err := c.Get(ctx, "post", "p1", fetch, gctx); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.Get(ctx, "post", "p1", fetch, gctx); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached read, fetcher ran %d times", calls)
	}

	// Mutating the comment sweeps the dependent post entry
	c.Invalidate(ctx, "comment", "c1", true)

	if _, err := c.Get(ctx, "post", "p1", fetch, gctx); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("dependent entry survived cascade (calls=%d)", calls)
	}
}

func TestCascadeIsOneHopOnly(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	c := New(NewRegistry(), store)
	c.RegisterPolicy("a", Policy{Cacheable: true, Strategies: []Strategy{{Key: "s", TTL: 300 * time.Second, Priority: PriorityMedium}}})
	c.RegisterPolicy("b", Policy{Cacheable: true, Strategies: []Strategy{{Key: "s", TTL: 300 * time.Second, Priority: PriorityMedium, Dependencies: []string{"a"}}}})
	c.RegisterPolicy("d", Policy{Cacheable: true, Strategies: []Strategy{{Key: "s", TTL: 300 * time.Second, Priority: PriorityMedium, Dependencies: []string{"b"}}}})

	bCalls, dCalls := 0, 0
	if _, err := c.Get(ctx, "b", "x", countingFetcher("b", &bCalls), &GetContext{RelatedIDs: map[string][]string{"a": {"a1"}}}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.Get(ctx, "d", "x", countingFetcher("d", &dCalls), &GetContext{RelatedIDs: map[string][]string{"b": {"x"}}}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Invalidating a1 sweeps b's entry but not d's (one hop by design)
	c.Invalidate(ctx, "a", "a1", true)

	if _, err := c.Get(ctx, "b", "x", countingFetcher("b", &bCalls), nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bCalls != 2 {
		t.Errorf("b entry survived cascade (calls=%d)", bCalls)
	}

	if _, err := c.Get(ctx, "d", "x", countingFetcher("d", &dCalls), nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if dCalls != 1 {
		t.Errorf("d entry was swept transitively (calls=%d), cascade must stop at one hop", dCalls)
	}
}

func TestDependencyIndexOutlivesShortLivedDependents(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	spy := &expireSpy{Store: kv.NewMemStore(), expires: make(map[string][]time.Duration)}
	c := New(registry, spy)

	c.RegisterPolicy("content", Policy{
		Cacheable: true,
		Strategies: []Strategy{
			{Key: "full", TTL: 2 * time.Hour, Priority: PriorityHigh, Dependencies: []string{"comment"}},
		},
	})
	c.RegisterPolicy("feed", Policy{
		Cacheable: true,
		Strategies: []Strategy{
			{Key: "recent", TTL: 2 * time.Minute, Priority: PriorityLow, Dependencies: []string{"comment"}},
		},
	})

	fetch := func(context.Context) (any, error) { return map[string]any{"ok": true}, nil }
	gctx := &GetContext{RelatedIDs: map[string][]string{"comment": {"c1"}}}

	if _, err := c.Get(ctx, "content", "a1", fetch, gctx); err != nil {
		t.Fatalf("Get content failed: %v", err)
	}
	if _, err := c.Get(ctx, "feed", "f1", fetch, gctx); err != nil {
		t.Fatalf("Get feed failed: %v", err)
	}

	// Both types registered against comment c1; the store from the
	// short-TTL feed must not shrink the shared index below the content
	// entry's lifetime.
	ttls := spy.expires[depIndexKey("comment", "c1")]
	if len(ttls) != 2 {
		t.Fatalf("dependency index SetExpire called %d times, want 2", len(ttls))
	}
	for i, ttl := range ttls {
		if ttl != 2*time.Hour {
			t.Errorf("dependency index expiry #%d = %v, want 2h", i, ttl)
		}
	}
}

func TestInvalidateType(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	fetch := countingFetcher("v", &calls)
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := c.Get(ctx, "post", id, fetch, nil); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}

	c.InvalidateType(ctx, "post", nil)

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := c.Get(ctx, "post", id, fetch, nil); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if calls != 6 {
		t.Errorf("entries survived bulk invalidation (calls=%d, want 6)", calls)
	}
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	warmed := c.Warm(ctx, "post", []string{"p1", "p2"}, func(_ context.Context, entityID string) (any, error) {
		if entityID == "p2" {
			return nil, errors.New("p2 gone")
		}
		return "payload-" + entityID, nil
	})
	if warmed != 1 {
		t.Errorf("Warm = %d, want 1 (p2 fetch failed)", warmed)
	}

	calls := 0
	v, err := c.Get(ctx, "post", "p1", countingFetcher("fresh", &calls), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if calls != 0 || v != "payload-p1" {
		t.Errorf("warmed entry not served: v=%v calls=%d", v, calls)
	}
}
