package version

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driftlabs/synccore/internal/kv"
	"github.com/driftlabs/synccore/internal/syncx"
)

// memRepo is an in-memory Repo with the same uniqueness semantics as the
// entity_version table.
type memRepo struct {
	mu      sync.Mutex
	records map[string][]Record // entityType:entityId -> records
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string][]Record)}
}

func repoKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

func (r *memRepo) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := repoKey(rec.EntityType, rec.EntityID)
	for _, existing := range r.records[key] {
		if existing.Version == rec.Version {
			return errVersionTaken
		}
	}
	rec.ID = uuid.New()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.records[key] = append(r.records[key], *rec)
	return nil
}

func (r *memRepo) MaxVersion(_ context.Context, entityType, entityID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var max int64
	for _, rec := range r.records[repoKey(entityType, entityID)] {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max, nil
}

func (r *memRepo) Get(_ context.Context, entityType, entityID string, version int64) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records[repoKey(entityType, entityID)] {
		if rec.Version == version {
			out := rec
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) History(_ context.Context, entityType, entityID string, limit, offset int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := append([]Record(nil), r.records[repoKey(entityType, entityID)]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Version > all[j].Version })

	if offset >= len(all) {
		return []Record{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memRepo) Since(_ context.Context, entityType string, afterMs int64, afterID uuid.UUID, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Record, 0)
	for _, recs := range r.records {
		for _, rec := range recs {
			if entityType != "" && rec.EntityType != entityType {
				continue
			}
			ms := rec.CreatedAt.UnixMilli()
			if ms > afterMs || (ms == afterMs && rec.ID.String() > afterID.String()) {
				all = append(all, rec)
			}
		}
	}
	// Order at the same ms granularity the filter uses; sorting on the raw
	// timestamp would disagree with cursor advancement inside a millisecond.
	sort.Slice(all, func(i, j int) bool {
		mi, mj := all[i].CreatedAt.UnixMilli(), all[j].CreatedAt.UnixMilli()
		if mi != mj {
			return mi < mj
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memRepo) DeleteBelowKeep(_ context.Context, entityType, entityID string, keep int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := repoKey(entityType, entityID)
	all := r.records[key]
	sort.Slice(all, func(i, j int) bool { return all[i].Version > all[j].Version })
	if len(all) <= keep {
		return 0, nil
	}
	deleted := int64(len(all) - keep)
	r.records[key] = all[:keep]
	return deleted, nil
}

func newTestStore(t *testing.T) (*Store, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	store, err := New(repo, kv.NewMemStore())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, repo
}

func TestCreateAssignsSequentialVersions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		rec, err := store.Create(ctx, "post", "p1", map[string]any{"rev": want}, "u1", OpUpdate, nil)
		if err != nil {
			t.Fatalf("Create #%d failed: %v", want, err)
		}
		if rec.Version != want {
			t.Errorf("Create #%d assigned version %d, want %d", want, rec.Version, want)
		}
		if rec.Checksum == "" {
			t.Error("Create left checksum empty")
		}
	}

	latest, err := store.Latest(ctx, "post", "p1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest != 3 {
		t.Errorf("Latest = %d, want 3", latest)
	}
}

func TestCreateConcurrentWritersNoGapsNoDuplicates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	const writers = 20
	versions := make([]int64, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.Create(ctx, "post", "p1", map[string]any{"writer": i}, "u1", OpUpdate, nil)
			if err != nil {
				errs[i] = err
				return
			}
			versions[i] = rec.Version
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	succeeded := 0
	for i := 0; i < writers; i++ {
		if errs[i] != nil {
			// Bounded retries may give up under extreme contention; that is
			// a retryable error, never a duplicate assignment.
			continue
		}
		succeeded++
		if seen[versions[i]] {
			t.Fatalf("version %d assigned twice", versions[i])
		}
		seen[versions[i]] = true
	}

	// The successful versions must be exactly {1..succeeded}
	for v := int64(1); v <= int64(succeeded); v++ {
		if !seen[v] {
			t.Errorf("gap in version sequence: missing %d (succeeded=%d)", v, succeeded)
		}
	}
}

func TestLatestUnknownEntityIsZero(t *testing.T) {
	store, _ := newTestStore(t)

	latest, err := store.Latest(context.Background(), "post", "never-seen")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest != 0 {
		t.Errorf("Latest = %d, want 0", latest)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	tests := []struct {
		name       string
		entityType string
		entityID   string
		data       map[string]any
		authorID   string
		op         Operation
	}{
		{name: "missing entity type", entityID: "p1", data: map[string]any{}, authorID: "u1", op: OpCreate},
		{name: "missing entity id", entityType: "post", data: map[string]any{}, authorID: "u1", op: OpCreate},
		{name: "missing author", entityType: "post", entityID: "p1", data: map[string]any{}, op: OpCreate},
		{name: "nil data", entityType: "post", entityID: "p1", authorID: "u1", op: OpCreate},
		{name: "bad operation", entityType: "post", entityID: "p1", data: map[string]any{}, authorID: "u1", op: "upsert"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(ctx, tt.entityType, tt.entityID, tt.data, tt.authorID, tt.op, nil)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Create() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := 1; i <= 5; i++ {
		if _, err := store.Create(ctx, "post", "p1", map[string]any{"rev": i}, "u1", OpUpdate, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	records, err := store.History(ctx, "post", "p1", 3, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("History returned %d records, want 3", len(records))
	}
	for i, want := range []int64{5, 4, 3} {
		if records[i].Version != want {
			t.Errorf("History[%d].Version = %d, want %d", i, records[i].Version, want)
		}
	}

	// Offset pages onward
	records, err = store.History(ctx, "post", "p1", 3, 3)
	if err != nil {
		t.Fatalf("History with offset failed: %v", err)
	}
	if len(records) != 2 || records[0].Version != 2 {
		t.Errorf("History offset page = %v, want versions [2 1]", records)
	}
}

func TestGetNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "post", "p1", 7)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.Create(ctx, "post", "p1", map[string]any{"title": "a", "body": "same"}, "u1", OpCreate, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create(ctx, "post", "p1", map[string]any{"title": "b", "tags": []any{"x"}}, "u1", OpUpdate, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	diff, err := store.Compare(ctx, "post", "p1", 1, 2)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if diff["title"].Type != "changed" {
		t.Errorf("title change = %q, want changed", diff["title"].Type)
	}
	if diff["body"].Type != "removed" {
		t.Errorf("body change = %q, want removed", diff["body"].Type)
	}
	if diff["tags"].Type != "added" {
		t.Errorf("tags change = %q, want added", diff["tags"].Type)
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.Create(ctx, "post", "p1", map[string]any{"title": "original"}, "u1", OpCreate, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create(ctx, "post", "p1", map[string]any{"title": "edited"}, "u1", OpUpdate, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := store.Rollback(ctx, "post", "p1", 1, "admin")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if rec.Version != 3 {
		t.Errorf("rollback created version %d, want 3", rec.Version)
	}
	if rec.Data["title"] != "original" {
		t.Errorf("rollback data = %v, want original snapshot", rec.Data)
	}
	if rec.Metadata["rolledBackTo"] != int64(1) {
		t.Errorf("rollback provenance = %v, want rolledBackTo=1", rec.Metadata)
	}
}

func TestRollbackMissingTarget(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Rollback(context.Background(), "post", "p1", 9, "admin")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Rollback() error = %v, want ErrNotFound", err)
	}
}

func TestValidateIntegrity(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	for i := 1; i <= 3; i++ {
		if _, err := store.Create(ctx, "post", "p1", map[string]any{"rev": i}, "u1", OpUpdate, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	report, err := store.ValidateIntegrity(ctx, "post", "p1", nil)
	if err != nil {
		t.Fatalf("ValidateIntegrity failed: %v", err)
	}
	if !report.IsValid || report.Checked != 3 {
		t.Errorf("clean history reported invalid: %+v", report)
	}

	// Corrupt version 2 in place
	repo.mu.Lock()
	for i := range repo.records["post:p1"] {
		if repo.records["post:p1"][i].Version == 2 {
			repo.records["post:p1"][i].Data = map[string]any{"rev": "tampered"}
		}
	}
	repo.mu.Unlock()

	report, err = store.ValidateIntegrity(ctx, "post", "p1", nil)
	if err != nil {
		t.Fatalf("ValidateIntegrity on corrupted history failed: %v", err)
	}
	if report.IsValid {
		t.Error("corruption not detected")
	}
	if len(report.CorruptedVersions) != 1 || report.CorruptedVersions[0] != 2 {
		t.Errorf("CorruptedVersions = %v, want [2]", report.CorruptedVersions)
	}
}

func TestCleanupOldKeepsHighest(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := 1; i <= 12; i++ {
		if _, err := store.Create(ctx, "post", "p1", map[string]any{"rev": i}, "u1", OpUpdate, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	deleted, err := store.CleanupOld(ctx, "post", "p1", 10)
	if err != nil {
		t.Fatalf("CleanupOld failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("CleanupOld deleted %d, want 2", deleted)
	}

	if _, err := store.Get(ctx, "post", "p1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("version 1 should be gone, got err=%v", err)
	}
	if _, err := store.Get(ctx, "post", "p1", 12); err != nil {
		t.Errorf("version 12 should survive, got err=%v", err)
	}
}

func TestChangesPagesInOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		entityID := "e" + strconv.Itoa(i)
		if _, err := store.Create(ctx, "task", entityID, map[string]any{"n": i}, "u1", OpCreate, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := store.Create(ctx, "note", "other", map[string]any{}, "u1", OpCreate, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	seen := map[string]bool{}
	cur := syncx.Cursor{}
	for page := 0; page < 10; page++ {
		records, err := store.Changes(ctx, "task", cur, 2)
		if err != nil {
			t.Fatalf("Changes failed: %v", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if rec.EntityType != "task" {
				t.Fatalf("entity type filter leaked %q", rec.EntityType)
			}
			if seen[rec.EntityID] {
				t.Fatalf("entity %s returned twice across pages", rec.EntityID)
			}
			seen[rec.EntityID] = true
		}
		last := records[len(records)-1]
		cur = syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), UID: last.ID}
	}

	if len(seen) != 5 {
		t.Errorf("paged feed returned %d entities, want 5", len(seen))
	}
}

func TestChangesSameMillisecondAdvances(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(t)

	// Records landing inside one millisecond carry sub-millisecond offsets
	// the cursor cannot encode; paging one at a time must still deliver each
	// exactly once.
	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 4; i++ {
		rec := &Record{
			EntityType: "task",
			EntityID:   "e" + strconv.Itoa(i),
			Version:    1,
			Operation:  OpCreate,
			Data:       map[string]any{"n": i},
			AuthorID:   "u1",
			CreatedAt:  base.Add(time.Duration(900-200*i) * time.Microsecond),
		}
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	seen := map[string]bool{}
	cur := syncx.Cursor{}
	for page := 0; page < 10; page++ {
		records, err := store.Changes(ctx, "task", cur, 1)
		if err != nil {
			t.Fatalf("Changes failed: %v", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if seen[rec.EntityID] {
				t.Fatalf("entity %s returned twice across pages", rec.EntityID)
			}
			seen[rec.EntityID] = true
		}
		last := records[len(records)-1]
		cur = syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), UID: last.ID}
	}

	if len(seen) != 4 {
		t.Errorf("paged feed returned %d entities, want 4", len(seen))
	}
}
