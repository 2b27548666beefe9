package version

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/synccore/internal/kv"
	"github.com/driftlabs/synccore/internal/syncx"
)

const (
	// latestTTL bounds how long a cached latest-version answer can go
	// unrefreshed from durable storage.
	latestTTL = time.Hour

	// cacheTimeout caps every round trip to the shared kv store. A slow
	// cache degrades to a repo read, it never stalls the request.
	cacheTimeout = 50 * time.Millisecond

	// createRetries bounds the unique-constraint retry loop for version
	// assignment under concurrent writers.
	createRetries = 5
)

// Store assigns monotonically increasing version numbers to entity mutations
// and persists immutable snapshots with integrity checksums. Latest-version
// lookups go through a process-local hot tier and the shared kv store before
// touching durable storage.
type Store struct {
	repo Repo
	kv   kv.Store
	hot  *ristretto.Cache
}

// New creates a version Store over the given repo and shared kv store
func New(repo Repo, kvs kv.Store) (*Store, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1e7,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Store{repo: repo, kv: kvs, hot: hot}, nil
}

func latestKey(entityType, entityID string) string {
	return fmt.Sprintf("version:latest:%s:%s", entityType, entityID)
}

func recordKey(entityType, entityID string) string {
	return fmt.Sprintf("version:record:%s:%s", entityType, entityID)
}

// Latest returns the highest known version for an entity, 0 when the entity
// has no history. Cache misses repopulate both tiers with a bounded TTL.
func (s *Store) Latest(ctx context.Context, entityType, entityID string) (int64, error) {
	if entityType == "" || entityID == "" {
		return 0, fmt.Errorf("%w: entityType and entityId are required", ErrInvalidArgument)
	}

	key := latestKey(entityType, entityID)

	if v, found := s.hot.Get(key); found {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}

	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	raw, found, err := s.kv.Get(cctx, key)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("latest-version cache read failed")
	} else if found {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			s.hot.SetWithTTL(key, n, 1, latestTTL)
			return n, nil
		}
	}

	n, err := s.repo.MaxVersion(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}

	s.cacheLatest(ctx, entityType, entityID, n)
	return n, nil
}

func (s *Store) cacheLatest(ctx context.Context, entityType, entityID string, n int64) {
	key := latestKey(entityType, entityID)
	s.hot.SetWithTTL(key, n, 1, latestTTL)

	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := s.kv.SetWithTTL(cctx, key, strconv.FormatInt(n, 10), latestTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("latest-version cache write failed")
	}
}

// Create records a new version of an entity. Version assignment is serialized
// per entity by the storage unique constraint: a writer that loses the race
// re-reads the max version and retries.
func (s *Store) Create(ctx context.Context, entityType, entityID string, data map[string]any, authorID string, op Operation, metadata map[string]any) (*Record, error) {
	switch {
	case entityType == "" || entityID == "":
		return nil, fmt.Errorf("%w: entityType and entityId are required", ErrInvalidArgument)
	case authorID == "":
		return nil, fmt.Errorf("%w: authorId is required", ErrInvalidArgument)
	case data == nil:
		return nil, fmt.Errorf("%w: data is required", ErrInvalidArgument)
	case !op.Valid():
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidArgument, op)
	}

	checksum, err := syncx.Checksum(data)
	if err != nil {
		return nil, err
	}

	latest, err := s.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		rec := &Record{
			EntityType: entityType,
			EntityID:   entityID,
			Version:    latest + 1,
			Operation:  op,
			Data:       data,
			Checksum:   checksum,
			AuthorID:   authorID,
			Metadata:   metadata,
		}

		err = s.repo.Insert(ctx, rec)
		if err == nil {
			s.cacheLatest(ctx, entityType, entityID, rec.Version)
			s.cacheRecord(ctx, rec)

			log.Debug().
				Str("entityType", entityType).
				Str("entityId", entityID).
				Int64("version", rec.Version).
				Str("operation", string(op)).
				Msg("version created")
			return rec, nil
		}
		if err != errVersionTaken {
			return nil, err
		}

		// Lost the race: the cached latest is stale, re-read durable storage
		latest, err = s.repo.MaxVersion(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("version assignment for %s/%s contended beyond %d attempts: %w",
		entityType, entityID, createRetries, errVersionTaken)
}

func (s *Store) cacheRecord(ctx context.Context, rec *Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := s.kv.SetWithTTL(cctx, recordKey(rec.EntityType, rec.EntityID), string(b), latestTTL); err != nil {
		log.Warn().Err(err).Msg("latest-record cache write failed")
	}
}

// LatestRecord returns the most recent version record, consulting the
// latest-record cache first. ErrNotFound when the entity has no history.
func (s *Store) LatestRecord(ctx context.Context, entityType, entityID string) (*Record, error) {
	cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	raw, found, err := s.kv.Get(cctx, recordKey(entityType, entityID))
	cancel()
	if err == nil && found {
		var rec Record
		if jerr := json.Unmarshal([]byte(raw), &rec); jerr == nil {
			return &rec, nil
		}
	}

	latest, err := s.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, ErrNotFound
	}

	rec, err := s.repo.Get(ctx, entityType, entityID, latest)
	if err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, rec)
	return rec, nil
}

// Get fetches one version record, ErrNotFound when absent
func (s *Store) Get(ctx context.Context, entityType, entityID string, version int64) (*Record, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1", ErrInvalidArgument)
	}
	return s.repo.Get(ctx, entityType, entityID, version)
}

// History returns version records newest first
func (s *Store) History(ctx context.Context, entityType, entityID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.History(ctx, entityType, entityID, limit, offset)
}

// Changes returns version records created after the given cursor position,
// oldest first, for cursor-paged change feeds. entityType narrows the stream
// when non-empty.
func (s *Store) Changes(ctx context.Context, entityType string, cur syncx.Cursor, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.Since(ctx, entityType, cur.Ms, cur.UID, limit)
}

// Compare returns the field-level structural diff between two versions of an
// entity, keyed by dotted field path.
func (s *Store) Compare(ctx context.Context, entityType, entityID string, v1, v2 int64) (map[string]syncx.Change, error) {
	a, err := s.Get(ctx, entityType, entityID, v1)
	if err != nil {
		return nil, err
	}
	b, err := s.Get(ctx, entityType, entityID, v2)
	if err != nil {
		return nil, err
	}
	return syncx.Diff(a.Data, b.Data), nil
}

// Rollback creates a new version whose data equals the target version's data.
// History is never rewritten; the new record carries rollback provenance in
// its metadata.
func (s *Store) Rollback(ctx context.Context, entityType, entityID string, targetVersion int64, authorID string) (*Record, error) {
	target, err := s.Get(ctx, entityType, entityID, targetVersion)
	if err != nil {
		return nil, err
	}

	latest, err := s.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"rollback":       true,
		"rolledBackTo":   targetVersion,
		"rolledBackFrom": latest,
	}
	return s.Create(ctx, entityType, entityID, target.Data, authorID, OpUpdate, metadata)
}

// ValidateIntegrity recomputes checksums over stored history and reports
// mismatches. Corruption of one record never aborts the pass.
func (s *Store) ValidateIntegrity(ctx context.Context, entityType, entityID string, version *int64) (*IntegrityReport, error) {
	report := &IntegrityReport{IsValid: true, CorruptedVersions: []int64{}}

	check := func(rec *Record) {
		report.Checked++
		sum, err := syncx.Checksum(rec.Data)
		if err != nil || sum != rec.Checksum {
			report.IsValid = false
			report.CorruptedVersions = append(report.CorruptedVersions, rec.Version)
			log.Warn().
				Str("entityType", entityType).
				Str("entityId", entityID).
				Int64("version", rec.Version).
				Msg("checksum mismatch detected")
		}
	}

	if version != nil {
		rec, err := s.Get(ctx, entityType, entityID, *version)
		if err != nil {
			return nil, err
		}
		check(rec)
		return report, nil
	}

	// Page through full history
	const page = 200
	for offset := 0; ; offset += page {
		records, err := s.repo.History(ctx, entityType, entityID, page, offset)
		if err != nil {
			return nil, err
		}
		for i := range records {
			check(&records[i])
		}
		if len(records) < page {
			break
		}
	}
	return report, nil
}

// CleanupOld retains the keep highest versions of an entity and deletes the
// rest, returning the number removed.
func (s *Store) CleanupOld(ctx context.Context, entityType, entityID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 10
	}
	deleted, err := s.repo.DeleteBelowKeep(ctx, entityType, entityID, keep)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().
			Str("entityType", entityType).
			Str("entityId", entityID).
			Int64("deleted", deleted).
			Msg("old versions cleaned up")
	}
	return deleted, nil
}
