package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemStore is an in-process Store for tests and single-node deployments.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	sets    map[string]map[string]time.Time
	now     func() time.Time
}

// NewMemStore creates an empty in-memory Store
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]memEntry),
		sets:    make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemStore) expired(exp time.Time) bool {
	return !exp.IsZero() && s.now().After(exp)
}

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e, ok := s.entries[key]; ok && !s.expired(e.expiresAt) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n += delta
	s.entries[key] = memEntry{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (s *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]time.Time)
		s.sets[key] = set
	}
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = time.Time{}
		}
	}
	return nil
}

func (s *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0)
	for m, exp := range s.sets[key] {
		if !s.expired(exp) {
			members = append(members, m)
		}
	}
	return members, nil
}

func (s *MemStore) SetExpire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	if e, ok := s.entries[key]; ok {
		e.expiresAt = exp
		s.entries[key] = e
	}
	if set, ok := s.sets[key]; ok {
		for m := range set {
			set[m] = exp
		}
	}
	return nil
}

func (s *MemStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
		delete(s.sets, k)
	}
	return nil
}
