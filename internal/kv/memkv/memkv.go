// Package memkv implements kv.Store in process memory for unit tests,
// including the atomic-reservation semantics the Redis implementation
// provides via EVAL.
package memkv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowbase/core/internal/kv"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Store is an in-memory implementation of kv.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
}

var _ kv.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[key] = entry{value: value, expiresAt: exp}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, e := range s.entries {
		if s.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) TryReserve(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	cur := int64(0)
	if ok && !s.expired(e) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if cur+1 > limit {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[key] = entry{value: strconv.FormatInt(cur+1, 10), expiresAt: exp}
	return true, nil
}

func (s *Store) TryReserveTwo(ctx context.Context, key1 string, limit1 int64, key2 string, limit2 int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	read := func(key string) int64 {
		e, ok := s.entries[key]
		if !ok || s.expired(e) {
			return 0
		}
		v, _ := strconv.ParseInt(e.value, 10, 64)
		return v
	}
	cur1, cur2 := read(key1), read(key2)
	if cur1+1 > limit1 || cur2+1 > limit2 {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[key1] = entry{value: strconv.FormatInt(cur1+1, 10), expiresAt: exp}
	s.entries[key2] = entry{value: strconv.FormatInt(cur2+1, 10), expiresAt: exp}
	return true, nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	cur := int64(0)
	if ok && !s.expired(e) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if cur <= 0 {
		s.entries[key] = entry{value: "0", expiresAt: e.expiresAt}
		return nil
	}
	s.entries[key] = entry{value: strconv.FormatInt(cur-1, 10), expiresAt: e.expiresAt}
	return nil
}
