// Package kv provides the TTL'd key-value store backing ephemeral engine
// state: quota reservations and access tokens. The interface mirrors the
// Redis-style set/get/delete-with-expiry surface the engines need, with a
// BadgerDB implementation for production and an in-memory one for tests.
package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeyNotFound indicates a missing or expired key.
var ErrKeyNotFound = errors.New("kv: key not found")

// Entry is one key/value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a key-value store with per-key TTLs.
type Store interface {
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets the TTL of an existing key, or ErrKeyNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan returns all live entries whose key starts with prefix.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases store resources.
	Close() error
}

// memEntry is one in-memory record. expiresAt zero means no expiry.
type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memEntry

	// now is swappable in tests to simulate TTL expiry.
	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memEntry),
		now:  time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) live(e memEntry) bool {
	return e.expiresAt.IsZero() || s.now().Before(e.expiresAt)
}

// Set stores value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Get returns the value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || !s.live(e) {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Expire resets the TTL of an existing key.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || !s.live(e) {
		return ErrKeyNotFound
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.data[key] = e
	return nil
}

// Scan returns all live entries with the given prefix.
func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && s.live(e) {
			out = append(out, Entry{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
