// Package kvstore provides a small typed key-value layer with explicit
// TTLs, replacing scattered raw string storage.
package kvstore

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTL markers re-exported for callers.
const (
	DefaultTTL   = gocache.DefaultExpiration
	NoExpiration = gocache.NoExpiration
)

// Store is a typed TTL cache. The zero value is not usable; construct
// with New.
type Store[T any] struct {
	cache *gocache.Cache
}

// New creates a store. Entries written with DefaultTTL expire after
// defaultTTL; expired entries are purged every cleanupInterval.
func New[T any](defaultTTL, cleanupInterval time.Duration) *Store[T] {
	return &Store[T]{cache: gocache.New(defaultTTL, cleanupInterval)}
}

// Set writes a value under key with the given TTL.
func (s *Store[T]) Set(key string, value T, ttl time.Duration) {
	s.cache.Set(key, value, ttl)
}

// Get reads the value under key. The second return is false when the
// key is absent or expired.
func (s *Store[T]) Get(key string) (T, bool) {
	var zero T
	raw, ok := s.cache.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// Delete removes the value under key.
func (s *Store[T]) Delete(key string) {
	s.cache.Delete(key)
}

// Flush removes every entry.
func (s *Store[T]) Flush() {
	s.cache.Flush()
}
