package assets

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is a process-local LRU with per-entry TTL. A store built with
// a non-positive size or ttl is disabled and always misses.
type MemoryStore struct {
	lru *expirable.LRU[string, []Asset]
}

// NewMemoryStore creates a store holding at most maxSize entries for ttl.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 || ttl <= 0 {
		return &MemoryStore{}
	}
	return &MemoryStore{lru: expirable.NewLRU[string, []Asset](maxSize, nil, ttl)}
}

// Get returns the live entry for key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]Asset, bool, error) {
	if s.lru == nil {
		return nil, false, nil
	}
	v, ok := s.lru.Get(key)
	return v, ok, nil
}

// Set stores assets under key.
func (s *MemoryStore) Set(_ context.Context, key string, assets []Asset) error {
	if s.lru != nil {
		s.lru.Add(key, assets)
	}
	return nil
}

// Len reports the number of entries, expired or not yet purged.
func (s *MemoryStore) Len() int {
	if s.lru == nil {
		return 0
	}
	return s.lru.Len()
}
