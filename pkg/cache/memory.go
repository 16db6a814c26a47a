package cache

import (
	"context"
	"sync"
)

// MemoryCache keeps artifact sets in process memory. Entries are lost on restart.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]ArtifactSet
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]ArtifactSet),
	}
}

func (c *MemoryCache) Exists(_ context.Context, fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[fingerprint]
	return ok
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string) (ArtifactSet, error) {
	c.mu.RLock()
	set, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return ArtifactSet{}, ErrNotFound
	}
	return set.Clone(), nil
}

// Put stores a private copy of set so later changes by the caller are not observed.
func (c *MemoryCache) Put(_ context.Context, fingerprint string, set ArtifactSet) error {
	stored := set.Clone()

	c.mu.Lock()
	c.entries[fingerprint] = stored
	c.mu.Unlock()

	return nil
}

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ Cache = (*MemoryCache)(nil)
