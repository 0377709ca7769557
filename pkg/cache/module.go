// Package cache provides the bounded caches between the evaluation
// pipeline and its expensive inputs: compiled module binaries, ready
// evaluator instances, and the most recent process memory.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ModuleLoader fetches a module binary from its origin on a cache miss.
type ModuleLoader func(ctx context.Context, moduleID string) ([]byte, error)

// ModuleCache is a count-bounded LRU of module binaries keyed by module
// id. Concurrent misses for the same module collapse into one fetch.
type ModuleCache struct {
	lru  *lru.Cache[string, []byte]
	sf   singleflight.Group
	load ModuleLoader
}

// NewModuleCache creates a module cache holding at most maxEntries
// binaries.
func NewModuleCache(maxEntries int, load ModuleLoader) (*ModuleCache, error) {
	l, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &ModuleCache{lru: l, load: load}, nil
}

// Get returns the binary for moduleID, fetching it on a miss.
func (c *ModuleCache) Get(ctx context.Context, moduleID string) ([]byte, error) {
	if binary, ok := c.lru.Get(moduleID); ok {
		return binary, nil
	}

	v, err, _ := c.sf.Do(moduleID, func() (interface{}, error) {
		// Re-check: an earlier flight may have populated the entry.
		if binary, ok := c.lru.Get(moduleID); ok {
			return binary, nil
		}
		binary, err := c.load(ctx, moduleID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(moduleID, binary)
		return binary, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Contains reports whether moduleID is cached, without updating recency.
func (c *ModuleCache) Contains(moduleID string) bool {
	return c.lru.Contains(moduleID)
}

// Len returns the number of cached binaries.
func (c *ModuleCache) Len() int {
	return c.lru.Len()
}
