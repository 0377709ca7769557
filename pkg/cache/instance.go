package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cunode/cunode/internal/model"
)

// InstanceKey identifies a bound evaluator: one module under one
// resource-limit profile.
type InstanceKey struct {
	ModuleID string
	Profile  string
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s|%s", k.ModuleID, k.Profile)
}

// InstanceBuilder instantiates a module under the given limits. This is
// the expensive step the cache exists to amortize.
type InstanceBuilder[T any] func(ctx context.Context, moduleID string, limits model.Limits) (T, error)

// InstanceCache is a count-bounded LRU of ready evaluator instances keyed
// by (module id, limits profile). Instantiation on miss runs behind a
// single-flight guard so concurrent misses for the same key share one
// result.
type InstanceCache[T any] struct {
	lru   *lru.Cache[InstanceKey, T]
	sf    singleflight.Group
	build InstanceBuilder[T]
}

// NewInstanceCache creates an instance cache holding at most maxEntries
// instances. onEvict, if non-nil, releases an evicted instance.
func NewInstanceCache[T any](maxEntries int, build InstanceBuilder[T], onEvict func(InstanceKey, T)) (*InstanceCache[T], error) {
	var l *lru.Cache[InstanceKey, T]
	var err error
	if onEvict != nil {
		l, err = lru.NewWithEvict[InstanceKey, T](maxEntries, onEvict)
	} else {
		l, err = lru.New[InstanceKey, T](maxEntries)
	}
	if err != nil {
		return nil, err
	}
	return &InstanceCache[T]{lru: l, build: build}, nil
}

// Get returns a ready instance for the module and limits, instantiating
// one on a miss.
func (c *InstanceCache[T]) Get(ctx context.Context, moduleID string, limits model.Limits) (T, error) {
	key := InstanceKey{ModuleID: moduleID, Profile: limits.Profile()}
	if inst, ok := c.lru.Get(key); ok {
		return inst, nil
	}

	v, err, _ := c.sf.Do(key.String(), func() (interface{}, error) {
		if inst, ok := c.lru.Get(key); ok {
			return inst, nil
		}
		inst, err := c.build(ctx, moduleID, limits)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, inst)
		return inst, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Len returns the number of cached instances.
func (c *InstanceCache[T]) Len() int {
	return c.lru.Len()
}

// Purge drops every instance, invoking the eviction callback on each.
func (c *InstanceCache[T]) Purge() {
	c.lru.Purge()
}
