package sessionstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached fronts a slower Store with a bounded read-through cache. Writes go
// to the backing store first and only then update the cache.
type Cached struct {
	base  Store
	cache *lru.Cache[string, string]
}

// NewCached wraps base with an LRU of size entries.
func NewCached(base Store, size int) (*Cached, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cached{base: base, cache: cache}, nil
}

func (c *Cached) Get(ctx context.Context, name string) (string, bool, error) {
	if id, ok := c.cache.Get(name); ok {
		return id, true, nil
	}
	id, ok, err := c.base.Get(ctx, name)
	if err != nil || !ok {
		return id, ok, err
	}
	c.cache.Add(name, id)
	return id, true, nil
}

func (c *Cached) Put(ctx context.Context, name, sessionID string) error {
	if err := c.base.Put(ctx, name, sessionID); err != nil {
		c.cache.Remove(name)
		return err
	}
	c.cache.Add(name, sessionID)
	return nil
}

func (c *Cached) Delete(ctx context.Context, name string) error {
	c.cache.Remove(name)
	return c.base.Delete(ctx, name)
}

func (c *Cached) List(ctx context.Context) (map[string]string, error) {
	return c.base.List(ctx)
}
