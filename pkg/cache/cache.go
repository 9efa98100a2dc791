// Package cache is a small TTL cache whose loads are collapsed with
// singleflight, so concurrent misses on one key cost one upstream call.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL time.Duration
	// NegativeTTL caches loader errors for this long. Zero disables it.
	NegativeTTL time.Duration
	MaxEntries  int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Hooks receive per-key cache events, typically wired to Prometheus counters.
type Hooks struct {
	OnHit  func(key string)
	OnMiss func(key string)
}

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
}

// Cache maps string keys to V.
type Cache[V any] struct {
	mu    sync.Mutex
	items map[string]*entry[V]
	order []string
	opts  Options
	hooks Hooks
	sf    singleflight.Group
}

func New[V any](opts Options, hooks Hooks) *Cache[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		items: make(map[string]*entry[V]),
		opts:  opts,
		hooks: hooks,
	}
}

// Loader fetches the value for key on a miss.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Get returns the cached value or loads it.
func (c *Cache[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		if c.opts.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			if c.hooks.OnHit != nil {
				c.hooks.OnHit(key)
			}
			return e.value, e.err
		}
		c.deleteLocked(key)
	}
	c.mu.Unlock()

	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss(key)
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		val, err := load(ctx, key)
		c.store(key, val, err)
		return val, err
	})
	val, _ := v.(V)
	return val, err
}

func (c *Cache[V]) store(key string, val V, err error) {
	ttl := c.opts.TTL
	if err != nil {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		ttl = c.opts.NegativeTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, err: err, expiresAt: c.opts.Now().Add(ttl)}
	c.evictLocked()
}

// Set stores a value with the default TTL.
func (c *Cache[V]) Set(key string, val V) {
	c.store(key, val, nil)
}

// Peek returns a live value without loading.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.items[key]
	if !ok || e.err != nil || !c.opts.Now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Delete drops key; the next Get reloads it.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	c.deleteLocked(key)
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) deleteLocked(key string) {
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops the oldest inserted keys beyond MaxEntries.
func (c *Cache[V]) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}
