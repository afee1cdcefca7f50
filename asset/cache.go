package asset

import (
	"container/list"
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// cacheShards must be a power of two.
	cacheShards = 16
	shardMask   = cacheShards - 1

	// DefaultCacheEntries is the per-shard entry limit used when NewCache
	// is given a non-positive limit.
	DefaultCacheEntries = 8
)

// CacheStats reports Cache activity.
type CacheStats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

// Cache keeps decoded images keyed by path, evicting the least recently
// used entry of a shard once it holds more than its limit. Concurrent
// loads of the same path decode it once. Failed decodes are not cached.
//
// Cached Pixels are shared between callers and must not be modified.
type Cache struct {
	shards [cacheShards]*cacheShard
	limit  int
	group  singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
}

type cacheEntry struct {
	path string
	px   *Pixels
}

// NewCache returns a Cache holding up to perShard entries in each of its
// shards.
func NewCache(perShard int) *Cache {
	if perShard <= 0 {
		perShard = DefaultCacheEntries
	}
	c := &Cache{limit: perShard}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
		}
	}
	return c
}

func (c *Cache) shard(path string) *cacheShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return c.shards[h.Sum64()&shardMask]
}

// Load returns the decoded image at path, decoding it on a miss.
func (c *Cache) Load(path string) (*Pixels, error) {
	if px, ok := c.Get(path); ok {
		return px, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(path, func() (any, error) {
		if px, ok := c.peek(path); ok {
			return px, nil
		}
		px, err := DecodeFile(path)
		if err != nil {
			return nil, err
		}
		c.put(path, px)
		return px, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pixels), nil
}

// LoadAll is LoadAll backed by the cache.
func (c *Cache) LoadAll(ctx context.Context, paths []string) ([]*Pixels, error) {
	out := make([]*Pixels, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := c.Load(path)
			if err != nil {
				return err
			}
			out[i] = px
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the cached image at path without decoding. A hit marks the
// entry as most recently used.
func (c *Cache) Get(path string) (*Pixels, bool) {
	s := c.shard(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*cacheEntry).px, true
}

// peek looks path up without touching the counters.
func (c *Cache) peek(path string) (*Pixels, bool) {
	s := c.shard(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[path]; ok {
		return el.Value.(*cacheEntry).px, true
	}
	return nil, false
}

func (c *Cache) put(path string, px *Pixels) {
	s := c.shard(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[path]; ok {
		el.Value.(*cacheEntry).px = px
		s.lru.MoveToFront(el)
		return
	}
	for s.lru.Len() >= c.limit {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).path)
		c.evictions.Add(1)
	}
	s.entries[path] = s.lru.PushFront(&cacheEntry{path: path, px: px})
}

// Forget drops path from the cache and reports whether it was cached.
func (c *Cache) Forget(path string) bool {
	s := c.shard(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[path]
	if !ok {
		return false
	}
	s.lru.Remove(el)
	delete(s.entries, path)
	return true
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		clear(s.entries)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
