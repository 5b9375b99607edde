package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Config bounds a BlockCache.
type Config struct {
	MaxSize    int64         `yaml:"max_size"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a 64MB cache with no entry limit and no expiry.
func DefaultConfig() Config {
	return Config{MaxSize: 64 * 1024 * 1024}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Entries     int
	Size        int64
	Capacity    int64
	HitRate     float64
	Utilization float64
}

type blockKey struct {
	object string
	index  int64
}

type block struct {
	key     blockKey
	data    []byte
	stored  time.Time
	element *list.Element
}

// BlockCache is a thread-safe LRU of fixed-index blocks per object. Stored
// blocks are copied on Put and on Get.
type BlockCache struct {
	mu    sync.Mutex
	cfg   Config
	items map[blockKey]*block
	order *list.List
	size  int64
	stats Stats

	now func() time.Time
}

// NewBlockCache creates a cache. A nil config means DefaultConfig.
func NewBlockCache(cfg *Config) *BlockCache {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &BlockCache{
		cfg:   c,
		items: make(map[blockKey]*block),
		order: list.New(),
		now:   time.Now,
	}
}

// Get returns block index of object.
func (c *BlockCache) Get(object string, index int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.items[blockKey{object, index}]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.expired(b) {
		c.remove(b)
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(b.element)
	c.stats.Hits++

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, true
}

// Contains reports whether a live block is cached without touching recency
// or counters.
func (c *BlockCache) Contains(object string, index int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[blockKey{object, index}]
	return ok && !c.expired(b)
}

// Put stores block index of object, evicting least recently used blocks
// until the cache fits its bounds. Blocks larger than MaxSize are not kept.
func (c *BlockCache) Put(object string, index int64, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxSize > 0 && int64(len(data)) > c.cfg.MaxSize {
		return
	}

	key := blockKey{object, index}
	if b, ok := c.items[key]; ok {
		c.size -= int64(len(b.data))
		b.data = append(b.data[:0], data...)
		b.stored = c.now()
		c.size += int64(len(b.data))
		c.order.MoveToFront(b.element)
		c.evictIfNeeded()
		return
	}

	b := &block{key: key, data: append([]byte(nil), data...), stored: c.now()}
	b.element = c.order.PushFront(b)
	c.items[key] = b
	c.size += int64(len(data))
	c.evictIfNeeded()
}

// Invalidate drops every block of object.
func (c *BlockCache) Invalidate(object string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, b := range c.items {
		if key.object == object {
			c.unlink(b)
			dropped++
		}
	}
	return dropped
}

// InvalidatePrefix drops every block of objects whose id starts with prefix.
func (c *BlockCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, b := range c.items {
		if strings.HasPrefix(key.object, prefix) {
			c.unlink(b)
			dropped++
		}
	}
	return dropped
}

// Prune removes expired blocks.
func (c *BlockCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.TTL <= 0 {
		return 0
	}
	pruned := 0
	for _, b := range c.items {
		if c.expired(b) {
			c.remove(b)
			pruned++
		}
	}
	return pruned
}

// Resize changes MaxSize and evicts down to it.
func (c *BlockCache) Resize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxSize = maxSize
	c.evictIfNeeded()
}

// Clear empties the cache. Counters are kept.
func (c *BlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[blockKey]*block)
	c.order.Init()
	c.size = 0
}

// Size returns the number of cached bytes.
func (c *BlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns a snapshot of the counters.
func (c *BlockCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.items)
	s.Size = c.size
	s.Capacity = c.cfg.MaxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Size) / float64(s.Capacity)
	}
	return s
}

func (c *BlockCache) expired(b *block) bool {
	return c.cfg.TTL > 0 && c.now().Sub(b.stored) > c.cfg.TTL
}

func (c *BlockCache) evictIfNeeded() {
	for c.cfg.MaxSize > 0 && c.size > c.cfg.MaxSize && c.order.Len() > 0 {
		c.remove(c.order.Back().Value.(*block))
	}
	for c.cfg.MaxEntries > 0 && len(c.items) > c.cfg.MaxEntries && c.order.Len() > 0 {
		c.remove(c.order.Back().Value.(*block))
	}
}

func (c *BlockCache) remove(b *block) {
	c.unlink(b)
	c.stats.Evictions++
}

func (c *BlockCache) unlink(b *block) {
	c.order.Remove(b.element)
	delete(c.items, b.key)
	c.size -= int64(len(b.data))
}
