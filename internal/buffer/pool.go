package buffer

import (
	"sort"
	"sync"
)

// BytePool hands out byte slices from size buckets to keep large transfer
// buffers off the garbage collector's critical path.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// DefaultSizes are the bucket sizes used by NewBytePool: powers of four from
// 4KB to 16MB, covering whole-file loads and read-ahead blocks.
var DefaultSizes = []int{
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
}

// NewBytePool creates a pool with DefaultSizes buckets.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(DefaultSizes)
}

// NewBytePoolWithSizes creates a pool with the given bucket sizes.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	sorted := make([]int, 0, len(sizes))
	for _, s := range sizes {
		if s > 0 {
			sorted = append(sorted, s)
		}
	}
	sort.Ints(sorted)

	pools := make(map[int]*sync.Pool, len(sorted))
	for _, size := range sorted {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{pools: pools, sizes: sorted}
}

// Get returns a slice of length size. Sizes beyond the largest bucket are
// allocated directly.
func (p *BytePool) Get(size int) []byte {
	idx := sort.SearchInts(p.sizes, size)
	if idx == len(p.sizes) {
		return make([]byte, size)
	}
	buf := p.pools[p.sizes[idx]].Get().([]byte)
	return buf[:size]
}

// Put returns buf to its bucket. Slices whose capacity matches no bucket are
// left to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	pool, ok := p.pools[cap(buf)]
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	// nolint:staticcheck // SA6002: sync.Pool.Put takes interface{}
	pool.Put(buf)
}

// PoolStats describes the bucket layout of a pool.
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	TotalPools    int   `json:"total_pools"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns the bucket layout.
func (p *BytePool) GetStats() PoolStats {
	stats := PoolStats{
		PoolSizes:  append([]int(nil), p.sizes...),
		TotalPools: len(p.pools),
	}
	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}
	return stats
}

var defaultBytePool = NewBytePool()

// GetBuffer gets a buffer from the shared pool.
func GetBuffer(size int) []byte {
	return defaultBytePool.Get(size)
}

// PutBuffer returns a buffer to the shared pool.
func PutBuffer(buf []byte) {
	defaultBytePool.Put(buf)
}
