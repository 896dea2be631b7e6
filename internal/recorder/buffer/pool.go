package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultMaxPooledSize is the largest buffer a BytePool keeps for reuse.
const DefaultMaxPooledSize = 4 * 1024 * 1024

// BytePool manages reusable byte buffers bucketed by power-of-two size.
type BytePool struct {
	pools   map[int]*sync.Pool // Size (power of two) -> Pool
	maxSize int
	mu      sync.RWMutex

	// Metrics
	allocated atomic.Uint64
	inUse     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewBytePool creates a pool that recycles buffers up to maxSize bytes.
func NewBytePool(maxSize int) *BytePool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPooledSize
	}
	return &BytePool{
		pools:   make(map[int]*sync.Pool),
		maxSize: maxSize,
	}
}

// Get returns a buffer of length size. Its contents are undefined.
func (p *BytePool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}

	// Round up to nearest power of 2 for better pooling
	poolSize := roundUpPowerOf2(size)

	if poolSize > p.maxSize {
		p.misses.Add(1)
		return make([]byte, size)
	}

	pool := p.bucket(poolSize)
	buf := *(pool.Get().(*[]byte))
	if cap(buf) < size {
		p.misses.Add(1)
		return make([]byte, size)
	}

	p.hits.Add(1)
	p.inUse.Add(1)
	return buf[:size]
}

// Put returns a buffer obtained from Get. Buffers larger than the pool
// limit, or not sized by Get, are left to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	size := cap(buf)
	if size <= 0 || size > p.maxSize || size != roundUpPowerOf2(size) {
		return
	}

	p.mu.RLock()
	pool, exists := p.pools[size]
	p.mu.RUnlock()
	if !exists {
		return
	}

	buf = buf[:size]
	pool.Put(&buf)
	if p.inUse.Load() > 0 {
		p.inUse.Add(-1)
	}
}

func (p *BytePool) bucket(poolSize int) *sync.Pool {
	p.mu.RLock()
	pool, exists := p.pools[poolSize]
	p.mu.RUnlock()
	if exists {
		return pool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, exists = p.pools[poolSize]; exists {
		return pool
	}
	localSize := poolSize
	pool = &sync.Pool{
		New: func() interface{} {
			p.allocated.Add(1)
			b := make([]byte, localSize)
			return &b
		},
	}
	p.pools[poolSize] = pool
	return pool
}

// Metrics returns pool statistics
func (p *BytePool) Metrics() map[string]interface{} {
	p.mu.RLock()
	poolCount := len(p.pools)
	p.mu.RUnlock()

	h := p.hits.Load()
	m := p.misses.Load()
	hitRate := float64(h) / float64(h+m+1) // +1 to avoid div-by-zero

	return map[string]interface{}{
		"pools":     poolCount,
		"allocated": p.allocated.Load(),
		"in_use":    p.inUse.Load(),
		"hits":      h,
		"misses":    m,
		"hit_rate":  hitRate,
	}
}

// roundUpPowerOf2 rounds n up to the nearest power of 2 (minimum 1)
func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
