// Package pool provides memory management optimizations for chunk
// streaming. Chunk buffers are pooled per size class so steady-state
// transfers stop allocating once warm.
package pool

import (
	"sync"
)

// ChunkPool manages reusable chunk buffers keyed by size. The governor
// advises sizes from a small fixed set (the baseline and its halvings down
// to the floor), so the number of classes stays bounded.
type ChunkPool struct {
	mu    sync.Mutex
	pools map[int64]*sync.Pool
}

// NewChunkPool creates an empty pool. Size classes are created on demand.
func NewChunkPool() *ChunkPool {
	return &ChunkPool{pools: make(map[int64]*sync.Pool)}
}

// Get returns a buffer of exactly size bytes. The caller is responsible
// for calling Put to return the buffer to the pool.
func (p *ChunkPool) Get(size int64) []byte {
	p.mu.Lock()
	sp, ok := p.pools[size]
	if !ok {
		sp = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		}
		p.pools[size] = sp
	}
	p.mu.Unlock()

	bufPtr := sp.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// Put returns a buffer to its size class. The buffer must not be used
// after calling Put.
func (p *ChunkPool) Put(buf []byte) {
	size := int64(cap(buf))
	p.mu.Lock()
	sp, ok := p.pools[size]
	p.mu.Unlock()
	if !ok {
		// Buffer from an unknown class, likely resliced; drop it.
		return
	}
	buf = buf[:cap(buf)]
	sp.Put(&buf)
}
