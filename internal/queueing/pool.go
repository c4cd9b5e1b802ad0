// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package queueing

import (
	"sync"

	"grimm.is/warden/internal/model"
)

// PoolStats reports pool instrumentation (spec.md §4.2: "created, reused,
// reuse_rate"). sync.Pool deliberately doesn't expose these counts, so the
// pool here is a hand-rolled mutex-guarded free list instead.
type PoolStats struct {
	Created int64
	Reused  int64
}

// ReuseRate returns reused / (created + reused), or 0 if nothing has been
// requested yet.
func (s PoolStats) ReuseRate() float64 {
	total := s.Created + s.Reused
	if total == 0 {
		return 0
	}
	return float64(s.Reused) / float64(total)
}

// PacketPool recycles *model.PacketRecord to keep the hot path allocation-free
// after warmup (spec.md §4.2).
type PacketPool struct {
	mu    sync.Mutex
	free  []*model.PacketRecord
	stats PoolStats
}

// NewPacketPool creates an empty pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{}
}

// Get returns a cleared *model.PacketRecord, allocating one if the free list
// is empty.
func (p *PacketPool) Get() *model.PacketRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.stats.Created++
		return &model.PacketRecord{}
	}

	rec := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.stats.Reused++
	return rec
}

// Put clears rec and returns it to the free list.
func (p *PacketPool) Put(rec *model.PacketRecord) {
	if rec == nil {
		return
	}
	rec.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, rec)
}

// Stats returns a consistent snapshot of pool instrumentation.
func (p *PacketPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// BytePool recycles fixed-size byte slices used in batch CSV export
// (spec.md §4.2).
type BytePool struct {
	size  int
	mu    sync.Mutex
	free  [][]byte
	stats PoolStats
}

// NewBytePool creates a pool of byte slices of the given fixed size.
func NewBytePool(size int) *BytePool {
	return &BytePool{size: size}
}

// Get returns a zeroed byte slice of the pool's fixed size.
func (p *BytePool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.stats.Created++
		return make([]byte, p.size)
	}

	b := p.free[n-1]
	p.free = p.free[:n-1]
	p.stats.Reused++
	for i := range b {
		b[i] = 0
	}
	return b
}

// Put returns b to the free list if it matches the pool's fixed size.
func (p *BytePool) Put(b []byte) {
	if len(b) != p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
}

// Stats returns a consistent snapshot of pool instrumentation.
func (p *BytePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
