// Package pktpool implements component C2: a NUMA-local pool of fixed-size,
// reference-counted packet buffers. One Pool belongs to exactly one worker;
// buffers are chain-linked to model multi-segment packets the way a DPDK
// mbuf chain does, and transferring a buffer to another worker always goes
// through a copy into that worker's own Pool — pools are never shared.
package pktpool

import (
	"sync"
	"sync/atomic"

	"github.com/gazelle-net/lstack/pkg/errs"
)

// Buffer is one fixed-size packet buffer. Release decrements the reference
// count and returns the buffer to its owning Pool once it reaches zero.
type Buffer struct {
	Data     []byte
	Len      int
	NUMANode int
	Next     *Buffer // chain link for multi-segment packets

	pool *Pool
	refs atomic.Int32
}

// Retain increments the reference count; used when a buffer is handed to
// more than one consumer (e.g. queued for TX while still referenced by a
// socket's receive mailbox).
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release decrements the reference count and, if it reaches zero, returns
// the buffer (and its chain) to the owning pool.
func (b *Buffer) Release() {
	if b.refs.Add(-1) > 0 {
		return
	}
	next := b.Next
	b.Next = nil
	b.Len = 0
	if b.pool != nil {
		b.pool.free.Put(b)
		p := b.pool
		p.outstanding.Add(-1)
	}
	if next != nil {
		next.Release()
	}
}

// Pool is a per-worker, NUMA-local packet buffer pool. bufSize is the
// fixed payload capacity of every buffer it hands out (mirroring
// MBUF_MAX_DATA_LEN in the original's gazelle_opt.h). capacity bounds the
// number of buffers simultaneously checked out, mirroring the original's
// fixed-size DPDK mempool rather than an elastic cache: unlike a plain
// sync.Pool (whose items the runtime may evict on any GC, making
// exhaustion undetectable), outstanding is tracked explicitly so Alloc's
// failure path is reachable by construction, not just in principle.
type Pool struct {
	numaNode int
	bufSize  int
	capacity int64
	free     sync.Pool
	allocd   atomic.Int64
	failed   atomic.Int64

	outstanding atomic.Int64
}

// New creates a pool for the given NUMA node with a fixed capacity of
// capacityHint simultaneously outstanding buffers; the backing sync.Pool
// is pre-warmed with that many buffers up front, same sizing the
// teacher's ioutils resource pools use.
func New(numaNode, bufSize, capacityHint int) *Pool {
	p := &Pool{numaNode: numaNode, bufSize: bufSize, capacity: int64(capacityHint)}
	p.free.New = func() any {
		return &Buffer{Data: make([]byte, bufSize), NUMANode: numaNode, pool: p}
	}
	for i := 0; i < capacityHint; i++ {
		p.free.Put(&Buffer{Data: make([]byte, bufSize), NUMANode: numaNode, pool: p})
	}
	return p
}

// Alloc returns a single buffer with its refcount at 1 and Len reset to 0.
// Allocation never blocks; once capacity simultaneously outstanding
// buffers are checked out, it increments a failure counter and returns an
// error, per the resource-exhaustion category of the error design (§7):
// the caller drops the packet and reflects it in stats.
func (p *Pool) Alloc() (*Buffer, error) {
	if p.outstanding.Add(1) > p.capacity {
		p.outstanding.Add(-1)
		p.failed.Add(1)
		return nil, errs.New(errs.ResourceAllocFailed, "pktpool: allocation failed")
	}
	b, _ := p.free.Get().(*Buffer)
	if b == nil {
		// sync.Pool's New is non-nil, so Get never actually returns nil;
		// guarded regardless in case that invariant ever changes.
		p.outstanding.Add(-1)
		p.failed.Add(1)
		return nil, errs.New(errs.ResourceAllocFailed, "pktpool: allocation failed")
	}
	b.Len = 0
	b.Next = nil
	b.refs.Store(1)
	p.allocd.Add(1)
	return b, nil
}

// AllocBurst allocates up to n buffers, stopping early (without error) if
// the pool cannot satisfy the full burst — callers size their read bursts
// to the NIC's rx_poll budget and tolerate a short burst.
func (p *Pool) AllocBurst(n int) []*Buffer {
	out := make([]*Buffer, 0, n)
	for i := 0; i < n; i++ {
		b, err := p.Alloc()
		if err != nil {
			break
		}
		out = append(out, b)
	}
	return out
}

// CopyFrom allocates a buffer in this pool and copies src's payload into
// it — the mandatory cross-pool transfer path (§4.6, §5): buffers never
// cross a pool boundary by reference, only by value.
func (p *Pool) CopyFrom(src *Buffer) (*Buffer, error) {
	dst, err := p.Alloc()
	if err != nil {
		return nil, err
	}
	n := copy(dst.Data, src.Data[:src.Len])
	dst.Len = n
	return dst, nil
}

// Stats reports allocation counters for the stats-export collaborator.
type Stats struct {
	Allocated int64
	Failed    int64
}

func (p *Pool) Stats() Stats {
	return Stats{Allocated: p.allocd.Load(), Failed: p.failed.Load()}
}

func (p *Pool) NUMANode() int { return p.numaNode }
func (p *Pool) BufSize() int  { return p.bufSize }
