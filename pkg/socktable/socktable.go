// Package socktable implements component C4: the process-wide mapping
// from descriptor to socket record. Each record is owned by exactly one
// worker for its lifetime; the table itself is a concurrency-safe typed
// map in the style of the teacher's atomic.MapTyped, since descriptors
// are created/destroyed far less often than packets are processed.
package socktable

import (
	"sync/atomic"

	"github.com/gazelle-net/lstack/pkg/errs"
)

// Descriptor is the process-wide file-descriptor-like handle identifying
// a socket record.
type Descriptor int32

// WakeKind distinguishes how a socket's readiness is surfaced.
type WakeKind int

const (
	WakeNone WakeKind = iota
	WakeEpoll
	WakePoll
)

// EventMask mirrors the epoll readiness bits the shim exposes to the
// application (EPOLLIN, EPOLLOUT, ...); kept as a plain bitmask rather
// than re-deriving unix.EPOLL* so the package has no platform coupling.
type EventMask uint32

const (
	EventIn  EventMask = 1 << iota
	EventOut
	EventErr
	EventHup
)

// Socket is one descriptor's record, per spec.md §3: a back-reference to
// its owning worker, an opaque TCP/IP connection handle, event state, and
// the shadow-listen ring linkage for listen descriptors. It holds no
// receive mailbox.
type Socket struct {
	FD          Descriptor
	OwnerWorker int // queue_id / worker index that owns this record
	ConnHandle  any // opaque TCP/IP connection handle

	events    atomic.Uint32 // EventMask bits currently set
	wakeKind  WakeKind

	// ListenNext is the next descriptor in this listen fd's shadow ring,
	// or -1 on the ring's last shadow and on sockets outside any shadow
	// ring. Stored as an
	// index (not a pointer) per the data-model note on avoiding
	// intrusive cyclic references in a systems-language rewrite — the
	// ring is walked through Table lookups instead.
	ListenNext Descriptor
	// IsMasterFd marks the shadow on the worker with the smallest
	// conn_num at the time broadcast_listen ran; cleared on every other
	// shadow of the same listen fd.
	IsMasterFd bool
	// IsListenShadow is true for every record created by broadcast_listen
	// (including the original), false for ordinary connected sockets.
	IsListenShadow bool
}

// SetEvents ORs mask into the socket's readiness bits.
func (s *Socket) SetEvents(mask EventMask) {
	for {
		old := s.events.Load()
		n := old | uint32(mask)
		if s.events.CompareAndSwap(old, n) {
			return
		}
	}
}

// ClearEvents ANDs out mask from the socket's readiness bits.
func (s *Socket) ClearEvents(mask EventMask) {
	for {
		old := s.events.Load()
		n := old &^ uint32(mask)
		if s.events.CompareAndSwap(old, n) {
			return
		}
	}
}

// Events returns the socket's current readiness bits.
func (s *Socket) Events() EventMask {
	return EventMask(s.events.Load())
}

// Table is the process-wide descriptor → Socket map, shared by every
// worker. Grounded on the teacher's generic sync.Map wrapper (atomic/
// synmap.go): a typed wrapper over sync.Map is the idiomatic replacement
// for a raw sync.Map full of interface{} casts.
type Table struct {
	next atomic.Int32
	m    atomicMap
}

// New constructs an empty socket table.
func New() *Table {
	return &Table{m: newAtomicMap()}
}

// Allocate reserves a fresh descriptor owned by workerIdx and inserts its
// record, mirroring the original's stack_socket handler running on the
// chosen worker.
func (t *Table) Allocate(workerIdx int) *Socket {
	fd := Descriptor(t.next.Add(1))
	s := &Socket{FD: fd, OwnerWorker: workerIdx, ListenNext: -1}
	t.m.Store(fd, s)
	return s
}

// Insert adds an already-constructed record (used for shadow_fd clones,
// whose descriptor is assigned by the remote worker's own socket table
// but must also be addressable from the caller's bookkeeping for the
// shadow ring).
func (t *Table) Insert(s *Socket) {
	t.m.Store(s.FD, s)
}

// Lookup returns the record for fd, or ok=false if it does not exist —
// the error returned by operations on a closed or unknown descriptor.
func (t *Table) Lookup(fd Descriptor) (*Socket, bool) {
	return t.m.Load(fd)
}

// Close removes fd's record from the table. Per spec.md §3: for listen
// sockets, close broadcasts; that fan-out is pkg/listen's responsibility,
// this method only removes the local bookkeeping entry.
func (t *Table) Close(fd Descriptor) error {
	if _, ok := t.m.Load(fd); !ok {
		return errs.New(errs.ProtocolError, "socktable: close of unknown descriptor")
	}
	t.m.Delete(fd)
	return nil
}

// Range walks every record currently in the table. The callback must not
// retain the pointer beyond the call if the caller intends to closeFd it
// from another goroutine.
func (t *Table) Range(fn func(*Socket) bool) {
	t.m.Range(fn)
}

// ShadowRing walks the listen_next ring starting at head, calling fn for
// each shadow and stopping early if fn returns false. A visited set
// guards against a corrupted ring forming a cycle that never returns to
// -1, per the data-model note on cycle detection during broadcast_close.
func (t *Table) ShadowRing(head Descriptor, fn func(*Socket) bool) {
	visited := make(map[Descriptor]bool)
	cur := head
	for cur != -1 {
		if visited[cur] {
			return
		}
		visited[cur] = true
		s, ok := t.m.Load(cur)
		if !ok {
			return
		}
		if !fn(s) {
			return
		}
		cur = s.ListenNext
	}
}
