// Package listen implements component C8: the listen/accept
// load-balancing coordinator. A listen descriptor's shadows form a ring
// (one per worker) via pkg/socktable's ListenNext linkage; this package
// drives the broadcast create/accept/close operations across that ring
// through each worker's pkg/rpc.Bus. Grounded on stack_broadcast_listen,
// get_min_accept_sock/stack_broadcast_accept4, and stack_broadcast_close
// in lstack_protocol_stack.c.
package listen

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/rpc"
	"github.com/gazelle-net/lstack/pkg/socktable"
)

// WorkerHandle is what the coordinator needs from each worker: its
// index, current connection count (for min-conn selection), send/recv
// role, and its RPC bus to dispatch shadow_fd/listen/accept/close calls
// through.
type WorkerHandle struct {
	Index      int
	ConnNum    func() uint32
	IsSendOnly bool
	Bus        *rpc.Bus
}

// ShadowFDArgs is rpc.KindShadowFD's argument payload: clone listenFD's
// bound address into a new local socket on the target worker.
type ShadowFDArgs struct {
	OriginFD socktable.Descriptor
	Addr     string
}

// ListenArgs is rpc.KindListen's argument payload.
type ListenArgs struct {
	FD      socktable.Descriptor
	Backlog int
}

// AcceptArgs is rpc.KindAccept's argument payload.
type AcceptArgs struct {
	FD socktable.Descriptor
}

// CloseArgs is rpc.KindClose's argument payload.
type CloseArgs struct {
	FD socktable.Descriptor
}

// Coordinator drives broadcast listen/accept/close across a fixed set of
// workers sharing one socktable.Table.
type Coordinator struct {
	workers []WorkerHandle
	table   *socktable.Table
	sep     bool // seperate_send_recv: skip send-only workers on listen
}

// New constructs a Coordinator over workers sharing table. separateSendRecv
// mirrors the original's config toggle that excludes send-only workers
// from the listen broadcast.
func New(workers []WorkerHandle, table *socktable.Table, separateSendRecv bool) *Coordinator {
	return &Coordinator{workers: workers, table: table, sep: separateSendRecv}
}

// minConnIndex returns the index of the least-loaded worker eligible for
// shadow installation. It must skip send-only workers under sep exactly
// like the BroadcastListen loop below, or the global minimum could name
// a worker that never receives a shadow, leaving no shadow flagged
// is_master_fd.
func (c *Coordinator) minConnIndex() int {
	min := -1
	minConn := uint32(0)
	for _, w := range c.workers {
		if c.sep && w.IsSendOnly {
			continue
		}
		n := w.ConnNum()
		if min == -1 || n < minConn {
			min = w.Index
			minConn = n
		}
	}
	return min
}

// BroadcastListen installs a shadow of origin on every eligible worker,
// links them into a listen_next ring, marks the least-loaded shadow
// is_master_fd, and issues listen(backlog) to each. On any failure it
// broadcasts a close across whatever shadows were already created and
// returns the error, matching the original's stack_broadcast_close(fd)
// cleanup-on-failure calls.
func (c *Coordinator) BroadcastListen(ctx context.Context, origin *socktable.Socket, addr string, backlog int) error {
	minIdx := c.minConnIndex()
	var ring []*socktable.Socket

	for _, w := range c.workers {
		if c.sep && w.IsSendOnly {
			continue
		}

		var shadow *socktable.Socket
		if w.Index == origin.OwnerWorker {
			shadow = origin
		} else {
			res, err := w.Bus.Call(ctx, rpc.KindShadowFD, ShadowFDArgs{OriginFD: origin.FD, Addr: addr})
			if err != nil {
				c.closeRing(ctx, ring)
				return errs.Wrap(errs.ProtocolError, "listen: shadow_fd failed", err)
			}
			shadow = res.(*socktable.Socket)
			c.table.Insert(shadow)
		}

		shadow.IsListenShadow = true
		shadow.IsMasterFd = w.Index == minIdx
		ring = append(ring, shadow)

		if _, err := w.Bus.Call(ctx, rpc.KindListen, ListenArgs{FD: shadow.FD, Backlog: backlog}); err != nil {
			c.closeRing(ctx, ring)
			return errs.Wrap(errs.ProtocolError, "listen: listen failed", err)
		}
	}

	// Rotate the ring so origin is always first: BroadcastClose and
	// BroadcastAccept both start their walk at the original descriptor,
	// so every shadow must be reachable from that starting point
	// regardless of where origin's worker fell in iteration order.
	for i, s := range ring {
		if s == origin && i != 0 {
			ring = append(ring[i:], ring[:i]...)
			break
		}
	}

	for i, s := range ring {
		if i+1 < len(ring) {
			s.ListenNext = ring[i+1].FD
		} else {
			s.ListenNext = -1
		}
	}
	return nil
}

// closeRing closes every shadow already created in ring, for use when
// BroadcastListen fails partway through: the ring's listen_next links
// are not assigned until the whole call succeeds, so BroadcastClose's
// fd-walk cannot yet reach shadows created earlier in this same call —
// closing the still-local ring slice directly avoids leaking them.
func (c *Coordinator) closeRing(ctx context.Context, ring []*socktable.Socket) {
	for _, s := range ring {
		for _, w := range c.workers {
			if w.Index == s.OwnerWorker {
				_, _ = w.Bus.Call(ctx, rpc.KindClose, CloseArgs{FD: s.FD})
				break
			}
		}
	}
}

// acceptablePredicate reports whether s currently has a pending inbound
// connection ready to accept — NETCONN_IS_ACCEPTIN in the original. This
// package takes it as a caller-supplied function since "ready to accept"
// is a TCP/IP-library-native fact this package has no visibility into.
type AcceptReady func(*socktable.Socket) bool

// BroadcastAccept walks origin's shadow ring, picks the ready shadow with
// the smallest ConnNum among its owning worker, and RPCs accept to it.
// Returns ok=false (the EAGAIN case) if no shadow is ready.
func (c *Coordinator) BroadcastAccept(ctx context.Context, origin *socktable.Socket, ready AcceptReady, clearEpollIn func(*socktable.Socket, bool)) (any, bool, error) {
	connNum := func(workerIdx int) uint32 {
		for _, w := range c.workers {
			if w.Index == workerIdx {
				return w.ConnNum()
			}
		}
		return ^uint32(0)
	}

	var chosen *socktable.Socket
	var chosenConn uint32
	c.table.ShadowRing(origin.FD, func(s *socktable.Socket) bool {
		if !ready(s) {
			return true
		}
		n := connNum(s.OwnerWorker)
		if chosen == nil || n < chosenConn {
			chosen = s
			chosenConn = n
		}
		return true
	})
	// get_min_accept_sock's walk starts at fd itself, not just its
	// ListenNext chain, so origin is considered alongside its shadows.
	if ready(origin) {
		n := connNum(origin.OwnerWorker)
		if chosen == nil || n < chosenConn {
			chosen = origin
			chosenConn = n
		}
	}

	if chosen == nil {
		return nil, false, nil
	}

	var bus *rpc.Bus
	for _, w := range c.workers {
		if w.Index == chosen.OwnerWorker {
			bus = w.Bus
		}
	}
	if bus == nil {
		return nil, false, errs.New(errs.ProtocolError, "listen: no bus for chosen shadow's worker")
	}

	res, err := bus.Call(ctx, rpc.KindAccept, AcceptArgs{FD: chosen.FD})
	if err != nil {
		return nil, false, err
	}

	if clearEpollIn != nil {
		clearEpollIn(chosen, !ready(chosen))
	}
	return res, true, nil
}

// BroadcastClose walks fd's shadow ring and RPCs close to every worker,
// aggregating per-worker failures with go-multierror instead of
// collapsing to a single bool — an enrichment over the original's plain
// int ret accumulator, while still preserving the boolean
// success/failure contract via (err != nil).
func (c *Coordinator) BroadcastClose(ctx context.Context, fd socktable.Descriptor) error {
	var result *multierror.Error

	// ShadowRing's traversal starts at fd itself, so this one walk closes
	// the origin and every shadow linked after it.
	c.table.ShadowRing(fd, func(s *socktable.Socket) bool {
		var bus *rpc.Bus
		for _, w := range c.workers {
			if w.Index == s.OwnerWorker {
				bus = w.Bus
			}
		}
		if bus == nil {
			result = multierror.Append(result, errs.New(errs.ProtocolError, "listen: no bus for worker"))
			return true
		}
		if _, err := bus.Call(ctx, rpc.KindClose, CloseArgs{FD: s.FD}); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})

	return result.ErrorOrNil()
}
