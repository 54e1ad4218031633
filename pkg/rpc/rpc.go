// Package rpc implements component C5: the cross-worker dispatch bus.
// Every socket-layer operation that must run on a socket's owning worker
// (bind, listen, accept, connect, ...) is packaged as a Message tagged
// with its Kind and delivered through that worker's inbound ring; a synchronous caller
// blocks on a semaphore released by the handler after it writes the
// result, giving a happens-before edge from caller to handler return.
package rpc

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/ring"
)

// Kind enumerates the handlers a worker must provide, matching the
// stack_* RPC handlers of the original implementation one for one.
type Kind int

const (
	KindARP Kind = iota
	KindSocket
	KindClose
	KindBind
	KindListen
	KindAccept
	KindConnect
	KindGetPeerName
	KindGetSockName
	KindGetSockOpt
	KindSetSockOpt
	KindFcntl
	KindIoctl
	KindRecv
	KindShadowFD
	KindCleanEpoll
)

// Message is one RPC entry queued into a worker's inbound ring. Args is a
// handler-specific payload (typed per Kind by convention, asserted by the
// handler); Result and Err are filled in by the handler before Done is
// released. Async messages (Done == nil) are fire-and-forget — used for
// ARP broadcasts, where the caller does not wait for a reply.
type Message struct {
	Kind   Kind
	Args   any
	Result any
	Err    error
	Done   *semaphore.Weighted // nil for async messages
}

// Handler executes one RPC entirely on the worker that owns it, writing
// Result/Err directly onto the message.
type Handler func(*Message)

// Bus is one worker's inbound RPC ring plus its registered handler table.
// Grounded on the original's per-stack rpc ring drained by poll_rpc_msg;
// the semaphore-per-call completion model is grounded on
// nabbar-golib/semaphore (golang.org/x/sync/semaphore.Weighted wrapping).
type Bus struct {
	inbound  *ring.MPSC[*Message]
	handlers [KindCleanEpoll + 1]Handler
}

// New constructs a bus with a bounded inbound ring of the given capacity
// (rounded to a power of two by pkg/ring), matching rpc_number sizing.
func New(capacity int) *Bus {
	return &Bus{inbound: ring.NewMPSC[*Message](capacity)}
}

// Register installs the handler for a given Kind. Must be called before
// the worker starts polling; the bus itself is not safe for concurrent
// Register calls.
func (b *Bus) Register(k Kind, h Handler) {
	b.handlers[k] = h
}

// enqueue pushes msg onto the inbound ring, retrying with bounded
// exponential backoff on a full ring — control-plane RPCs must not be
// silently dropped, per spec.md §4.2.
func enqueue(r *ring.MPSC[*Message], msg *Message) error {
	backoff := time.Microsecond
	const maxBackoff = 10 * time.Millisecond
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if r.Push(msg) {
			return nil
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return errs.New(errs.ResourceRingFull, "rpc: inbound ring full")
}

// Call enqueues a synchronous RPC and blocks until the owning worker's
// poll loop drains it and releases Done, or ctx is done. Returns the
// handler's result and error.
func (b *Bus) Call(ctx context.Context, k Kind, args any) (any, error) {
	msg := &Message{Kind: k, Args: args, Done: semaphore.NewWeighted(1)}
	if err := msg.Done.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := enqueue(b.inbound, msg); err != nil {
		return nil, err
	}
	if err := msg.Done.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return msg.Result, msg.Err
}

// CallAsync enqueues a fire-and-forget RPC (used for ARP broadcast and
// other idempotent, unordered notifications) and returns as soon as it is
// queued, without waiting for the handler to run.
func (b *Bus) CallAsync(k Kind, args any) error {
	return enqueue(b.inbound, &Message{Kind: k, Args: args})
}

// Drain pops up to budget messages from the inbound ring and dispatches
// each to its registered handler, releasing Done for synchronous callers.
// This is the poll loop's phase-1 step (poll_rpc_msg); returns the number
// of messages processed.
func (b *Bus) Drain(budget int) int {
	n := 0
	for ; n < budget; n++ {
		msg, ok := b.inbound.Pop()
		if !ok {
			break
		}
		h := b.handlers[msg.Kind]
		if h == nil {
			msg.Err = errs.New(errs.ProtocolError, "rpc: no handler registered")
		} else {
			h(msg)
		}
		if msg.Done != nil {
			msg.Done.Release(1)
		}
	}
	return n
}

// Pending reports how many messages are currently queued in the inbound
// ring.
func (b *Bus) Pending() int {
	return b.inbound.Count()
}
