// Package tcpstack defines the out-of-scope "TCP/IP library" collaborator
// spec.md assumes is linked into each worker, plus a minimal in-process
// reference implementation used by tests and the demo binary. A worker
// never implements TCP/IP itself — it owns one Instance and drives it
// through this interface from its poll loop.
package tcpstack

import (
	"bytes"
	"sync"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/pktpool"
)

// Handle identifies one TCP/IP-library-native connection or listen socket,
// opaque to every caller outside this package.
type Handle int64

// State is the connection's coarse lifecycle state, surfaced to
// pkg/socktable for diagnostics.
type State int

const (
	StateClosed State = iota
	StateListen
	StateEstablished
)

// Instance is one worker's single-threaded TCP/IP engine. All methods
// are called only from the owning worker's poll-loop goroutine — the
// library itself assumes no concurrent callers, matching spec.md's "a
// single-threaded TCP/IP library linked into each worker".
type Instance interface {
	// NewConn allocates a connection handle in StateClosed.
	NewConn() Handle
	// Bind associates addr with handle.
	Bind(h Handle, addr string) error
	// Listen transitions handle to StateListen with the given backlog.
	Listen(h Handle, backlog int) error
	// Accept pops one pending inbound connection from a listening
	// handle's backlog, or ok=false if none is pending (EAGAIN).
	Accept(h Handle) (Handle, bool)
	// Connect initiates an outbound connection (synchronously completed
	// in the reference implementation; a real library would drive this
	// across several poll iterations).
	Connect(h Handle, addr string) error
	// Close tears down handle.
	Close(h Handle) error
	// State reports handle's current lifecycle state.
	State(h Handle) State
	// LocalAddr/PeerAddr report the bound/connected addresses.
	LocalAddr(h Handle) string
	PeerAddr(h Handle) string

	// Input feeds one received packet buffer into the library for
	// protocol processing; the library releases buf once consumed.
	Input(buf *pktpool.Buffer) error
	// Output pulls up to budget pending outbound packet buffers,
	// allocated from pool, ready for tx_xmit.
	Output(pool *pktpool.Pool, budget int) ([]*pktpool.Buffer, error)

	// Send enqueues application bytes for handle's connection.
	Send(h Handle, b []byte) (int, error)
	// Recv drains up to len(b) bytes received for handle's connection.
	Recv(h Handle, b []byte) (int, error)

	// Tick runs one timer-wheel step (retransmit/keepalive/TIME_WAIT),
	// the library-native analogue of the original's sys_timer_run.
	Tick()
}

// conn is the reference implementation's per-handle bookkeeping: a pair
// of byte buffers standing in for send/receive ring buffers. This
// reference library never touches the wire: Send appends to tx and Recv
// reads from rx, and nothing moves bytes from one connection's tx to its
// peer's rx (Input/Output are no-ops).
type conn struct {
	state   State
	local   string
	peer    string
	backlog []Handle
	rx      bytes.Buffer
	tx      bytes.Buffer
}

// Reference is a minimal, loopback-only Instance: connections bound to
// the same address rendezvous directly in memory rather than through
// any real protocol state machine. It exists so pkg/worker and pkg/rpc
// handlers can be exercised end-to-end in tests without a real NIC.
type Reference struct {
	mu      sync.Mutex
	next    int64
	conns   map[Handle]*conn
	waiting map[string][]Handle // addr -> listening handles awaiting accept
}

// NewReference constructs an empty reference TCP/IP instance.
func NewReference() *Reference {
	return &Reference{
		conns:   make(map[Handle]*conn),
		waiting: make(map[string][]Handle),
	}
}

func (r *Reference) NewConn() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := Handle(r.next)
	r.conns[h] = &conn{state: StateClosed}
	return h
}

func (r *Reference) get(h Handle) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[h]
	if !ok {
		return nil, errs.New(errs.ProtocolError, "tcpstack: unknown handle")
	}
	return c, nil
}

func (r *Reference) Bind(h Handle, addr string) error {
	c, err := r.get(h)
	if err != nil {
		return err
	}
	c.local = addr
	return nil
}

func (r *Reference) Listen(h Handle, _ int) error {
	c, err := r.get(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	c.state = StateListen
	r.mu.Unlock()
	return nil
}

func (r *Reference) Accept(h Handle) (Handle, bool) {
	c, err := r.get(h)
	if err != nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(c.backlog) == 0 {
		return 0, false
	}
	accepted := c.backlog[0]
	c.backlog = c.backlog[1:]
	return accepted, true
}

// Connect rendezvous with a listening handle bound to addr in the same
// reference instance, completing synchronously.
func (r *Reference) Connect(h Handle, addr string) error {
	c, err := r.get(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	listeners, ok := r.waiting[addr]
	if !ok || len(listeners) == 0 {
		r.mu.Unlock()
		return errs.New(errs.ProtocolError, "tcpstack: connection refused")
	}
	listener := listeners[0]
	lc := r.conns[listener]
	lc.backlog = append(lc.backlog, h)
	c.state = StateEstablished
	c.peer = addr
	r.mu.Unlock()
	return nil
}

func (r *Reference) Close(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[h]
	if !ok {
		return errs.New(errs.ProtocolError, "tcpstack: unknown handle")
	}
	if c.state == StateListen {
		delete(r.waiting, c.local)
	}
	c.state = StateClosed
	delete(r.conns, h)
	return nil
}

func (r *Reference) State(h Handle) State {
	c, err := r.get(h)
	if err != nil {
		return StateClosed
	}
	return c.state
}

func (r *Reference) LocalAddr(h Handle) string {
	c, err := r.get(h)
	if err != nil {
		return ""
	}
	return c.local
}

func (r *Reference) PeerAddr(h Handle) string {
	c, err := r.get(h)
	if err != nil {
		return ""
	}
	return c.peer
}

// RegisterListener publishes h's bound address as acceptable for Connect
// calls from elsewhere in the process — the reference library's
// stand-in for a real listen backlog becoming externally reachable.
func (r *Reference) RegisterListener(h Handle) error {
	c, err := r.get(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.waiting[c.local] = append(r.waiting[c.local], h)
	r.mu.Unlock()
	return nil
}

// Input/Output are no-ops in the reference implementation: there is no
// wire format to parse because Connect/Accept rendezvous directly. Real
// device-backed instances (out of scope here) would parse Ethernet/IPv4/
// TCP headers from buf and feed the resulting segment into the
// connection's state machine.
func (r *Reference) Input(buf *pktpool.Buffer) error {
	buf.Release()
	return nil
}

func (r *Reference) Output(_ *pktpool.Pool, _ int) ([]*pktpool.Buffer, error) {
	return nil, nil
}

func (r *Reference) Send(h Handle, b []byte) (int, error) {
	c, err := r.get(h)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.tx.Write(b)
}

func (r *Reference) Recv(h Handle, b []byte) (int, error) {
	c, err := r.get(h)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.rx.Read(b)
}

func (r *Reference) Tick() {
	// No retransmit/keepalive timers in the reference implementation.
}
