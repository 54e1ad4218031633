// Package device implements component C3: the poll-mode device
// abstraction a worker drives each iteration — rx_poll/tx_xmit plus the
// flow-rule programming hooks and a KNI-style tap for kernel-handled
// traffic, grounded on the dev_ops vtable and kni_* functions of the
// original's lstack_ethdev.c.
package device

import (
	"github.com/gazelle-net/lstack/pkg/flowrule"
	"github.com/gazelle-net/lstack/pkg/pktpool"
)

// Ops is the per-queue poll-mode driver vtable a Worker calls every
// iteration, the Go-native analogue of struct protocol_stack.dev_ops.
type Ops interface {
	// RxPoll fills pool-allocated buffers with up to budget received
	// packets, returning how many were filled. Never blocks.
	RxPoll(pool *pktpool.Pool, budget int) ([]*pktpool.Buffer, error)
	// TxXmit hands buffers to the driver for transmission, returning how
	// many were accepted; the caller releases buffers the driver did not
	// accept and treats accepted ones as transferred.
	TxXmit(bufs []*pktpool.Buffer) (int, error)
	// ConfigureFlowRule installs a hardware steering rule for t pinned to
	// queueID, returning an opaque handle for later DestroyFlowRule calls.
	ConfigureFlowRule(t flowrule.Tuple, queueID int) (any, error)
	// DestroyFlowRule removes a previously installed rule.
	DestroyFlowRule(handle any) error
}

// KNI is the kernel-tap control-plane surface a queue_id==0 worker polls
// every 4096 iterations (phase 7 of the poll loop), the Go-native
// analogue of kni_handle_rx/rte_kni_handle_request.
type KNI interface {
	// HandleControlRequests services any pending kernel configuration
	// requests (link up/down, MTU change) against the tap device.
	HandleControlRequests() error
	// RecvBurst drains up to budget packets arriving from the kernel tap
	// destined for the NIC, for direct retransmission.
	RecvBurst(budget int) ([]*pktpool.Buffer, error)
	// SendToKernel hands a packet destined for non-accelerated processing
	// to the kernel tap (kni_handle_tx's rte_kni_tx_burst path). It takes
	// ownership of buf and releases it once done.
	SendToKernel(buf *pktpool.Buffer) error
}

// Loopback is a reference Ops implementation for tests and the demo
// binary: RxPoll and TxXmit are wired to in-memory channels instead of a
// real NIC, and flow rules are tracked but never actually steer traffic.
type Loopback struct {
	inbound chan *pktpool.Buffer
	rules   *flowrule.Table
	txCount int
}

// NewLoopback constructs a Loopback device backed by a buffered channel
// standing in for the NIC's RX queue.
func NewLoopback(rules *flowrule.Table, rxQueueDepth int) *Loopback {
	return &Loopback{inbound: make(chan *pktpool.Buffer, rxQueueDepth), rules: rules}
}

// Inject feeds buf into the loopback device's simulated RX path, for test
// setup that wants to drive a specific packet through a worker.
func (l *Loopback) Inject(buf *pktpool.Buffer) bool {
	select {
	case l.inbound <- buf:
		return true
	default:
		return false
	}
}

func (l *Loopback) RxPoll(_ *pktpool.Pool, budget int) ([]*pktpool.Buffer, error) {
	out := make([]*pktpool.Buffer, 0, budget)
	for i := 0; i < budget; i++ {
		select {
		case b := <-l.inbound:
			out = append(out, b)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (l *Loopback) TxXmit(bufs []*pktpool.Buffer) (int, error) {
	l.txCount += len(bufs)
	for _, b := range bufs {
		b.Release()
	}
	return len(bufs), nil
}

func (l *Loopback) ConfigureFlowRule(t flowrule.Tuple, queueID int) (any, error) {
	var handle any = struct{}{}
	err := l.rules.Create(t, queueID, func() (any, error) { return handle, nil })
	return handle, err
}

func (l *Loopback) DestroyFlowRule(_ any) error {
	return nil
}

// TxCount reports how many buffers TxXmit has accepted, for tests.
func (l *Loopback) TxCount() int { return l.txCount }
