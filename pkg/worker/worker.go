// Package worker implements component C6: the per-core protocol-stack
// worker and its group. Each Worker pins an OS thread to one CPU and
// runs the nine-phase poll loop of spec.md §4.1 in normative order;
// Group owns socket placement (§4.3), and InitBarrier is the
// semaphore-staged init barrier (§4.11). Grounded on
// gazelle_stack_thread, low_power_idling, get_bind_protocol_stack, and
// init_protocol_stack in the original's lstack_protocol_stack.c.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/gazelle-net/lstack/pkg/config"
	"github.com/gazelle-net/lstack/pkg/device"
	"github.com/gazelle-net/lstack/pkg/dispatch"
	"github.com/gazelle-net/lstack/pkg/flowrule"
	"github.com/gazelle-net/lstack/pkg/logger"
	"github.com/gazelle-net/lstack/pkg/pktpool"
	"github.com/gazelle-net/lstack/pkg/rpc"
	"github.com/gazelle-net/lstack/pkg/tcpstack"
)

// Role mirrors the Worker's split send/recv role from spec.md §3.
type Role int

const (
	RoleUnified Role = iota
	RoleSendOnly
	RoleRecvOnly
)

// Hooks are the cross-worker behaviors a poll loop iteration invokes that
// this package cannot itself implement without importing pkg/listen and
// pkg/dispatch's runtime wiring back in — each is optional and a nil hook
// is simply skipped, so a Worker is independently testable.
type Hooks struct {
	// BroadcastARP is called once per received ARP buffer (phase 2). The
	// hook does not take ownership of buf — the poll loop releases it
	// once the hook returns, so implementations that need to keep a copy
	// (e.g. re-injecting it into peer workers) must allocate their own via
	// their target pool's CopyFrom.
	BroadcastARP func(buf *pktpool.Buffer)
	// SameNodeDrain services the loopback-acceleration receive list
	// (phase 3), invoked every 256 iterations.
	SameNodeDrain func()
	// ReceiveFanout delivers up to budget ready buffers into application
	// mailboxes (phase 4).
	ReceiveFanout func(budget int)
	// WakeDeliver folds kernel-epoll events into wake-poll linkages
	// (phase 6), invoked every 16 iterations.
	WakeDeliver func()
	// KernelEvent is invoked from the auxiliary kernel-event goroutine
	// (not the poll loop) once per fd reported ready by epoll_wait.
	KernelEvent func(fd int32, events uint32)

	// ForwardPeerWorker hands buf to the worker owning queueID (§4.5's
	// RouteOtherWorker case), an RPC-style same-process handoff. The
	// hook takes ownership of buf and must release it once done.
	ForwardPeerWorker func(queueID int, buf *pktpool.Buffer)
	// SendPeerProcess serializes buf and hands it to the bridge for
	// delivery to processIdx/queueID (§4.5's RouteOtherProcess case,
	// §4.7's multi-process handoff). The hook takes ownership of buf
	// and must release it once done.
	SendPeerProcess func(processIdx, queueID int, buf *pktpool.Buffer)
	// SendKernel diverts buf to the kernel tap when no KNI device is
	// configured (§4.5's RouteKernel case falls here only when KNI is
	// nil; otherwise device.KNI.SendToKernel is used directly). The
	// hook takes ownership of buf and must release it once done.
	SendKernel func(buf *pktpool.Buffer)
}

// Worker is one core's protocol stack.
type Worker struct {
	Index     int
	CPUID     int
	NUMANode  int
	QueueID   int
	Role      Role
	IsPrimary bool

	Pool       *pktpool.Pool
	TCP        tcpstack.Instance
	Dev        device.Ops
	KNI        device.KNI
	Bus        *rpc.Bus
	Dispatcher *dispatch.Dispatcher // non-nil only on the queue_id==0 worker
	Rules      *flowrule.Table      // consulted by routePacket for flow_installed
	Cfg        *config.Params
	Log        logger.Logger

	connNum atomic.Uint32

	txStaging []*pktpool.Buffer
	iteration uint64

	lowPower     atomic.Bool
	lastTS       time.Time
	pktsInWindow uint64

	Hooks Hooks

	epfd int
}

// New constructs a Worker. Callers populate Pool/TCP/Dev/Bus/Cfg before
// calling Run.
func New(index, cpuID, numaNode, queueID int, role Role, cfg *config.Params, log logger.Logger) *Worker {
	if log == nil {
		log = logger.Root()
	}
	return &Worker{
		Index:    index,
		CPUID:    cpuID,
		NUMANode: numaNode,
		QueueID:  queueID,
		Role:     role,
		Cfg:      cfg,
		Log:      log.Named("worker").With("index", index, "queue_id", queueID),
		lastTS:   time.Now(),
	}
}

// ConnNum returns the worker's current owned-flow count.
func (w *Worker) ConnNum() uint32 { return w.connNum.Load() }

// IncConnNum atomically increments the owned-flow count, called when a
// socket is placed on this worker.
func (w *Worker) IncConnNum() { w.connNum.Add(1) }

// DecConnNum atomically decrements the owned-flow count, called on close.
func (w *Worker) DecConnNum() { w.connNum.Add(^uint32(0)) }

// pinCurrentThread locks the calling goroutine to its OS thread and sets
// its CPU affinity, mirroring pthread_setaffinity_np in the original.
func pinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}

// Run pins the calling goroutine to the worker's CPU and executes the
// poll loop until ctx is done. Intended to be called as the body of a
// dedicated goroutine, one per worker, never shared.
func (w *Worker) Run(ctx context.Context) error {
	if err := pinCurrentThread(w.CPUID); err != nil {
		w.Log.Error("cpu affinity failed", "cpu", w.CPUID, "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.runOnce()
	}
}

// numaCPUSet returns the CPU set for numaNode by reading its sysfs
// cpulist, falling back to every online CPU (via gopsutil, which the
// node-local lookup has no portable equivalent for) when the node's
// sysfs entry cannot be read — e.g. in non-NUMA or containerized
// environments.
func numaCPUSet(numaNode int) (unix.CPUSet, error) {
	var set unix.CPUSet
	set.Zero()

	list, err := readCPUList(fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", numaNode))
	if err != nil {
		infos, cerr := cpu.Info()
		if cerr != nil || len(infos) == 0 {
			return set, fmt.Errorf("numa cpu set: %w", err)
		}
		for i := range infos {
			set.Set(i)
		}
		return set, nil
	}
	for _, id := range list {
		set.Set(id)
	}
	return set, nil
}

// readCPUList parses a sysfs cpulist file ("0-3,8,10-11") into CPU ids.
func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, field := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if field == "" {
			continue
		}
		var lo, hi int
		if n, _ := fmt.Sscanf(field, "%d-%d", &lo, &hi); n == 2 {
			for i := lo; i <= hi; i++ {
				ids = append(ids, i)
			}
			continue
		}
		if _, err := fmt.Sscanf(field, "%d", &lo); err == nil {
			ids = append(ids, lo)
		}
	}
	return ids, nil
}

// RunKernelEventLoop is the auxiliary per-worker thread of spec.md §4.10:
// a dedicated epoll instance, pinned to every CPU on the worker's NUMA
// node (not a single core, per the original's coarser NUMA-local
// affinity), delivering kernel-socket readiness directly via EpollWait
// rather than the Go runtime netpoller. It posts to barrier once, when
// armed (or when epoll_create1 fails): the helper's one share of the
// stack_num*2 init-barrier accounting.
func (w *Worker) RunKernelEventLoop(ctx context.Context, barrier *InitBarrier) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if set, err := numaCPUSet(w.NUMANode); err != nil {
		w.Log.Error("numa cpu set lookup failed", "numa_node", w.NUMANode, "err", err)
	} else if err := unix.SchedSetaffinity(0, &set); err != nil {
		w.Log.Error("numa affinity failed", "numa_node", w.NUMANode, "err", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		if barrier != nil {
			barrier.Post()
		}
		return fmt.Errorf("epoll_create1: %w", err)
	}
	w.epfd = epfd
	defer unix.Close(epfd)

	if barrier != nil {
		barrier.Post()
	}

	events := make([]unix.EpollEvent, 32)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.EpollWait(epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			if w.Hooks.KernelEvent != nil {
				w.Hooks.KernelEvent(events[i].Fd, events[i].Events)
			}
		}
	}
}

// RegisterKernelFD adds fd to the worker's kernel-event epoll instance.
// RunKernelEventLoop must already be running (w.epfd populated).
func (w *Worker) RegisterKernelFD(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// runOnce executes the nine poll-loop phases in the normative order of
// spec.md §4.1. Between phases the worker never yields.
func (w *Worker) runOnce() {
	w.iteration++

	// 1. RPC drain.
	w.Bus.Drain(int(w.Cfg.RPCNumber))

	// 2. NIC RX.
	bufs, err := w.Dev.RxPoll(w.Pool, int(w.Cfg.NICReadNumber))
	if err != nil {
		w.Log.Error("rx_poll failed", "err", err)
	}
	rxCount := uint64(len(bufs))
	for _, buf := range bufs {
		if isARP(buf) {
			if w.Hooks.BroadcastARP != nil {
				w.Hooks.BroadcastARP(buf)
			}
			buf.Release()
			continue
		}
		if w.Dispatcher != nil {
			w.routePacket(buf)
			continue
		}
		if err := w.TCP.Input(buf); err != nil {
			w.Log.Error("tcp input failed", "err", err)
		}
	}

	// 3. Optional same-node shortcut, every 256 iterations.
	if w.iteration%256 == 0 && w.Hooks.SameNodeDrain != nil {
		w.Hooks.SameNodeDrain()
	}

	// 4. Socket receive fan-out.
	if w.Hooks.ReceiveFanout != nil {
		w.Hooks.ReceiveFanout(int(w.Cfg.ReadConnectNumber))
	}

	// 5. TX flush.
	w.flushTX()
	out, err := w.TCP.Output(w.Pool, int(w.Cfg.NICReadNumber))
	if err != nil {
		w.Log.Error("tcp output failed", "err", err)
	}
	w.txStaging = append(w.txStaging, out...)
	w.flushTX()

	// 6. Wake delivery, every 16 iterations.
	if w.iteration%16 == 0 && w.Hooks.WakeDeliver != nil {
		w.Hooks.WakeDeliver()
	}

	// 7. Control-plane tap, every 4096 iterations, queue_id==0 only.
	if w.iteration%4096 == 0 && w.QueueID == 0 && w.Cfg.KniSwitch && w.KNI != nil {
		if err := w.KNI.HandleControlRequests(); err != nil {
			w.Log.Error("kni control request failed", "err", err)
		}
		kbufs, err := w.KNI.RecvBurst(int(w.Cfg.NICReadNumber))
		if err != nil {
			w.Log.Error("kni recv burst failed", "err", err)
		}
		w.txStaging = append(w.txStaging, kbufs...)
	}

	// 8. Timers.
	w.TCP.Tick()

	// 9. Idle governor.
	if w.Cfg.LowPowerMode {
		w.idle(rxCount + uint64(len(w.txStaging)))
	}
}

// flushTX drives tx_xmit on the staged burst, retaining the unsent tail
// by left-shifting — the original's bounded tx staging buffer behavior.
func (w *Worker) flushTX() {
	if len(w.txStaging) == 0 {
		return
	}
	n, err := w.Dev.TxXmit(w.txStaging)
	if err != nil {
		w.Log.Error("tx_xmit failed", "err", err)
		return
	}
	w.txStaging = w.txStaging[n:]
}

// isARP is a placeholder ARP-detection hook; a real Ethernet parse would
// inspect the EtherType field. Left narrow since ARP handling itself is
// the dispatcher/device's concern, not this package's.
func isARP(buf *pktpool.Buffer) bool {
	return buf.Len >= 14 && buf.Data[12] == 0x08 && buf.Data[13] == 0x06
}

// routePacket invokes the dispatcher (spec.md §4.1 phase 2 / §4.5) and
// acts on its decision: local delivery into this worker's TCP/IP
// instance, hand-off to a peer worker or peer process, or a kernel-tap
// divert. A route whose hook is not wired simply drops the buffer
// (releasing it) rather than silently defaulting to local delivery,
// since acting on an unwired route incorrectly would be worse than a
// visible drop.
func (w *Worker) routePacket(buf *pktpool.Buffer) {
	h := dispatch.Parse(buf.Data[:buf.Len])

	var flowInstalled bool
	if w.Rules != nil {
		_, flowInstalled = w.Rules.Lookup(flowrule.Tuple{
			SrcIP: h.SrcIP, DstIP: h.DstIP, SrcPort: h.SrcPort, DstPort: h.DstPort,
		})
	}

	decision, err := w.Dispatcher.Route(h, flowInstalled)
	if err != nil {
		w.Log.Error("dispatch route failed", "err", err)
		buf.Release()
		return
	}

	switch decision.Route {
	case dispatch.RouteLocal:
		if err := w.TCP.Input(buf); err != nil {
			w.Log.Error("tcp input failed", "err", err)
		}
	case dispatch.RouteKernel:
		switch {
		case w.KNI != nil:
			if err := w.KNI.SendToKernel(buf); err != nil {
				w.Log.Error("kni send_to_kernel failed", "err", err)
			}
		case w.Hooks.SendKernel != nil:
			w.Hooks.SendKernel(buf)
		default:
			buf.Release()
		}
	case dispatch.RouteOtherWorker:
		if w.Hooks.ForwardPeerWorker != nil {
			w.Hooks.ForwardPeerWorker(decision.QueueID, buf)
		} else {
			w.Log.Warn("no forward_peer_worker hook wired, dropping", "queue_id", decision.QueueID)
			buf.Release()
		}
	case dispatch.RouteOtherProcess:
		if w.Hooks.SendPeerProcess != nil {
			w.Hooks.SendPeerProcess(decision.ProcessIdx, decision.QueueID, buf)
		} else {
			w.Log.Warn("no send_peer_process hook wired, dropping", "process_idx", decision.ProcessIdx)
			buf.Release()
		}
	default:
		buf.Release()
	}
}

// idle implements the low-power heuristic of spec.md §4.9: below
// LPMRxPkts traffic, sleep 1ns and flag low power every iteration; at
// the detect window boundary (time or packet count), recompute the flag
// from the window's packet count. Holds no lock, per the invariant.
func (w *Worker) idle(pktsThisIteration uint64) {
	if pktsThisIteration < w.Cfg.LPMRxPkts {
		w.lowPower.Store(true)
		time.Sleep(time.Nanosecond)
		return
	}

	w.pktsInWindow += pktsThisIteration
	now := time.Now()
	if now.Sub(w.lastTS) > w.Cfg.LPMDetectMS || w.pktsInWindow >= w.Cfg.LPMPktsInDetect {
		w.lowPower.Store(w.pktsInWindow < w.Cfg.LPMPktsInDetect)
		w.pktsInWindow = 0
		w.lastTS = now
	}

	if w.lowPower.Load() {
		time.Sleep(time.Nanosecond)
	}
}

// LowPower reports the worker's current idle-governor state.
func (w *Worker) LowPower() bool { return w.lowPower.Load() }

// Group owns a fixed set of Workers for one process and implements
// socket placement (§4.3); the init barrier of §4.11 is InitBarrier.
type Group struct {
	Workers   []*Worker
	IsPrimary bool
	InitFail  atomic.Bool

	placeMu     sync.Mutex
	roundRobin  atomic.Uint32
	tupleFilter bool
	shadow      bool
	separate    bool
}

// NewGroup constructs a Group over workers with the placement policy
// toggles from config.
func NewGroup(workers []*Worker, cfg *config.Params) *Group {
	return &Group{
		Workers:     workers,
		tupleFilter: cfg.TupleFilter,
		shadow:      cfg.ListenShadow,
		separate:    cfg.SeparateSendRecv,
	}
}

// BindProtocolStack selects the owning worker for a new socket, per
// spec.md §4.3: round-robin when neither tuple filtering nor listen
// shadowing is enabled (lock-free atomic counter), otherwise the
// smallest-conn_num worker under a mutex, restricted to send/recv role
// when roles are split. The chosen worker's conn_num is incremented.
func (g *Group) BindProtocolStack(preferRecv bool) *Worker {
	if !g.tupleFilter && !g.shadow {
		n := g.roundRobin.Add(1) - 1
		w := g.Workers[int(n)%len(g.Workers)]
		w.IncConnNum()
		return w
	}

	g.placeMu.Lock()
	defer g.placeMu.Unlock()

	var chosen *Worker
	for _, w := range g.Workers {
		if g.separate {
			if preferRecv && w.Role != RoleRecvOnly {
				continue
			}
			if !preferRecv && w.Role != RoleSendOnly {
				continue
			}
		}
		if chosen == nil || w.ConnNum() < chosen.ConnNum() {
			chosen = w
		}
	}
	if chosen == nil {
		chosen = g.Workers[0]
	}
	chosen.IncConnNum()
	return chosen
}

// InitBarrier implements the phase-4 barrier of §4.11: the main thread
// waits for stack_num*2 posts (one per worker, one per its kernel-event
// helper) on a weighted semaphore, mirroring sem_init/sem_post/
// wait_sem_value's all_init semaphore.
type InitBarrier struct {
	sem *semaphore.Weighted
	n   int64
}

// NewInitBarrier constructs a barrier expecting exactly stackNum*2 posts.
func NewInitBarrier(stackNum int) *InitBarrier {
	n := int64(stackNum * 2)
	sem := semaphore.NewWeighted(n)
	// Acquire every unit up front so the main thread's Wait call blocks
	// until workers release them one at a time via Post.
	_ = sem.Acquire(context.Background(), n)
	return &InitBarrier{sem: sem, n: n}
}

// Post signals one phase-1 completion (a worker or its helper finishing
// init).
func (b *InitBarrier) Post() {
	b.sem.Release(1)
}

// Wait blocks until all stackNum*2 posts have occurred or ctx is done.
func (b *InitBarrier) Wait(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, b.n); err != nil {
		return err
	}
	b.sem.Release(b.n)
	return nil
}
