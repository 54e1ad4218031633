package worker

import (
	"encoding/binary"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gazelle-net/lstack/pkg/config"
	"github.com/gazelle-net/lstack/pkg/device"
	"github.com/gazelle-net/lstack/pkg/dispatch"
	"github.com/gazelle-net/lstack/pkg/flowrule"
	"github.com/gazelle-net/lstack/pkg/pktpool"
	"github.com/gazelle-net/lstack/pkg/rpc"
	"github.com/gazelle-net/lstack/pkg/tcpstack"
)

// Ginkgo specs registered here run under the TestWorker suite bootstrap
// in worker_suite_test.go (package worker_test) — both test files share
// one binary and one global spec registry.

func newTestWorker() *Worker {
	cfg := &config.Params{
		RPCNumber:         8,
		NICReadNumber:     8,
		ReadConnectNumber: 8,
		LPMRxPkts:         1,
		LPMDetectMS:       50 * time.Millisecond,
		LPMPktsInDetect:   4,
	}
	w := New(0, 0, 0, 0, RoleUnified, cfg, nil)
	w.Pool = pktpool.New(0, 128, 4)
	w.TCP = tcpstack.NewReference()
	w.Dev = device.NewLoopback(flowrule.New(nil), 8)
	w.Bus = rpc.New(8)
	return w
}

var _ = Describe("Worker.runOnce", func() {
	It("drains the RPC bus before touching the NIC", func() {
		w := newTestWorker()
		called := false
		w.Bus.Register(rpc.KindBind, func(m *rpc.Message) { called = true })
		Expect(w.Bus.CallAsync(rpc.KindBind, nil)).To(Succeed())

		w.runOnce()
		Expect(called).To(BeTrue())
	})

	It("feeds a non-ARP buffer into the TCP/IP instance", func() {
		w := newTestWorker()
		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		buf.Len = 20
		dev.Inject(buf)

		w.runOnce()
		// Input releases the buffer back to its pool; a fresh alloc
		// burst of the pool's warm size should still succeed.
		got := w.Pool.AllocBurst(4)
		Expect(len(got)).To(BeNumerically(">", 0))
	})

	It("calls the ARP hook instead of TCP input for ARP frames", func() {
		w := newTestWorker()
		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		buf.Data[12], buf.Data[13] = 0x08, 0x06
		buf.Len = 14
		dev.Inject(buf)

		arpSeen := false
		w.Hooks.BroadcastARP = func(*pktpool.Buffer) { arpSeen = true }

		w.runOnce()
		Expect(arpSeen).To(BeTrue())
	})

	It("invokes optional hooks only on their configured cadence", func() {
		w := newTestWorker()
		sameNodeCalls := 0
		wakeCalls := 0
		w.Hooks.SameNodeDrain = func() { sameNodeCalls++ }
		w.Hooks.WakeDeliver = func() { wakeCalls++ }

		for i := 0; i < 16; i++ {
			w.runOnce()
		}
		Expect(sameNodeCalls).To(Equal(0)) // cadence is 256
		Expect(wakeCalls).To(Equal(1))     // cadence is 16
	})
})

type fakePorts map[uint16]int

func (f fakePorts) OwnerProcess(port uint16) int {
	if idx, ok := f[port]; ok {
		return idx
	}
	return dispatch.InvalidProcessIdx
}

func buildTCPFrame(srcIP, dstIP uint32, srcPort, dstPort uint16, syn bool) []byte {
	frame := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45
	ip[9] = 6
	binary.BigEndian.PutUint32(ip[12:16], srcIP)
	binary.BigEndian.PutUint32(ip[16:20], dstIP)
	tcp := frame[34:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	if syn {
		tcp[13] = 0x02
	}
	return frame
}

// findFrame scans src ports until one yields the desired route from a
// Dispatcher built with the same parameters as the worker under test, so
// the integration test below drives a real (non-flaky) case of each
// route instead of guessing at the SYN hash.
func findFrame(route dispatch.Route, ports fakePorts, selfIdx, perProcessQueues int, separate bool) []byte {
	d := dispatch.New(ports, selfIdx, perProcessQueues, separate)
	for port := uint16(1); port < 10000; port++ {
		frame := buildTCPFrame(1, 2, port, 80, true)
		dec, err := d.Route(dispatch.Parse(frame), false)
		if err == nil && dec.Route == route {
			return frame
		}
	}
	Fail("no src port found yielding the requested route")
	return nil
}

var _ = Describe("Worker.routePacket", func() {
	It("delivers a RouteLocal decision into the TCP/IP instance", func() {
		w := newTestWorker()
		w.Dispatcher = dispatch.New(fakePorts{80: 0}, 0, 1, false)
		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		frame := buildTCPFrame(1, 2, 1000, 80, true)
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		got := w.Pool.AllocBurst(4)
		Expect(len(got)).To(BeNumerically(">", 0))
	})

	It("diverts an unowned port to the kernel via KNI.SendToKernel", func() {
		w := newTestWorker()
		w.Dispatcher = dispatch.New(fakePorts{}, 0, 1, false)
		kni := &fakeKNI{}
		w.KNI = kni
		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		frame := buildTCPFrame(1, 2, 1000, 80, true)
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		Expect(kni.sent).To(Equal(1))
	})

	It("falls back to the SendKernel hook when no KNI device is configured", func() {
		w := newTestWorker()
		w.Dispatcher = dispatch.New(fakePorts{}, 0, 1, false)
		sentToKernel := 0
		w.Hooks.SendKernel = func(*pktpool.Buffer) { sentToKernel++ }
		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		frame := buildTCPFrame(1, 2, 1000, 80, true)
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		Expect(sentToKernel).To(Equal(1))
	})

	It("forwards RouteOtherWorker decisions through the ForwardPeerWorker hook", func() {
		w := newTestWorker()
		ports := fakePorts{80: 0}
		frame := findFrame(dispatch.RouteOtherWorker, ports, 0, 4, false)
		w.Dispatcher = dispatch.New(ports, 0, 4, false)

		var gotQueue int
		forwarded := 0
		w.Hooks.ForwardPeerWorker = func(queueID int, buf *pktpool.Buffer) {
			gotQueue = queueID
			forwarded++
			buf.Release()
		}

		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		Expect(forwarded).To(Equal(1))
		Expect(gotQueue).NotTo(Equal(0))
	})

	It("hands RouteOtherProcess decisions to the SendPeerProcess hook", func() {
		w := newTestWorker()
		ports := fakePorts{80: 1}
		frame := findFrame(dispatch.RouteOtherProcess, ports, 0, 4, false)
		w.Dispatcher = dispatch.New(ports, 0, 4, false)

		var gotProc int
		sent := 0
		w.Hooks.SendPeerProcess = func(processIdx, queueID int, buf *pktpool.Buffer) {
			gotProc = processIdx
			sent++
			buf.Release()
		}

		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		Expect(sent).To(Equal(1))
		Expect(gotProc).To(Equal(1))
	})

	It("treats a packet with an already-installed flow rule as local, even on SYN", func() {
		w := newTestWorker()
		w.Rules = flowrule.New(nil)
		ports := fakePorts{80: 0}
		// A queue_id-nonzero SYN would normally route away; with a flow
		// rule already installed for the tuple it must stay local.
		frame := findFrame(dispatch.RouteOtherWorker, ports, 0, 4, false)
		w.Dispatcher = dispatch.New(ports, 0, 4, false)
		h := dispatch.Parse(frame)
		Expect(w.Rules.Create(flowrule.Tuple{SrcIP: h.SrcIP, DstIP: h.DstIP, SrcPort: h.SrcPort, DstPort: h.DstPort}, 1, func() (any, error) {
			return nil, nil
		})).To(Succeed())

		w.Hooks.ForwardPeerWorker = func(int, *pktpool.Buffer) {
			Fail("should not forward an already-installed flow")
		}

		dev := w.Dev.(*device.Loopback)
		buf, _ := w.Pool.Alloc()
		copy(buf.Data, frame)
		buf.Len = len(frame)
		dev.Inject(buf)

		w.runOnce()
		got := w.Pool.AllocBurst(4)
		Expect(len(got)).To(BeNumerically(">", 0))
	})
})

type fakeKNI struct{ sent int }

func (f *fakeKNI) HandleControlRequests() error             { return nil }
func (f *fakeKNI) RecvBurst(int) ([]*pktpool.Buffer, error) { return nil, nil }
func (f *fakeKNI) SendToKernel(buf *pktpool.Buffer) error {
	f.sent++
	buf.Release()
	return nil
}

var _ = Describe("Worker.idle", func() {
	It("flags low power once traffic drops below the threshold", func() {
		w := newTestWorker()
		Expect(w.LowPower()).To(BeFalse())
		w.idle(0)
		Expect(w.LowPower()).To(BeTrue())
	})

	It("clears low power once the detect window sees enough packets", func() {
		w := newTestWorker()
		w.lastTS = time.Now().Add(-time.Hour)
		w.idle(100)
		Expect(w.LowPower()).To(BeFalse())
	})
})
