// Command lstackd is the engine process: it loads configuration, brings
// up one worker per configured queue (NumQueue), and serves the Prometheus/DFX
// diagnostic endpoints of SPEC_FULL.md §6 alongside the multi-process
// bridge listener of §4.7. Grounded on the overall process shape of the
// teacher's own cobra-driven daemons (config load, logger init, signal-
// driven shutdown) adapted to this engine's worker-group lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gazelle-net/lstack/pkg/bridge"
	"github.com/gazelle-net/lstack/pkg/config"
	"github.com/gazelle-net/lstack/pkg/device"
	"github.com/gazelle-net/lstack/pkg/dispatch"
	"github.com/gazelle-net/lstack/pkg/flowrule"
	"github.com/gazelle-net/lstack/pkg/logger"
	"github.com/gazelle-net/lstack/pkg/metrics"
	"github.com/gazelle-net/lstack/pkg/pktpool"
	"github.com/gazelle-net/lstack/pkg/rpc"
	"github.com/gazelle-net/lstack/pkg/socktable"
	"github.com/gazelle-net/lstack/pkg/tcpstack"
	"github.com/gazelle-net/lstack/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lstackd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML/TOML/JSON config file")
		listenAddr = flag.String("listen", ":9469", "address for the /metrics and /dfx endpoints")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New("info", false).Named("lstackd").With("process_idx", cfg.ProcessIdx)

	stackNum := cfg.NumQueue
	if stackNum <= 0 {
		stackNum = 1
	}

	rules := flowrule.New(log)
	ports := dispatch.NewPortMap()
	sockets := socktable.New()
	reg := metrics.New()
	reg.SetConnTableSource(conntableSource{sockets: sockets, tcp: nil})

	workers := make([]*worker.Worker, 0, stackNum)
	for i := 0; i < stackNum; i++ {
		role := worker.RoleUnified
		if cfg.SeparateSendRecv {
			if i%2 == 0 {
				role = worker.RoleRecvOnly
			} else {
				role = worker.RoleSendOnly
			}
		}
		cpu := i
		if len(cfg.Cpus) > i {
			cpu = cfg.Cpus[i]
		}

		w := worker.New(i, cpu, numaNodeOf(cpu), i, role, cfg, log)
		w.Pool = pktpool.New(w.NUMANode, int(cfg.MbufCountPerConn), int(cfg.TCPConnCount))
		w.TCP = tcpstack.NewReference()
		w.Dev = device.NewLoopback(rules, int(cfg.NICReadNumber))
		w.Bus = rpc.New(int(cfg.RPCNumber))
		w.Rules = rules
		if i == 0 {
			w.Dispatcher = dispatch.New(ports, cfg.ProcessIdx, cfg.PerProcessQueues, cfg.SeparateSendRecv)
		}
		workers = append(workers, w)
	}
	group := worker.NewGroup(workers, cfg)
	group.IsPrimary = cfg.IsPrimary

	wireForwardPeerWorker(workers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var brg *bridge.Server
	var arpToPeerProcesses func(buf *pktpool.Buffer)
	if cfg.BridgeRunDir != "" {
		wireSendPeerProcess(workers, cfg.BridgeRunDir, log)
		if cfg.NumProcesses > 1 {
			arpToPeerProcesses = func(buf *pktpool.Buffer) {
				body := bridge.EncodeARPBuffer(buf.Data[:buf.Len])
				for pid := 0; pid < cfg.NumProcesses; pid++ {
					if pid == cfg.ProcessIdx {
						continue
					}
					if _, err := bridge.Send(cfg.BridgeRunDir, pid, body, false); err != nil {
						log.Info("bridge arp send failed", "process_idx", pid, "err", err)
					}
				}
			}
		}

		brg, err = bridge.Listen(cfg.BridgeRunDir, cfg.ProcessIdx, bridgeHandler(log, workers, rules, ports, stackNum), log)
		if err != nil {
			return fmt.Errorf("bridge listen: %w", err)
		}
		go func() {
			if err := brg.Serve(); err != nil {
				log.Error("bridge serve exited", "err", err)
			}
		}()
		defer brg.Close()
	}

	wireARPBroadcast(workers, cfg.SkipSelfOnBroadcast, arpToPeerProcesses)

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/dfx/conntable", reg.DFXConnTableHandler())
	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("diagnostic http server exited", "err", err)
		}
	}()

	for _, w := range workers {
		go func(w *worker.Worker) {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker exited", "index", w.Index, "err", err)
			}
		}(w)
	}

	go sampleLoop(ctx, workers, reg)

	log.Info("lstackd started", "workers", len(workers), "listen", *listenAddr)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// sampleLoop pushes per-worker conn_num/low-power snapshots into the
// metrics registry every second; Worker itself holds no metrics
// reference, per the Hooks-style decoupling in pkg/worker.
func sampleLoop(ctx context.Context, workers []*worker.Worker, reg *metrics.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := make([]metrics.WorkerSample, len(workers))
			for i, w := range workers {
				samples[i] = metrics.WorkerSample{WorkerIdx: w.Index, ConnNum: w.ConnNum(), LowPower: w.LowPower()}
			}
			reg.Observe(samples)
		}
	}
}

// wireARPBroadcast gives every worker a BroadcastARP hook that re-injects
// the frame into every peer worker's device, the loopback-topology
// analog of stack_broadcast_arp's per-NIC-queue resend. skipSelf governs
// whether a worker also reinjects into its own device, resolving the
// self-broadcast Open Question recorded in DESIGN.md. toPeerProcesses, if
// non-nil, additionally fans the frame out over the bridge (§4.6's "in
// multi-process mode, also forward to every peer process" behavior).
func wireARPBroadcast(workers []*worker.Worker, skipSelf bool, toPeerProcesses func(buf *pktpool.Buffer)) {
	for _, w := range workers {
		w := w
		w.Hooks.BroadcastARP = func(buf *pktpool.Buffer) {
			for _, peer := range workers {
				if peer == w && skipSelf {
					continue
				}
				dup, err := peer.Pool.CopyFrom(buf)
				if err != nil {
					continue
				}
				if lb, ok := peer.Dev.(*device.Loopback); ok {
					lb.Inject(dup)
				}
			}
			if toPeerProcesses != nil {
				toPeerProcesses(buf)
			}
		}
	}
}

// wireForwardPeerWorker gives every worker a ForwardPeerWorker hook that
// copies buf into the peer worker owning queueID's own pool and injects
// it into that worker's device — the same-process RPC-style handoff of
// spec.md §4.5's RouteOtherWorker case. The hook always releases buf,
// per the Hooks contract.
func wireForwardPeerWorker(workers []*worker.Worker) {
	for _, w := range workers {
		w.Hooks.ForwardPeerWorker = func(queueID int, buf *pktpool.Buffer) {
			defer buf.Release()
			for _, peer := range workers {
				if peer.QueueID != queueID {
					continue
				}
				dup, err := peer.Pool.CopyFrom(buf)
				if err != nil {
					return
				}
				if lb, ok := peer.Dev.(*device.Loopback); ok {
					if !lb.Inject(dup) {
						dup.Release()
					}
				} else {
					dup.Release()
				}
				return
			}
		}
	}
}

// wireSendPeerProcess gives every worker a SendPeerProcess hook that
// serializes buf as a TCPHandoff message and delivers it to the target
// process over the bridge — spec.md §4.5's RouteOtherProcess case and
// §4.7's cross-process handoff. Fire-and-forget: the wire table does not
// mark TCP hand-off as reply-expecting.
func wireSendPeerProcess(workers []*worker.Worker, bridgeRunDir string, log logger.Logger) {
	for _, w := range workers {
		w.Hooks.SendPeerProcess = func(processIdx, queueID int, buf *pktpool.Buffer) {
			defer buf.Release()
			body := bridge.EncodeTCPHandoff(queueID, buf.Data[:buf.Len])
			if _, err := bridge.Send(bridgeRunDir, processIdx, body, false); err != nil {
				log.Info("bridge tcp handoff send failed", "process_idx", processIdx, "queue_id", queueID, "err", err)
			}
		}
	}
}

// bridgeHandler processes inbound bridge messages by Kind, per spec.md
// §4.7's table: flow-rule create/listen-port registration reply
// success/error, get_lstack_num replies with this process's queue count,
// and ARP/TCP-handoff messages are re-injected into the appropriate
// local worker(s) with no reply.
func bridgeHandler(log logger.Logger, workers []*worker.Worker, rules *flowrule.Table, ports *dispatch.PortMap, stackNum int) bridge.Handler {
	return func(k bridge.Kind, body []byte) (string, bool) {
		switch k {
		case bridge.KindGetLstackNum:
			return strconv.Itoa(stackNum), true

		case bridge.KindFlowCreate:
			srcIP, dstIP, srcPort, dstPort, queueID, _, err := bridge.DecodeFlowCreate(body)
			if err != nil {
				log.Error("bridge: decode flow_create failed", "err", err)
				return "error", true
			}
			t := flowrule.Tuple{SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort}
			if err := rules.Create(t, queueID, func() (any, error) { return nil, nil }); err != nil {
				return "error", true
			}
			return "success", true

		case bridge.KindFlowDelete:
			dstIP, srcPort, dstPort, err := bridge.DecodeFlowDelete(body)
			if err != nil {
				log.Error("bridge: decode flow_delete failed", "err", err)
				return "", false
			}
			t := flowrule.Tuple{DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort}
			if err := rules.Delete(t, func(any) error { return nil }); err != nil {
				log.Error("bridge: flow_delete failed", "err", err)
			}
			return "", false

		case bridge.KindListenPort:
			port, processIdx, isAdd, err := bridge.DecodeListenPort(body)
			if err != nil {
				log.Error("bridge: decode listen_port failed", "err", err)
				return "error", true
			}
			if isAdd {
				ports.Register(port, processIdx)
			} else {
				ports.Unregister(port)
			}
			return "success", true

		case bridge.KindARPBuffer:
			injectFrame(workers, -1, bridge.DecodeARPBuffer(body))
			return "", false

		case bridge.KindTCPHandoff:
			queueID, frame := bridge.DecodeTCPHandoff(body)
			injectFrame(workers, queueID, frame)
			return "", false

		default:
			log.Debug("bridge message", "kind", k, "len", len(body))
			return "", false
		}
	}
}

// injectFrame copies frame into the pool of every worker whose QueueID
// matches targetQueueID (or every worker, if targetQueueID is negative —
// the ARP-broadcast case) and injects it into that worker's device.
func injectFrame(workers []*worker.Worker, targetQueueID int, frame []byte) {
	for _, w := range workers {
		if targetQueueID >= 0 && w.QueueID != targetQueueID {
			continue
		}
		buf, err := w.Pool.Alloc()
		if err != nil {
			continue
		}
		buf.Len = copy(buf.Data, frame)
		if lb, ok := w.Dev.(*device.Loopback); ok && lb.Inject(buf) {
			continue
		}
		buf.Release()
	}
}

// conntableSource adapts pkg/socktable + pkg/tcpstack into the
// metrics.ConnTableSource the /dfx/conntable handler needs.
type conntableSource struct {
	sockets *socktable.Table
	tcp     tcpstack.Instance
}

func (c conntableSource) Rows() []metrics.ConnRow {
	var rows []metrics.ConnRow
	c.sockets.Range(func(s *socktable.Socket) bool {
		row := metrics.ConnRow{FD: int32(s.FD), WorkerIdx: s.OwnerWorker}
		if c.tcp != nil {
			if h, ok := s.ConnHandle.(tcpstack.Handle); ok {
				row.LocalAddr = c.tcp.LocalAddr(h)
				row.RemoteAddr = c.tcp.PeerAddr(h)
				switch c.tcp.State(h) {
				case tcpstack.StateListen:
					row.State = metrics.ConnListen
				case tcpstack.StateEstablished:
					row.State = metrics.ConnEstablished
				}
			}
		}
		rows = append(rows, row)
		return true
	})
	return rows
}

// numaNodeOf is a placeholder topology lookup; a real deployment would
// resolve this from /sys/devices/system/node/*/cpulist the same way
// pkg/worker.numaCPUSet does in reverse.
func numaNodeOf(cpuID int) int { return 0 }
