// Package metrics exposes the engine's Prometheus counters and the
// plain-text DFX connection-table dump of SPEC_FULL.md §6, the Go-native
// analog of the original's gazelle_dfx_msg.h diagnostic protocol.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnState mirrors tcpstack.State without importing it, keeping this
// package usable by anything that can describe a connection row.
type ConnState int

const (
	ConnClosed ConnState = iota
	ConnListen
	ConnEstablished
)

func (s ConnState) String() string {
	switch s {
	case ConnListen:
		return "LISTEN"
	case ConnEstablished:
		return "ESTABLISHED"
	default:
		return "CLOSED"
	}
}

// ConnRow is one line of the /dfx/conntable dump.
type ConnRow struct {
	FD         int32
	WorkerIdx  int
	LocalAddr  string
	RemoteAddr string
	State      ConnState
}

// ConnTableSource is implemented by whatever owns the live socket table
// (pkg/socktable, via cmd/lstackd's wiring) so this package never imports
// it directly.
type ConnTableSource interface {
	Rows() []ConnRow
}

// WorkerSample is one worker's point-in-time counters, pushed by the
// caller on a housekeeping tick (cmd/lstackd samples once a second) rather
// than pulled, since
// Worker holds no reference to this package (keeping pkg/worker free of
// the metrics dependency, the same Hooks-style decoupling used there).
type WorkerSample struct {
	WorkerIdx int
	ConnNum   uint32
	LowPower  bool
}

// Registry owns the engine's Prometheus collectors and the DFX conntable
// source. Grounded on the teacher's prometheus package shape observed in
// its test suite (a constructed registry exposing named counters/gauges
// and a slow-request histogram); that package's own source was not
// present in the retrieved pack, so the collectors here are built
// directly against github.com/prometheus/client_golang, still the
// teacher's declared dependency.
type Registry struct {
	reg *prometheus.Registry

	packetsRx *prometheus.CounterVec
	packetsTx *prometheus.CounterVec
	connNum   *prometheus.GaugeVec
	lowPower  *prometheus.GaugeVec
	rxErrors  *prometheus.CounterVec

	mu     sync.RWMutex
	source ConnTableSource
}

// New constructs a Registry with all engine collectors registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.packetsRx = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lstack",
		Name:      "packets_received_total",
		Help:      "Packets pulled from the NIC by rx_poll, per worker.",
	}, []string{"worker"})
	r.packetsTx = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lstack",
		Name:      "packets_transmitted_total",
		Help:      "Packets handed to tx_xmit, per worker.",
	}, []string{"worker"})
	r.connNum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lstack",
		Name:      "worker_conn_num",
		Help:      "Flows currently owned by each worker.",
	}, []string{"worker"})
	r.lowPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lstack",
		Name:      "worker_low_power",
		Help:      "1 when a worker's idle governor has flagged low power, else 0.",
	}, []string{"worker"})
	r.rxErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lstack",
		Name:      "rx_errors_total",
		Help:      "rx_poll/tx_xmit failures, per worker.",
	}, []string{"worker"})

	r.reg.MustRegister(r.packetsRx, r.packetsTx, r.connNum, r.lowPower, r.rxErrors)
	return r
}

func workerLabel(idx int) string { return fmt.Sprintf("%d", idx) }

// AddRxPackets increments the rx counter for a worker.
func (r *Registry) AddRxPackets(workerIdx int, n int) {
	r.packetsRx.WithLabelValues(workerLabel(workerIdx)).Add(float64(n))
}

// AddTxPackets increments the tx counter for a worker.
func (r *Registry) AddTxPackets(workerIdx int, n int) {
	r.packetsTx.WithLabelValues(workerLabel(workerIdx)).Add(float64(n))
}

// IncRxErrors increments the rx/tx failure counter for a worker.
func (r *Registry) IncRxErrors(workerIdx int) {
	r.rxErrors.WithLabelValues(workerLabel(workerIdx)).Inc()
}

// Observe records a batch of per-worker point-in-time samples (conn_num,
// low-power state), called once per housekeeping tick by the process
// wiring code, not by Worker itself.
func (r *Registry) Observe(samples []WorkerSample) {
	for _, s := range samples {
		label := workerLabel(s.WorkerIdx)
		r.connNum.WithLabelValues(label).Set(float64(s.ConnNum))
		lp := 0.0
		if s.LowPower {
			lp = 1.0
		}
		r.lowPower.WithLabelValues(label).Set(lp)
	}
}

// SetConnTableSource wires the live socket table for the /dfx/conntable
// dump. Safe to call before or after Handler is mounted.
func (r *Registry) SetConnTableSource(src ConnTableSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = src
}

// Handler returns the Prometheus scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// DFXConnTableHandler serves a plain-text connection-table dump, the
// Go-native analog of gazelle_dfx_msg.h's connection listing: one line
// per socket, descriptor/owning worker/tuple/state, sorted by fd so
// repeated dumps are diffable.
func (r *Registry) DFXConnTableHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		src := r.source
		r.mu.RUnlock()

		if src == nil {
			http.Error(w, "conntable source not wired", http.StatusServiceUnavailable)
			return
		}
		rows := src.Rows()
		sort.Slice(rows, func(i, j int) bool { return rows[i].FD < rows[j].FD })

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeConnTable(w, rows)
	})
}

func writeConnTable(w io.Writer, rows []ConnRow) {
	fmt.Fprintf(w, "%-8s %-6s %-22s %-22s %s\n", "FD", "WORKER", "LOCAL", "REMOTE", "STATE")
	for _, row := range rows {
		fmt.Fprintf(w, "%-8d %-6d %-22s %-22s %s\n", row.FD, row.WorkerIdx, row.LocalAddr, row.RemoteAddr, row.State)
	}
}
