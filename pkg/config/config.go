// Package config loads and validates the engine's tunables the way the
// teacher's config package layers viper over a typed struct: defaults are set
// first, a config file and environment overlay them, and the result is
// validated once before any worker starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default tunables, named after the original implementation's gazelle_opt.h
// constants so the mapping from spec to config is traceable.
const (
	DefaultRPCNumber          = 128
	DefaultNICReadNumber      = 128
	DefaultReadConnectNumber  = 128
	DefaultRingSize           = 512
	DefaultMbufCountPerConn   = 170
	DefaultTCPConnCount       = 1500
	DefaultLowPowerRxPkts     = 1
	DefaultLowPowerDetectMS   = 100
	DefaultLowPowerPktsWindow = 100
	DefaultBridgeRunDir       = "/var/run/lstack"
)

// Params is the fully-resolved configuration for one process of the engine.
// Field names mirror spec.md's Data Model and the supplemented gazelle_opt.h
// tunables (see SPEC_FULL.md §6).
type Params struct {
	// Topology.
	NumCPU           int    `mapstructure:"num_cpu"`
	Cpus             []int  `mapstructure:"cpus"`
	SeparateSendRecv bool   `mapstructure:"separate_send_recv"`
	RecvCpus         []int  `mapstructure:"recv_cpus"`
	SendCpus         []int  `mapstructure:"send_cpus"`
	ProcessIdx       int    `mapstructure:"process_idx"`
	IsPrimary        bool   `mapstructure:"is_primary"`
	NumQueue         int    `mapstructure:"num_queue"`
	TotQueueNum      int    `mapstructure:"tot_queue_num"`

	// Feature toggles.
	TupleFilter    bool `mapstructure:"tuple_filter"`
	ListenShadow   bool `mapstructure:"listen_shadow"`
	UseLtran       bool `mapstructure:"use_ltran"`
	UseSockmap     bool `mapstructure:"use_sockmap"`
	KniSwitch      bool `mapstructure:"kni_switch"`
	LowPowerMode   bool `mapstructure:"low_power_mode"`
	LatencyTracing bool `mapstructure:"latency_tracing"`

	// SkipSelfOnBroadcast resolves spec.md §9's open question about
	// stack_broadcast_arp: whether a worker ARP-broadcasts to itself.
	// Defaults to true; UseLtran does not change the default.
	SkipSelfOnBroadcast bool `mapstructure:"skip_self_on_broadcast"`

	// Poll loop tunables (gazelle_opt.h / cfg_params).
	RPCNumber         uint32 `mapstructure:"rpc_number"`
	NICReadNumber     uint32 `mapstructure:"nic_read_number"`
	ReadConnectNumber uint32 `mapstructure:"read_connect_number"`

	// Buffer pool sizing.
	MbufCountPerConn uint32 `mapstructure:"mbuf_count_per_conn"`
	TCPConnCount     uint32 `mapstructure:"tcp_conn_count"`

	// Low-power idle heuristic thresholds (§4.9).
	LPMRxPkts        uint64        `mapstructure:"lpm_rx_pkts"`
	LPMDetectMS      time.Duration `mapstructure:"lpm_detect_ms"`
	LPMPktsInDetect  uint64        `mapstructure:"lpm_pkts_in_detect"`

	// Multi-process bridge.
	BridgeRunDir string `mapstructure:"bridge_run_dir"`
	// NumProcesses is the total number of cooperating processes sharing
	// the NIC over the bridge; ARP/TCP-handoff fan-out to peer processes
	// iterates 0..NumProcesses-1 excluding ProcessIdx.
	NumProcesses int `mapstructure:"num_processes"`

	// Per-process queue split for dispatcher SYN steering (§4.5).
	PerProcessQueues int `mapstructure:"per_process_queues"`
}

// Validate enforces the configuration-error category of the error-handling
// design (§7): these failures are fatal at init.
func (p *Params) Validate() error {
	if p.NumCPU <= 0 && len(p.Cpus) == 0 {
		return fmt.Errorf("config: no cpus configured")
	}
	if p.NumQueue <= 0 {
		return fmt.Errorf("config: num_queue must be > 0")
	}
	if p.SeparateSendRecv {
		if len(p.RecvCpus) == 0 || len(p.SendCpus) == 0 {
			return fmt.Errorf("config: separate_send_recv requires recv_cpus and send_cpus")
		}
	}
	if p.PerProcessQueues <= 0 {
		p.PerProcessQueues = p.NumQueue
	}
	if p.NumProcesses <= 0 {
		p.NumProcesses = 1
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_number", DefaultRPCNumber)
	v.SetDefault("nic_read_number", DefaultNICReadNumber)
	v.SetDefault("read_connect_number", DefaultReadConnectNumber)
	v.SetDefault("mbuf_count_per_conn", DefaultMbufCountPerConn)
	v.SetDefault("tcp_conn_count", DefaultTCPConnCount)
	v.SetDefault("lpm_rx_pkts", DefaultLowPowerRxPkts)
	v.SetDefault("lpm_detect_ms", DefaultLowPowerDetectMS)
	v.SetDefault("lpm_pkts_in_detect", DefaultLowPowerPktsWindow)
	v.SetDefault("bridge_run_dir", DefaultBridgeRunDir)
	v.SetDefault("num_queue", 1)
	v.SetDefault("num_processes", 1)
	v.SetDefault("skip_self_on_broadcast", true)
}

// Load reads configuration from an optional file path plus LSTACK_-prefixed
// environment variables, following the teacher's viper-based layering order:
// defaults, then file, then environment.
func Load(path string) (*Params, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LSTACK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var p Params
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	p.LPMDetectMS = p.LPMDetectMS * time.Millisecond

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Watch installs a reload callback fired whenever the backing file changes,
// using fsnotify the way the teacher's config package wires viper's
// OnConfigChange. Only non-topology fields are safe to hot-reload; callers
// are responsible for deciding which fields they honor post-init.
func Watch(path string, onChange func(*Params)) error {
	if path == "" {
		return fmt.Errorf("config: watch requires a file path")
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		var p Params
		if err := v.Unmarshal(&p); err != nil {
			return
		}
		p.LPMDetectMS = p.LPMDetectMS * time.Millisecond
		onChange(&p)
	})
	return nil
}
