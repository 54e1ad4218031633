// Package dispatch implements component C7: the SYN-steering dispatcher
// that runs on the worker owning NIC queue 0 when tuple filtering is
// enabled. It parses Ethernet/IPv4/TCP headers far enough to read the
// destination port and TCP flags, then decides whether a packet is
// processed locally, forwarded to a peer worker, handed to a peer
// process over the bridge, or diverted to the kernel tap. Grounded on
// distribute_pakages in the original's lstack_ethdev.c.
package dispatch

import (
	"encoding/binary"
	"hash/maphash"
	"sync"

	"github.com/gazelle-net/lstack/pkg/errs"
)

// InvalidProcessIdx mirrors INVAILD_PROCESS_IDX: no process owns this
// port.
const InvalidProcessIdx = -1

// Route is the dispatcher's routing decision for one packet, the
// Go-native analogue of TRANSFER_CURRENT_THREAD / TRANSFER_OTHER_THREAD /
// TRANSFER_KERNEL plus the peer-process case the original folds into the
// bridge transfer call.
type Route int

const (
	RouteKernel Route = iota
	RouteLocal
	RouteOtherWorker
	RouteOtherProcess
)

// Decision carries the routing outcome plus the target identifiers a
// caller needs to act on it.
type Decision struct {
	Route      Route
	QueueID    int // valid for RouteOtherWorker
	ProcessIdx int // valid for RouteOtherProcess
}

// PortTable resolves a destination TCP port to the process index that
// owns it, mirroring g_listen_ports / g_user_ports. A port absent from
// both tables (or explicitly InvalidProcessIdx) is not accelerated.
type PortTable interface {
	// OwnerProcess returns the owning process index for dstPort, or
	// InvalidProcessIdx if no process owns it.
	OwnerProcess(dstPort uint16) int
}

// PortMap is a mutable PortTable, the Go-native analogue of
// g_listen_ports/g_user_ports: two 65536-wide sentinel arrays in
// spec.md §6, collapsed here into one table since a port has exactly
// one owning process at a time in this implementation. Registered by
// the bridge's listen-port message (§4.7).
type PortMap struct {
	mu    sync.RWMutex
	owner [65536]int32
}

// NewPortMap constructs a PortMap with every port unowned.
func NewPortMap() *PortMap {
	pm := &PortMap{}
	for i := range pm.owner {
		pm.owner[i] = int32(InvalidProcessIdx)
	}
	return pm
}

// OwnerProcess implements PortTable.
func (pm *PortMap) OwnerProcess(dstPort uint16) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return int(pm.owner[dstPort])
}

// Register records processIdx as dstPort's owner.
func (pm *PortMap) Register(dstPort uint16, processIdx int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.owner[dstPort] = int32(processIdx)
}

// Unregister clears dstPort's owner back to InvalidProcessIdx.
func (pm *PortMap) Unregister(dstPort uint16) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.owner[dstPort] = int32(InvalidProcessIdx)
}

// Header is the minimal parsed view of an Ethernet/IPv4/TCP frame the
// dispatcher needs — deliberately narrow since nothing downstream of
// routing touches payload bytes.
type Header struct {
	IsIPv4  bool
	IsTCP   bool
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	SYN     bool
}

const (
	ethHeaderLen = 14
	ipv4MinLen   = 20
	tcpMinLen    = 20
	tcpFlagSYN   = 0x02
)

// Parse reads Ethernet/IPv4/TCP headers out of a raw frame, allocation-
// free, returning IsIPv4/IsTCP false (rather than an error) for anything
// else the dispatcher should simply route to the kernel.
func Parse(frame []byte) Header {
	var h Header
	if len(frame) < ethHeaderLen+ipv4MinLen {
		return h
	}
	ipStart := ethHeaderLen
	etherType := binary.BigEndian.Uint16(frame[12:14])
	const etherTypeIPv4 = 0x0800
	if etherType != etherTypeIPv4 {
		return h
	}
	ip := frame[ipStart:]
	versionIHL := ip[0]
	version := versionIHL >> 4
	if version != 4 {
		return h
	}
	h.IsIPv4 = true
	ihl := int(versionIHL&0x0f) * 4
	if ihl < ipv4MinLen {
		ihl = ipv4MinLen
	}
	h.SrcIP = binary.BigEndian.Uint32(ip[12:16])
	h.DstIP = binary.BigEndian.Uint32(ip[16:20])

	const protoTCP = 6
	if ip[9] != protoTCP {
		return h
	}
	tcpStart := ipStart + ihl
	if len(frame) < tcpStart+tcpMinLen {
		return h
	}
	tcp := frame[tcpStart:]
	h.IsTCP = true
	h.SrcPort = binary.BigEndian.Uint16(tcp[0:2])
	h.DstPort = binary.BigEndian.Uint16(tcp[2:4])
	flags := tcp[13]
	h.SYN = flags&tcpFlagSYN != 0
	return h
}

// hashSeed is fixed at process start so that hash(src_ip,src_port,
// dst_port) is stable across calls within one process, the property
// SYN steering depends on to consistently pick the same queue for a
// given flow's SYN retransmissions.
var hashSeed = maphash.MakeSeed()

func flowHash(srcIP uint32, srcPort, dstPort uint16) uint32 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], srcIP)
	binary.BigEndian.PutUint16(b[4:6], srcPort)
	binary.BigEndian.PutUint16(b[6:8], dstPort)
	h.Write(b[:])
	return uint32(h.Sum64())
}

// Dispatcher holds the per-process configuration the routing decision
// needs: this process's own index, the per-process queue count, and
// whether send/recv roles are split (halving the queue stride per the
// original's seperate_send_recv branch).
type Dispatcher struct {
	ports            PortTable
	selfProcessIdx   int
	perProcessQueues int
	separateSendRecv bool
}

// New constructs a Dispatcher for this process.
func New(ports PortTable, selfProcessIdx, perProcessQueues int, separateSendRecv bool) *Dispatcher {
	return &Dispatcher{
		ports:            ports,
		selfProcessIdx:   selfProcessIdx,
		perProcessQueues: perProcessQueues,
		separateSendRecv: separateSendRecv,
	}
}

// Route decides what to do with h given whether a flow rule is already
// installed for it (installed flows always route locally, since the NIC
// itself already steered the packet). A SYN whose computed queue is 0 —
// the dispatcher's own queue — also routes locally.
func (d *Dispatcher) Route(h Header, flowInstalled bool) (Decision, error) {
	if !h.IsIPv4 || !h.IsTCP {
		return Decision{Route: RouteKernel}, nil
	}

	owner := d.ports.OwnerProcess(h.DstPort)
	if owner == InvalidProcessIdx {
		return Decision{Route: RouteKernel}, nil
	}

	if !h.SYN || flowInstalled {
		// Non-SYN packets of an accelerated flow are steered directly
		// to the right queue by the previously installed flow rule;
		// the dispatcher need not re-route them.
		return Decision{Route: RouteLocal}, nil
	}

	if d.perProcessQueues <= 0 {
		return Decision{}, errs.New(errs.ConfigInvalid, "dispatch: per_process_queues must be > 0")
	}

	idx := int(flowHash(h.SrcIP, h.SrcPort, h.DstPort)) % d.perProcessQueues
	if idx < 0 {
		idx += d.perProcessQueues
	}
	var queueID int
	if d.separateSendRecv {
		queueID = owner*d.perProcessQueues + (idx/2)*2
	} else {
		queueID = owner*d.perProcessQueues + idx
	}

	if queueID == 0 {
		return Decision{Route: RouteLocal}, nil
	}
	if owner == d.selfProcessIdx {
		return Decision{Route: RouteOtherWorker, QueueID: queueID}, nil
	}
	return Decision{Route: RouteOtherProcess, ProcessIdx: owner, QueueID: queueID}, nil
}
