package bridge

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/gazelle-net/lstack/pkg/errs"
)

// GetLstackNumCommand is KindGetLstackNum's entire body: the bare command
// name is both the message and its length discriminator (14 bytes), no
// argument fields.
const GetLstackNumCommand = "get_lstack_num"

const decimalFieldWidth = 10

// EncodeARPBuffer packs frame into a fixed-length ARPBuffer body,
// replacing the original's raw-pointer handoff (spec.md §9
// "Pointer-over-IPC") with an actual payload copy, per SPEC_FULL.md §3.
// Frames longer than the body are truncated; the bridge only ever
// carries ARP frames, which are fixed at 42 bytes on the wire, well
// under the 64-byte cap.
func EncodeARPBuffer(frame []byte) []byte {
	body := make([]byte, KindARPBuffer.Length())
	copy(body, frame)
	return body
}

// DecodeARPBuffer returns the frame bytes carried in an ARPBuffer body.
// Trailing zero padding is harmless: dispatch.Parse only reads as many
// bytes as its header lengths require.
func DecodeARPBuffer(body []byte) []byte {
	return body
}

const tcpHandoffQueueIDLen = 2

// EncodeTCPHandoff packs queueID and frame into a fixed-length
// TCPHandoff body: a 2-byte big-endian queue id followed by the frame
// payload, zero-padded or truncated to fill the remaining capacity.
func EncodeTCPHandoff(queueID int, frame []byte) []byte {
	body := make([]byte, KindTCPHandoff.Length())
	binary.BigEndian.PutUint16(body[:tcpHandoffQueueIDLen], uint16(queueID))
	copy(body[tcpHandoffQueueIDLen:], frame)
	return body
}

// DecodeTCPHandoff extracts the target queue id and frame bytes from a
// TCPHandoff body.
func DecodeTCPHandoff(body []byte) (queueID int, frame []byte) {
	queueID = int(binary.BigEndian.Uint16(body[:tcpHandoffQueueIDLen]))
	frame = body[tcpHandoffQueueIDLen:]
	return
}

// EncodeFlowCreate packs the six-tuple of spec.md §4.7's 60-byte
// flow-rule create message as fixed-width zero-padded decimal fields.
func EncodeFlowCreate(srcIP, dstIP uint32, srcPort, dstPort uint16, queueID, processIdx int) []byte {
	return []byte(fmt.Sprintf("%010d%010d%010d%010d%010d%010d",
		srcIP, dstIP, srcPort, dstPort, queueID, processIdx))
}

// DecodeFlowCreate parses an EncodeFlowCreate body.
func DecodeFlowCreate(body []byte) (srcIP, dstIP uint32, srcPort, dstPort uint16, queueID, processIdx int, err error) {
	f, err := decodeFixedDecimalFields(body, 6, decimalFieldWidth)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, err
	}
	return uint32(f[0]), uint32(f[1]), uint16(f[2]), uint16(f[3]), int(f[4]), int(f[5]), nil
}

// EncodeFlowDelete packs spec.md §4.7's 30-byte flow-rule delete message
// (dst_ip, src_port, dst_port, in the rule's reverse-direction key order).
func EncodeFlowDelete(dstIP uint32, srcPort, dstPort uint16) []byte {
	return []byte(fmt.Sprintf("%010d%010d%010d", dstIP, srcPort, dstPort))
}

// DecodeFlowDelete parses an EncodeFlowDelete body.
func DecodeFlowDelete(body []byte) (dstIP uint32, srcPort, dstPort uint16, err error) {
	f, err := decodeFixedDecimalFields(body, 3, decimalFieldWidth)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint32(f[0]), uint16(f[1]), uint16(f[2]), nil
}

const listenPortFlagWidth = 5

// EncodeListenPort packs spec.md §4.7's 25-byte listen-port registration
// message (port, process_idx, is_add).
func EncodeListenPort(port uint16, processIdx int, isAdd bool) []byte {
	flag := 0
	if isAdd {
		flag = 1
	}
	return []byte(fmt.Sprintf("%010d%010d%0*d", port, processIdx, listenPortFlagWidth, flag))
}

// DecodeListenPort parses an EncodeListenPort body.
func DecodeListenPort(body []byte) (port uint16, processIdx int, isAdd bool, err error) {
	if len(body) != KindListenPort.Length() {
		return 0, 0, false, errs.New(errs.ProtocolError, "bridge: listen_port: wrong body length")
	}
	p, err := strconv.ParseInt(string(body[:decimalFieldWidth]), 10, 32)
	if err != nil {
		return 0, 0, false, errs.Wrap(errs.ProtocolError, "bridge: listen_port: parse port", err)
	}
	pi, err := strconv.ParseInt(string(body[decimalFieldWidth:2*decimalFieldWidth]), 10, 32)
	if err != nil {
		return 0, 0, false, errs.Wrap(errs.ProtocolError, "bridge: listen_port: parse process_idx", err)
	}
	flag, err := strconv.ParseInt(string(body[2*decimalFieldWidth:]), 10, 32)
	if err != nil {
		return 0, 0, false, errs.Wrap(errs.ProtocolError, "bridge: listen_port: parse is_add", err)
	}
	return uint16(p), int(pi), flag != 0, nil
}

// decodeFixedDecimalFields splits body into n fixed-width zero-padded
// decimal fields, the common shape of the flow-rule create/delete wire
// messages.
func decodeFixedDecimalFields(body []byte, n, width int) ([]int64, error) {
	if len(body) != n*width {
		return nil, errs.New(errs.ProtocolError, fmt.Sprintf("bridge: wrong field layout: got %d bytes, want %d", len(body), n*width))
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseInt(string(body[i*width:(i+1)*width]), 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.ProtocolError, fmt.Sprintf("bridge: decode field %d", i), err)
		}
		out[i] = v
	}
	return out, nil
}
