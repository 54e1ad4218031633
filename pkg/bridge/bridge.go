// Package bridge implements component C9: the multi-process local-domain
// bridge. One process listens on a unix-domain socket at a well-known
// path suffixed by its process index; peers connect, write a fixed-length
// self-framing message, and optionally wait for a short ASCII reply.
// Grounded on transfer_pkt_to_other_process / recv_pkts_from_other_process
// in the original's lstack_ethdev.c.
package bridge

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/gazelle-net/lstack/pkg/errs"
	"github.com/gazelle-net/lstack/pkg/logger"
)

// maxMessageLen bounds the read in readMessage; the largest recognized
// message (KindTCPHandoff) is 67 bytes, so anything past a small margin
// of that is a malformed peer, not a larger valid message.
const maxMessageLen = 256

// Kind enumerates the six fixed-length, self-framing message kinds of
// spec.md §4.7, each length uniquely identifying its meaning.
type Kind int

const (
	KindARPBuffer       Kind = iota // 64
	KindTCPHandoff                  // 67
	KindFlowDelete                  // 30
	KindFlowCreate                  // 60
	KindListenPort                  // 25
	KindGetLstackNum                // 14
)

// Length returns the fixed wire length for k, per spec.md §4.7's table.
func (k Kind) Length() int {
	switch k {
	case KindARPBuffer:
		return 64
	case KindTCPHandoff:
		return 67
	case KindFlowDelete:
		return 30
	case KindFlowCreate:
		return 60
	case KindListenPort:
		return 25
	case KindGetLstackNum:
		return 14
	default:
		return 0
	}
}

// KindByLength resolves a received message's Kind from its length, the
// dispatch-by-length behavior the bridge thread uses to route inbound
// messages without an explicit type tag.
func KindByLength(n int) (Kind, bool) {
	for _, k := range []Kind{KindARPBuffer, KindTCPHandoff, KindFlowDelete, KindFlowCreate, KindListenPort, KindGetLstackNum} {
		if k.Length() == n {
			return k, true
		}
	}
	return 0, false
}

const (
	replySuccess = "success"
	replyError   = "error"
)

// SocketPath returns the well-known per-process bridge path under dir,
// e.g. "/var/run/lstack/bridge.sock3" for processIdx 3.
func SocketPath(dir string, processIdx int) string {
	return filepath.Join(dir, fmt.Sprintf("bridge.sock%d", processIdx))
}

// Handler processes one inbound message body for its Kind and, if the
// message expects a reply, returns the reply string to write back
// ("success"/"error", or a decimal integer for get_lstack_num).
type Handler func(k Kind, body []byte) (reply string, needsReply bool)

// Server is one process's bridge listener.
type Server struct {
	ln      net.Listener
	handler Handler
	log     logger.Logger
}

// Listen creates the run directory (mode 0700) if absent and binds the
// process's bridge socket, matching the original's bind-then-post-
// semaphore sequencing (the semaphore itself is the caller's
// responsibility via pkg/worker's init state machine).
func Listen(runDir string, processIdx int, handler Handler, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Root()
	}
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return nil, errs.Wrap(errs.BridgeConnect, "bridge: create run dir", err)
	}
	path := SocketPath(runDir, processIdx)
	_ = os.Remove(path) // stale socket from a prior crashed run

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrap(errs.BridgeConnect, "bridge: listen", err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		_ = ln.Close()
		return nil, errs.Wrap(errs.BridgeConnect, "bridge: chmod", err)
	}
	return &Server{ln: ln, handler: handler, log: log.Named("bridge")}, nil
}

// Serve accepts connections until the listener is closed, dispatching
// each message by its length to the registered Handler. Each connection
// handles exactly one message, matching the original's one-shot
// transfer_pkt_to_other_process client pattern.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Accept fails once the listener is closed during shutdown;
			// that is the only expected termination path for this loop.
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	body, err := readMessage(conn)
	if err != nil {
		s.log.Error("bridge read failed", "err", err)
		return
	}
	k, ok := KindByLength(len(body))
	if !ok {
		s.log.Error("bridge: unrecognized message length", "len", len(body))
		return
	}
	reply, needsReply := s.handler(k, body)
	if needsReply {
		if _, err := conn.Write([]byte(reply)); err != nil {
			s.log.Error("bridge reply write failed", "err", err)
		}
	}
}

// readMessage reads a full fixed-length, self-framing message off conn.
// Bridge messages have no embedded length prefix — the total byte count
// a client writes in one logical Send call IS the length — so the
// client half-closes its write side (Send's CloseWrite) once the body is
// written, letting the server read to EOF and see the whole message
// regardless of how many TCP/unix-socket fragments it arrived in. A
// single conn.Read call is not enough: a fragmented write would
// otherwise hand the handler a short, wrongly-classified body.
func readMessage(conn net.Conn) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(conn, maxMessageLen))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Close shuts down the bridge listener.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Send connects to the peer process's bridge socket, writes body, and —
// if waitReply is set — reads up to a 10-byte ASCII reply and returns it
// unparsed ("success", "error", or a decimal integer for get_lstack_num;
// IsSuccess/IsError classify it), matching transfer_pkt_to_other_process.
// A connection failure is reported distinctly (BridgeConnect, logged INFO
// by the caller) from a failure to read the reply (BridgeReply, logged
// ERROR).
func Send(runDir string, processIdx int, body []byte, waitReply bool) (string, error) {
	path := SocketPath(runDir, processIdx)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", errs.Wrap(errs.BridgeConnect, "bridge: connect", err)
	}
	defer conn.Close()

	if _, err := conn.Write(body); err != nil {
		return "", errs.Wrap(errs.BridgeConnect, "bridge: write", err)
	}
	// Half-close the write side so the server's readMessage sees EOF
	// after exactly this message, regardless of fragmentation, while the
	// read side stays open for the reply below.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", errs.Wrap(errs.BridgeConnect, "bridge: close_write", err)
		}
	}
	if !waitReply {
		return "", nil
	}

	reply := make([]byte, 10)
	n, err := conn.Read(reply)
	if err != nil {
		return "", errs.Wrap(errs.BridgeReply, "bridge: read reply", err)
	}
	return string(reply[:n]), nil
}

// IsSuccess reports whether reply is the literal "success" sentinel.
func IsSuccess(reply string) bool { return reply == replySuccess }

// IsError reports whether reply is the literal "error" sentinel.
func IsError(reply string) bool { return reply == replyError }
