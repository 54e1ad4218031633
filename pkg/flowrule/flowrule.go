// Package flowrule implements the per-flow NIC steering table: an
// idempotent create/delete map from a 4-tuple to the queue it is pinned
// to, keyed the same way the original implementation keys its rte_flow
// hash table ("src_ip_src_port_dst_port").
package flowrule

import (
	"fmt"
	"sync"

	"github.com/gazelle-net/lstack/pkg/logger"
)

// Tuple identifies a flow by its steering key fields. Ports are host-order
// values, as dispatch.Parse decodes them from the packet.
type Tuple struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// key reproduces "%u_%u_%u" over src_ip, src_port, dst_port — the exact
// format config_flow_director uses to build its rule_key.
func (t Tuple) key() string {
	return fmt.Sprintf("%d_%d_%d", t.SrcIP, t.SrcPort, t.DstPort)
}

// deleteKey reproduces delete_flow_director's key, which is built from
// the tuple as observed from the opposite direction (dst_ip, dst_port,
// src_port) since the delete path is invoked with the connection's local
// endpoint swapped relative to create.
func (t Tuple) deleteKey() string {
	return fmt.Sprintf("%d_%d_%d", t.DstIP, t.DstPort, t.SrcPort)
}

// Rule is one steering entry: the queue a matching flow is pinned to, and
// an opaque device-level handle (the analogue of struct rte_flow*) that
// Destroy passes back to the device for teardown.
type Rule struct {
	QueueID int
	Handle  any
}

// Table is the process-wide flow rule table. There is exactly one Table
// per process (mirroring g_flow_rules), shared by every worker's
// Configure/Destroy calls, guarded by a single mutex since flow changes
// are rare relative to the data plane.
type Table struct {
	mu  sync.Mutex
	m   map[string]Rule
	log logger.Logger
}

// New constructs an empty flow rule table.
func New(log logger.Logger) *Table {
	if log == nil {
		log = logger.Root()
	}
	return &Table{m: make(map[string]Rule), log: log.Named("flowrule")}
}

// Create installs a steering rule for t pinning it to queueID, calling
// install to perform the device-level rte_flow_create equivalent.
// Idempotent: a rule already present for this tuple is left untouched
// and Create returns immediately without calling install, matching
// config_flow_director's fl_exist early return.
func (tb *Table) Create(t Tuple, queueID int, install func() (any, error)) error {
	k := t.key()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.m[k]; ok {
		return nil
	}

	handle, err := install()
	if err != nil {
		tb.log.Error("flow rule install failed", "key", k, "queue", queueID, "err", err)
		return err
	}

	tb.m[k] = Rule{QueueID: queueID, Handle: handle}
	tb.log.Info("flow rule installed", "key", k, "queue", queueID)
	return nil
}

// Delete removes the steering rule matching t's reverse direction,
// calling destroy to perform the device-level rte_flow_destroy
// equivalent. Free-on-hit and idempotent: deleting an absent rule is a
// no-op, resolving the Open Question about concurrent close races
// without requiring callers to track whether a rule was ever installed.
func (tb *Table) Delete(t Tuple, destroy func(any) error) error {
	k := t.deleteKey()

	tb.mu.Lock()
	rule, ok := tb.m[k]
	if !ok {
		tb.mu.Unlock()
		return nil
	}
	delete(tb.m, k)
	tb.mu.Unlock()

	if err := destroy(rule.Handle); err != nil {
		tb.log.Error("flow rule delete failed", "key", k, "err", err)
		return err
	}
	tb.log.Info("flow rule deleted", "key", k)
	return nil
}

// Lookup returns the rule installed for the creation-direction key of t,
// used by the dispatcher to decide whether a flow is already steered.
func (tb *Table) Lookup(t Tuple) (Rule, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	r, ok := tb.m[t.key()]
	return r, ok
}

// Count returns the number of installed rules, exposed to the stats
// collaborator as the analogue of g_flow_num.
func (tb *Table) Count() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.m)
}
