package tchannel

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// outboundEntry is the OperationTable entry for a call this connection
// initiated (spec.md §3 "OperationTable entry (outbound)").
type outboundEntry struct {
	req      *OutgoingCallReq
	start    time.Time
	timedOut atomic.Bool // set by the sweep; read/written without the table lock
	contCh   chan *Frame // continuation frames for this call's response, if any
}

// inboundEntry is the OperationTable entry for a call a peer sent us
// (spec.md §3 "OperationTable entry (inbound)").
type inboundEntry struct {
	req    *IncomingCallReq
	start  time.Time
	contCh chan *Frame // continuation frames for this call's request, if any

	resMu sync.Mutex
	res   *OutgoingCallRes // set once buildResponse is called
	built bool
}

// operationTable is a pair of maps (outbound/inbound calls) keyed by
// 32-bit call id, mirroring the teacher's activeReqChs/activeResChs maps
// but generalized to carry full operation entries (spec.md §4.3).
type operationTable struct {
	mu       sync.Mutex
	outbound map[uint32]*outboundEntry
	inbound  map[uint32]*inboundEntry

	outPending atomic.Int32
	inPending  atomic.Int32
}

func newOperationTable() *operationTable {
	return &operationTable{
		outbound: make(map[uint32]*outboundEntry),
		inbound:  make(map[uint32]*inboundEntry),
	}
}

// enrollOutbound adds an outbound entry, failing if id is already present
// (spec.md §4.3 enroll, invariant 1).
func (t *operationTable) enrollOutbound(id uint32, e *outboundEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.outbound[id]; exists {
		return ErrCallIDInUse
	}
	t.outbound[id] = e
	t.outPending.Inc()
	return nil
}

func (t *operationTable) popOutbound(id uint32) (*outboundEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.outbound[id]
	if ok {
		delete(t.outbound, id)
		t.outPending.Dec()
	}
	return e, ok
}

// peekOutbound returns the entry without popping it; routeOutboundContinuation
// uses it to find the call a callResContinue frame belongs to.
func (t *operationTable) peekOutbound(id uint32) (*outboundEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.outbound[id]
	return e, ok
}

// dropLingeringOutbound removes id only if it is still marked timed out,
// matching the sweep's "drop lingering entry" step (spec.md §4.4): an entry
// is lingering once a prior sweep has marked it timed out and a later sweep
// finds it still present (the response never arrived).
func (t *operationTable) dropLingeringOutbound(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.outbound[id]
	if !ok || !e.timedOut.Load() {
		return false
	}
	delete(t.outbound, id)
	t.outPending.Dec()
	return true
}

// setOutboundContCh attaches a continuation channel to an enrolled outbound
// entry once its response's first fragment has arrived, so that
// callResContinue frames routed by id have somewhere to land.
func (t *operationTable) setOutboundContCh(id uint32, ch chan *Frame) (*outboundEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.outbound[id]
	if ok {
		e.contCh = ch
	}
	return e, ok
}

func (t *operationTable) enrollInbound(id uint32, e *inboundEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.inbound[id]; exists {
		return ErrCallIDInUse
	}
	t.inbound[id] = e
	t.inPending.Inc()
	return nil
}

func (t *operationTable) getInbound(id uint32) (*inboundEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inbound[id]
	return e, ok
}

// popInboundIfCurrent deletes the inbound entry for id only if it is still
// exactly e (identity comparison), matching the teacher's
// `self.inOps[id] !== op` guard (spec.md §9 "inbound-operation retirement
// vs reset race"). Returns true if it removed the entry.
func (t *operationTable) popInboundIfCurrent(id uint32, e *inboundEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.inbound[id]
	if !ok || cur != e {
		return false
	}
	delete(t.inbound, id)
	t.inPending.Dec()
	return true
}

// outstandingOutbound returns a snapshot of (id, entry) pairs for the
// timeout sweep to scan (spec.md §4.3 iterate).
func (t *operationTable) outstandingOutbound() map[uint32]*outboundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[uint32]*outboundEntry, len(t.outbound))
	for id, e := range t.outbound {
		snap[id] = e
	}
	return snap
}

func (t *operationTable) outstandingInbound() map[uint32]*inboundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[uint32]*inboundEntry, len(t.inbound))
	for id, e := range t.inbound {
		snap[id] = e
	}
	return snap
}

// clearOutbound retires every outbound entry, returning them for
// notification (spec.md §4.3 clear).
func (t *operationTable) clearOutbound() map[uint32]*outboundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.outbound
	t.outbound = make(map[uint32]*outboundEntry)
	t.outPending.Store(0)
	return out
}

func (t *operationTable) clearInbound() map[uint32]*inboundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := t.inbound
	t.inbound = make(map[uint32]*inboundEntry)
	t.inPending.Store(0)
	return in
}

func (t *operationTable) counts() (outPending, inPending int32) {
	return t.outPending.Load(), t.inPending.Load()
}
