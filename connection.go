package tchannel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// connectionDirection records which side dialed, mirroring the teacher's
// outbound/inbound TChannelConnection split (connection.go).
type connectionDirection int

const (
	connectionOutbound connectionDirection = iota
	connectionInbound
)

func (d connectionDirection) String() string {
	if d == connectionInbound {
		return "inbound"
	}
	return "outbound"
}

// connectionState is the handshake/lifecycle state machine, adapted from
// the teacher's connectionState enum (connection.go) to this spec's
// init-request/init-response vocabulary (spec.md §4.1 "Connection setup").
type connectionState int

const (
	connectionWaitingToSendInitReq connectionState = iota
	connectionWaitingToRecvInitReq
	connectionWaitingToRecvInitRes
	connectionActive
	connectionClosing
	connectionClosed
)

// connectionConfig is the slice of Channel-wide state a Connection needs.
// Keeping it as a plain struct, built by Channel at dial/accept time, keeps
// this file decoupled from Channel's own field layout.
type connectionConfig struct {
	localHostPort string
	processName   string
	log           Logger
	clock         Clock
	random        Random
	pool          FramePool
	checksumType  ChecksumType

	reqTimeoutDefault    time.Duration
	serverTimeoutDefault time.Duration
	timeoutCheckInterval time.Duration
	timeoutFuzz          time.Duration
	sendQueueSize        int
	maxPendingRequests   int

	handler RequestHandler

	// onIdentified is invoked once, from recvLoop, the moment an inbound
	// connection has learned its peer's advertised hostPort (spec.md §4.1
	// "peer identification"). Outbound connections already know who they
	// dialed and skip this.
	onIdentified func(remoteHostPort string, conn *Connection)

	// onClosed is invoked exactly once as the connection tears down, so
	// Channel can drop it from the peer registry (spec.md §4.4 "Bytestream
	// error/close").
	onClosed func(conn *Connection)
}

// Connection is one TCP socket between this Channel and a peer, running the
// init handshake, the call protocol and the timeout sweep described in
// spec.md §4. It is the Go realization -- one recvLoop goroutine, one
// sendLoop goroutine, mutex-guarded shared state -- of the source's single
// logical executor (spec.md §5; SPEC_FULL.md §5 "concurrency realization").
// Grounded on the teacher's TChannelConnection (connection.go) wholesale,
// with the read/write goroutine split generalized after SagerNet-smux's
// session.go recvLoop/sendLoop.
type Connection struct {
	cfg       connectionConfig
	conn      net.Conn
	direction connectionDirection
	log       Logger

	outbound *operationTable
	inbound  *operationTable

	nextID atomic.Uint32

	sendCh   chan *Frame
	doneCh   chan struct{} // closed once, on teardown, to unblock waiters
	closedCh chan struct{} // closed once the socket is fully torn down
	once     sync.Once

	mu                sync.Mutex
	state             connectionState
	remoteHostPort    string
	remoteProcessName string

	lastTimeoutTime atomic.Int64 // unix nanos of the last sweep that found a fresh timeout; 0 = none
	sweepTimer      Timer

	initResult chan error // buffered 1; outbound handshake completion
}

func newConnection(cfg connectionConfig, netConn net.Conn, direction connectionDirection, remoteHostPort string) (*Connection, error) {
	if remoteHostPort == cfg.localHostPort {
		return nil, ErrSelfPeer
	}

	if tc, ok := netConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	sendQueueSize := cfg.sendQueueSize
	if sendQueueSize <= 0 {
		sendQueueSize = 512
	}

	initState := connectionWaitingToSendInitReq
	if direction == connectionInbound {
		initState = connectionWaitingToRecvInitReq
	}

	c := &Connection{
		cfg:            cfg,
		conn:           netConn,
		direction:      direction,
		log:            cfg.log,
		outbound:       newOperationTable(),
		inbound:        newOperationTable(),
		sendCh:         make(chan *Frame, sendQueueSize),
		doneCh:         make(chan struct{}),
		closedCh:       make(chan struct{}),
		state:          initState,
		remoteHostPort: remoteHostPort,
		initResult:     make(chan error, 1),
	}

	go c.sendLoop()
	go c.recvLoop()

	return c, nil
}

// newOutboundConnection dials hostPort and runs the init handshake as the
// initiating side (spec.md §4.1).
func newOutboundConnection(ctx context.Context, cfg connectionConfig, hostPort string) (*Connection, error) {
	if hostPort == "" || hostPort == ephemeralHostPort {
		return nil, ErrEphemeralPeer
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}

	c, err := newConnection(cfg, netConn, connectionOutbound, hostPort)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	if err := c.sendInitRequest(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}

	return c, nil
}

// newInboundConnection wraps an already-accepted socket and waits for the
// peer's init request (spec.md §4.1 inbound side).
func newInboundConnection(cfg connectionConfig, netConn net.Conn) (*Connection, error) {
	return newConnection(cfg, netConn, connectionInbound, netConn.RemoteAddr().String())
}

// RemoteHostPort returns the peer's advertised host:port once known, or the
// raw socket address beforehand.
func (c *Connection) RemoteHostPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteHostPort
}

// Counts returns the number of outstanding outbound and inbound calls
// (spec.md §8 P2 "counter agreement"), for tests and diagnostics.
func (c *Connection) Counts() (outPending, inPending int32) {
	out, _ := c.outbound.counts()
	_, in := c.inbound.counts()
	return out, in
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connectionClosing || c.state == connectionClosed
}

// --- frameSink ---------------------------------------------------------

// sendFrame queues f for the sendLoop; it implements frameSink for the
// OutgoingCallReq/OutgoingCallRes capability objects in protocol.go.
func (c *Connection) sendFrame(f *Frame) error {
	if c.isClosing() {
		c.cfg.pool.Release(f)
		return ErrConnectionClosed
	}
	select {
	case c.sendCh <- f:
		return nil
	case <-c.doneCh:
		c.cfg.pool.Release(f)
		return ErrConnectionClosed
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case f := <-c.sendCh:
			debugDumpFrame(c.log, true, c.RemoteHostPort(), f)
			if err := writeFrame(c.conn, f); err != nil {
				c.cfg.pool.Release(f)
				c.teardown(fmt.Errorf("tchannel: write failed: %w", err))
				continue
			}
			c.cfg.pool.Release(f)
		case <-c.doneCh:
			return
		}
	}
}

// --- receive loop --------------------------------------------------------

func (c *Connection) recvLoop() {
	for {
		frame, err := readFrame(c.conn, c.cfg.pool)
		if err != nil {
			c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, err))
			return
		}

		// Any successfully parsed frame is evidence of life (spec.md §4.4
		// "liveness"): a sweep only declares the link dead once two
		// consecutive sweeps pass with no progress in between.
		c.lastTimeoutTime.Store(0)
		debugDumpFrame(c.log, false, c.RemoteHostPort(), frame)

		switch frame.Type {
		case frameTypeInitReq:
			c.handleInitReq(frame)
		case frameTypeInitRes:
			c.handleInitRes(frame)
		case frameTypeCallReq:
			c.handleCallReqFirst(frame)
		case frameTypeCallReqContinue:
			c.routeInboundContinuation(frame)
		case frameTypeCallRes:
			c.handleCallResFirst(frame)
		case frameTypeCallResContinue:
			c.routeOutboundContinuation(frame)
		case frameTypeCallError:
			c.handleCallError(frame)
		default:
			c.cfg.pool.Release(frame)
			c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, fmt.Errorf("unknown frame type %v", frame.Type)))
			return
		}
	}
}

// --- init handshake --------------------------------------------------------

func (c *Connection) sendInitRequest(ctx context.Context) error {
	f := c.cfg.pool.Get()
	f.Type = frameTypeInitReq
	f.ID = c.nextID.Inc()
	if err := writeInitMessage(f, c.cfg.localHostPort, c.cfg.processName); err != nil {
		c.cfg.pool.Release(f)
		return err
	}

	c.mu.Lock()
	c.state = connectionWaitingToRecvInitRes
	c.mu.Unlock()

	if err := c.sendFrame(f); err != nil {
		return err
	}

	select {
	case err := <-c.initResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return ErrConnectionClosed
	}
}

func (c *Connection) handleInitReq(frame *Frame) {
	hostPort, processName, err := readInitMessage(frame)
	c.cfg.pool.Release(frame)
	if err != nil {
		c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, err))
		return
	}

	c.mu.Lock()
	if c.state != connectionWaitingToRecvInitReq {
		c.mu.Unlock()
		c.teardown(newProtocolError(hostPort, c.cfg.localHostPort, fmt.Errorf("init request received out of order")))
		return
	}
	c.remoteHostPort = hostPort
	c.remoteProcessName = processName
	c.state = connectionActive
	c.mu.Unlock()

	resp := c.cfg.pool.Get()
	resp.Type = frameTypeInitRes
	resp.ID = frame.ID
	if err := writeInitMessage(resp, c.cfg.localHostPort, c.cfg.processName); err != nil {
		c.cfg.pool.Release(resp)
		c.teardown(err)
		return
	}
	if err := c.sendFrame(resp); err != nil {
		return
	}

	if hostPort != ephemeralHostPort && c.cfg.onIdentified != nil {
		c.cfg.onIdentified(hostPort, c)
	}

	c.startSweep()
}

func (c *Connection) handleInitRes(frame *Frame) {
	hostPort, processName, err := readInitMessage(frame)
	c.cfg.pool.Release(frame)
	if err != nil {
		c.failInit(err)
		return
	}

	c.mu.Lock()
	if c.state != connectionWaitingToRecvInitRes {
		c.mu.Unlock()
		c.failInit(fmt.Errorf("init response received out of order"))
		return
	}
	c.remoteHostPort = hostPort
	c.remoteProcessName = processName
	c.state = connectionActive
	c.mu.Unlock()

	c.startSweep()

	select {
	case c.initResult <- nil:
	default:
	}
}

func (c *Connection) failInit(err error) {
	select {
	case c.initResult <- err:
	default:
	}
	c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, err))
}

// --- outbound calls ---------------------------------------------------------

// RequestOptions configures an outbound call (spec.md §4.2 "makeOutgoingRequest").
type RequestOptions struct {
	ServiceName string
	Operation   string
	TTL         time.Duration // 0 uses the channel's ReqTimeoutDefault
}

// Request begins a new outbound call, enrolling it in the operation table
// so the response (or a timeout) can find its way back (spec.md §4.2, §4.4).
func (c *Connection) Request(opts RequestOptions) (*OutgoingCallReq, error) {
	if c.isClosing() {
		return nil, ErrConnectionClosed
	}

	c.mu.Lock()
	if c.state != connectionActive {
		c.mu.Unlock()
		return nil, ErrConnectionNotReady
	}
	c.mu.Unlock()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.reqTimeoutDefault
	}

	maxPending := c.cfg.maxPendingRequests
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingRequests
	}
	if out, _ := c.outbound.counts(); int(out) >= maxPending {
		return nil, ErrTooManyPendingRequests
	}

	// The id counter wraps at 2^32 (spec.md §9 "allocate via a per-connection
	// counter, wrapping on 2^32 but refusing enroll if wrap would collide
	// with a live entry"); a collision just means the wrapped-around id is
	// still live, so retry with the next id rather than failing the call.
	// Bounded by maxPending: that many live entries is the most collisions
	// a single wraparound could possibly produce.
	for attempts := 0; attempts < maxPending; attempts++ {
		id := c.nextID.Inc()
		req := newOutgoingCallReq(c, c.cfg.pool, id, ttl, c.cfg.checksumType, opts.ServiceName, opts.Operation)
		entry := &outboundEntry{req: req, start: c.cfg.clock.Now()}
		if err := c.outbound.enrollOutbound(id, entry); err != nil {
			if err == ErrCallIDInUse {
				continue
			}
			return nil, err
		}
		return req, nil
	}
	return nil, ErrTooManyPendingRequests
}

func (c *Connection) handleCallResFirst(frame *Frame) {
	frag, ok, err := parseCallResFirstFragment(frame)
	if err != nil {
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: malformed callRes id=%d: %v", c.direction, frame.ID, err)
		return
	}

	contCh := make(chan *Frame, 16)
	entry, found := c.outbound.setOutboundContCh(frame.ID, contCh)
	if !found {
		// Late response for a call we've already timed out/dropped, or a
		// response for an id we never sent -- not fatal, just stale.
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: callRes for unknown id=%d", c.direction, frame.ID)
		return
	}

	source := &fragmentSource{first: frag, firstFrame: frame, checksum: frag.checksum, contCh: contCh, done: c.doneCh, pool: c.cfg.pool}
	go c.assembleResponse(frame.ID, entry, source, ok)
}

func (c *Connection) assembleResponse(id uint32, entry *outboundEntry, source *fragmentSource, ok bool) {
	arg2, arg3, err := readCallParts(source)

	popped, found := c.outbound.popOutbound(id)
	if !found {
		// The sweep already dropped this entry as lingering; nothing left
		// to notify.
		return
	}

	if err != nil {
		popped.req.fail(err)
		return
	}

	_ = entry // entry == popped by construction; kept for symmetry with inbound path
	popped.req.succeed(&IncomingCallRes{ID: id, OK: ok, Arg2: arg2, Arg3: arg3})
}

func (c *Connection) routeOutboundContinuation(frame *Frame) {
	entry, ok := c.outbound.peekOutbound(frame.ID)
	if !ok || entry.contCh == nil {
		c.cfg.pool.Release(frame)
		return
	}
	select {
	case entry.contCh <- frame:
	default:
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: dropping callResContinue id=%d, continuation buffer full", c.direction, frame.ID)
	}
}

func (c *Connection) handleCallError(frame *Frame) {
	originalID, message, err := readCallError(frame)
	c.cfg.pool.Release(frame)
	if err != nil {
		c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, err))
		return
	}

	entry, found := c.outbound.popOutbound(originalID)
	if !found {
		c.log.Warnf("%s: callError for unknown id=%d: %s", c.direction, originalID, message)
		return
	}
	entry.req.fail(fmt.Errorf("tchannel: call error: %s", message))
}

// --- inbound calls -----------------------------------------------------

func (c *Connection) handleCallReqFirst(frame *Frame) {
	c.mu.Lock()
	active := c.state == connectionActive
	c.mu.Unlock()
	if !active {
		c.cfg.pool.Release(frame)
		c.teardown(newProtocolError(c.RemoteHostPort(), c.cfg.localHostPort, fmt.Errorf("call frame received before init complete")))
		return
	}

	frag, ttl, serviceName, operation, err := parseCallReqFirstFragment(frame)
	if err != nil {
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: malformed callReq id=%d: %v", c.direction, frame.ID, err)
		return
	}

	contCh := make(chan *Frame, 16)
	req := &IncomingCallReq{
		ID:          frame.ID,
		ServiceName: serviceName,
		Operation:   operation,
		RemoteAddr:  c.RemoteHostPort(),
		TTL:         ttl,
	}
	entry := &inboundEntry{req: req, start: c.cfg.clock.Now(), contCh: contCh}
	if err := c.inbound.enrollInbound(frame.ID, entry); err != nil {
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: duplicate inbound call id=%d", c.direction, frame.ID)
		return
	}

	source := &fragmentSource{first: frag, firstFrame: frame, checksum: frag.checksum, contCh: contCh, done: c.doneCh, pool: c.cfg.pool}

	// Dispatch is deferred to its own goroutine (spec.md §4.4 step 3: the
	// handler callback always runs on a fresh tick, never synchronously
	// inside frame processing) so recvLoop can keep draining the socket
	// while arg2/arg3 are assembled and the handler runs.
	go c.dispatchInbound(entry, source)
}

func (c *Connection) routeInboundContinuation(frame *Frame) {
	entry, ok := c.inbound.getInbound(frame.ID)
	if !ok {
		c.cfg.pool.Release(frame)
		return
	}
	select {
	case entry.contCh <- frame:
	default:
		c.cfg.pool.Release(frame)
		c.log.Warnf("%s: dropping callReqContinue id=%d, continuation buffer full", c.direction, frame.ID)
	}
}

func (c *Connection) dispatchInbound(entry *inboundEntry, source *fragmentSource) {
	arg2, arg3, err := readCallParts(source)
	if err != nil {
		c.inbound.popInboundIfCurrent(entry.req.ID, entry)
		c.log.Warnf("%s: failed to assemble call id=%d: %v", c.direction, entry.req.ID, err)
		return
	}
	entry.req.Arg2 = arg2
	entry.req.Arg3 = arg3

	id := entry.req.ID

	buildResponse := func(ok bool) (*OutgoingCallRes, error) {
		entry.resMu.Lock()
		defer entry.resMu.Unlock()
		if entry.built {
			return nil, ErrNotActive
		}
		entry.built = true
		res := newOutgoingCallRes(c, c.cfg.pool, id, c.cfg.checksumType, ok)
		res.onFinish = func() {
			c.inbound.popInboundIfCurrent(id, entry)
		}
		entry.res = res
		return res, nil
	}

	handler := c.cfg.handler
	if handler == nil {
		handler = noHandler{}
	}
	handler.HandleRequest(entry.req, buildResponse)
}

// --- timeout sweep -----------------------------------------------------

func (c *Connection) startSweep() {
	interval := sweepInterval(c.cfg.timeoutCheckInterval, c.cfg.timeoutFuzz, c.cfg.random)
	c.mu.Lock()
	c.sweepTimer = c.cfg.clock.AfterFunc(interval, c.sweepOnce)
	c.mu.Unlock()
}

func (c *Connection) sweepOnce() {
	if c.isClosing() {
		return
	}

	if c.lastTimeoutTime.Load() != 0 {
		c.log.Warnf("%s: dead link detected (%s), no progress since last sweep", c.direction, c.RemoteHostPort())
		c.conn.Close() // recvLoop observes the error and tears the connection down
		return
	}

	now := c.cfg.clock.Now()
	sawFreshTimeout := false

	for id, e := range c.outbound.outstandingOutbound() {
		if e.timedOut.Load() {
			if c.outbound.dropLingeringOutbound(id) {
				c.log.Warnf("%s: dropping lingering outbound call id=%d, response never arrived", c.direction, id)
			}
			continue
		}

		ttl := e.req.TTL
		if ttl <= 0 {
			ttl = c.cfg.reqTimeoutDefault
		}
		if now.Sub(e.start) > ttl {
			e.timedOut.Store(true)
			sawFreshTimeout = true
			e.req.fail(ErrTimedOut)
		}
	}

	for id, e := range c.inbound.outstandingInbound() {
		if now.Sub(e.start) > c.cfg.serverTimeoutDefault {
			if c.inbound.popInboundIfCurrent(id, e) {
				c.log.Warnf("%s: dropping inbound call id=%d, handler exceeded server timeout", c.direction, id)
			}
		}
	}

	if sawFreshTimeout {
		c.lastTimeoutTime.Store(now.UnixNano())
	}

	c.startSweep()
}

// --- teardown ------------------------------------------------------------

// teardown runs exactly once: it stops the sweep, retires every outstanding
// operation, closes the socket and notifies Channel. err is attached to
// every pending outbound call (spec.md §4.4 "Bytestream error/close").
func (c *Connection) teardown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = connectionClosing
		timer := c.sweepTimer
		c.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}

		close(c.doneCh)

		for _, e := range c.outbound.clearOutbound() {
			e.req.fail(err)
		}
		c.inbound.clearInbound() // abandoned silently: no reply channel survives a torn-down socket

		c.conn.Close()

		c.mu.Lock()
		c.state = connectionClosed
		c.mu.Unlock()

		if c.cfg.onClosed != nil {
			c.cfg.onClosed(c)
		}

		close(c.closedCh)
	})
}

// Close tears the connection down from the owning Channel, e.g. on
// Channel.Close (spec.md §4.5).
func (c *Connection) Close() {
	c.teardown(ErrShutdown)
	<-c.closedCh
}
