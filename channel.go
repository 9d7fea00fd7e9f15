package tchannel

// Copyright (c) 2015 Uber Technologies, Inc.

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Default timeouts, matching SPEC_FULL.md §6 "Options".
const (
	DefaultReqTimeout           = 5000 * time.Millisecond
	DefaultServerTimeout        = 5000 * time.Millisecond
	DefaultTimeoutCheckInterval = 1000 * time.Millisecond
	DefaultTimeoutFuzz          = 100 * time.Millisecond
	DefaultSendQueueSize        = 512

	// DefaultMaxPendingRequests is the per-connection bound on enrolled
	// outbound calls, resolving spec.md §9's "4Mi outstanding" comment into
	// an explicit, configurable limit (Options.MaxPendingRequests).
	DefaultMaxPendingRequests = 4 * 1024 * 1024
)

// Options configures a Channel, generalizing the teacher's ChannelOptions/
// ConnectionOptions (golang/channel.go, connection.go) to this spec's
// explicit timeout/Clock/Random seams (spec.md §5).
type Options struct {
	ProcessName string
	Logger      Logger

	Clock  Clock
	Random Random

	FramePool    FramePool
	ChecksumType ChecksumType

	ReqTimeoutDefault    time.Duration
	ServerTimeoutDefault time.Duration
	TimeoutCheckInterval time.Duration
	TimeoutFuzz          time.Duration
	SendQueueSize        int

	// MaxPendingRequests bounds the number of outbound calls a single
	// Connection may have enrolled at once (spec.md §9 "4Mi outstanding" ->
	// explicit bound). A Request issued once the bound is reached fails
	// with ErrTooManyPendingRequests instead of allocating a call id that
	// could collide with a still-live entry after the id counter wraps.
	// Leave zero to use DefaultMaxPendingRequests.
	MaxPendingRequests int

	// Handler answers every inbound call the Channel doesn't have a more
	// specific Register-ed handler for. Leave nil to rely solely on
	// Register.
	Handler RequestHandler
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = NullLogger{}
	}
	if o.Clock == nil {
		o.Clock = NewRealClock()
	}
	if o.Random == nil {
		o.Random = NewRealRandom()
	}
	if o.FramePool == nil {
		o.FramePool = DefaultFramePool
	}
	if o.ChecksumType == 0 {
		o.ChecksumType = ChecksumTypeCrc32
	}
	if o.ReqTimeoutDefault <= 0 {
		o.ReqTimeoutDefault = DefaultReqTimeout
	}
	if o.ServerTimeoutDefault <= 0 {
		o.ServerTimeoutDefault = DefaultServerTimeout
	}
	if o.TimeoutCheckInterval <= 0 {
		o.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if o.TimeoutFuzz <= 0 {
		o.TimeoutFuzz = DefaultTimeoutFuzz
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxPendingRequests <= 0 {
		o.MaxPendingRequests = DefaultMaxPendingRequests
	}
}

// Channel is a bidirectional, multiplexed RPC endpoint: it can both dial out
// to peers (Request) and, once Listen is called, accept inbound connections
// and dispatch their calls to registered handlers (spec.md §1-§2). It is the
// generalization of the teacher's TChannel (golang/channel.go) to persistent,
// reused peer connections and a typed timeout/Clock-driven sweep rather than
// a fresh dial per call.
type Channel struct {
	opts     Options
	log      Logger
	hostPort string

	handlers *handlerMap
	peers    *PeerRegistry

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewChannel creates a Channel that will dial out as processName (spec.md §2
// "Channel construction"). It binds no address: the address to listen on is
// given to Listen, exactly as in the teacher's NewChannel/ListenAndHandle
// split.
func NewChannel(processName string, opts *Options) (*Channel, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.ProcessName = processName
	o.setDefaults()

	return &Channel{
		opts:     o,
		log:      o.Logger,
		handlers: newHandlerMap(),
	}, nil
}

// HostPort returns the address Listen bound to, or "" before Listen runs.
func (ch *Channel) HostPort() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.hostPort
}

// Register installs h for serviceName/operation (spec.md §4.6). It is an
// error to register the same (serviceName, operation) pair twice.
func (ch *Channel) Register(h RequestHandler, serviceName, operation string) error {
	return ch.handlers.register(h, serviceName, operation)
}

func (ch *Channel) connectionConfig() connectionConfig {
	return connectionConfig{
		localHostPort:        ch.hostPort,
		processName:          ch.opts.ProcessName,
		log:                  ch.log,
		clock:                ch.opts.Clock,
		random:               ch.opts.Random,
		pool:                 ch.opts.FramePool,
		checksumType:         ch.opts.ChecksumType,
		reqTimeoutDefault:    ch.opts.ReqTimeoutDefault,
		serverTimeoutDefault: ch.opts.ServerTimeoutDefault,
		timeoutCheckInterval: ch.opts.TimeoutCheckInterval,
		timeoutFuzz:          ch.opts.TimeoutFuzz,
		sendQueueSize:        ch.opts.SendQueueSize,
		maxPendingRequests:   ch.opts.MaxPendingRequests,
		handler:              ch.requestHandler(),
		onIdentified: func(remoteHostPort string, conn *Connection) {
			ch.peers.registerInbound(remoteHostPort, conn)
		},
		onClosed: func(conn *Connection) {
			ch.peers.remove(conn.RemoteHostPort(), conn)
		},
	}
}

// requestHandler resolves per-call dispatch to the registered handlers,
// falling back to a Channel-wide default handler and finally to noHandler
// (spec.md §6 "handler resolution order").
func (ch *Channel) requestHandler() RequestHandler {
	if ch.opts.Handler != nil {
		return dispatchHandler{handlers: ch.handlers, fallback: ch.opts.Handler}
	}
	return ch.handlers
}

type dispatchHandler struct {
	handlers *handlerMap
	fallback RequestHandler
}

func (d dispatchHandler) HandleRequest(req *IncomingCallReq, buildResponse func(ok bool) (*OutgoingCallRes, error)) {
	if h := d.handlers.find(req.ServiceName, req.Operation); h != nil {
		h.HandleRequest(req, buildResponse)
		return
	}
	d.fallback.HandleRequest(req, buildResponse)
}

// Listen binds hostPort and starts accepting inbound connections in the
// background (spec.md §2 "listening"). Must be called at most once.
func (ch *Channel) Listen(hostPort string) error {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return &ListenError{Host: hostPort, Cause: err}
	}
	if host == "" || host == "0.0.0.0" {
		return ErrWildcardHost
	}

	ch.mu.Lock()
	if ch.listener != nil {
		ch.mu.Unlock()
		return ErrChannelAlreadyListening
	}

	addr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		ch.mu.Unlock()
		return &ListenError{Host: hostPort, Cause: err}
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		ch.mu.Unlock()
		return &ListenError{Host: hostPort, RequestedPort: addr.Port, Cause: err}
	}

	ch.listener = l
	ch.hostPort = l.Addr().String()
	ch.peers = newPeerRegistry(ch.hostPort)
	ch.mu.Unlock()

	ch.log.Infof("%s listening on %s", ch.opts.ProcessName, ch.hostPort)
	go ch.acceptLoop(l)
	return nil
}

// acceptLoop mirrors the teacher's ListenAndHandle backoff loop
// (golang/channel.go) verbatim in spirit: temporary accept errors are
// retried with exponential backoff, permanent ones stop the loop.
func (ch *Channel) acceptLoop(l net.Listener) {
	backoff := time.Duration(0)
	for {
		netConn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if max := time.Second; backoff > max {
					backoff = max
				}
				ch.log.Warnf("accept error: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			ch.log.Errorf("unrecoverable accept error: %v; closing listener", err)
			return
		}
		backoff = 0

		if _, err := newInboundConnection(ch.connectionConfig(), netConn); err != nil {
			ch.log.Errorf("could not accept connection from %s: %v", netConn.RemoteAddr(), err)
			netConn.Close()
		}
	}
}

// Request dials (or reuses a connection to) hostPort and begins a new
// outbound call (spec.md §4.2). The caller writes arg2/arg3 via the
// returned OutgoingCallReq and then Waits for the response.
func (ch *Channel) Request(ctx context.Context, hostPort string, opts RequestOptions) (*OutgoingCallReq, error) {
	if err := validateHostPort(hostPort); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	closed := ch.closed
	peers := ch.peers
	ch.mu.Unlock()
	if closed {
		return nil, ErrChannelDestroyed
	}
	if peers == nil {
		// Listen was never called: this Channel can still place outbound
		// calls, it just can't receive any (spec.md §2 "client-only use").
		ch.mu.Lock()
		if ch.peers == nil {
			ch.peers = newPeerRegistry(ch.hostPort)
		}
		peers = ch.peers
		ch.mu.Unlock()
	}

	conn, err := peers.getOrCreateOutbound(ctx, hostPort, func(ctx context.Context, hp string) (*Connection, error) {
		return newOutboundConnection(ctx, ch.connectionConfig(), hp)
	})
	if err != nil {
		return nil, err
	}

	return conn.Request(opts)
}

// Call is the whole-buffer convenience wrapping Request/WriteArgs/Wait, the
// analogue of the teacher's RoundTrip (golang/channel.go).
func (ch *Channel) Call(ctx context.Context, hostPort string, opts RequestOptions, arg2, arg3 []byte) (*IncomingCallRes, error) {
	req, err := ch.Request(ctx, hostPort, opts)
	if err != nil {
		return nil, err
	}
	if err := req.WriteArgs(arg2, arg3); err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Close tears down the listener and every peer connection (spec.md §2
// "shutdown") and returns once each connection has finished its teardown.
// The returned error is the listener's close error, collected with
// go.uber.org/multierr; Connection.Close reports no error, so per-connection
// teardown failures are not returned. A second call raises
// ErrChannelAlreadyClosed rather than silently succeeding (spec.md §7 kind
// 1, §8 R2).
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelAlreadyClosed
	}
	ch.closed = true
	l := ch.listener
	peers := ch.peers
	ch.mu.Unlock()

	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	if peers != nil {
		for _, c := range peers.all() {
			c.Close()
		}
	}
	return err
}
