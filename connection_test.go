package tchannel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newConnPair wires two Connections directly over a net.Pipe, skipping
// Channel/PeerRegistry, so lower-level call/timeout/dead-link behavior can be
// exercised without a real listening socket. It mirrors what
// newOutboundConnection/newInboundConnection do internally, minus the dial.
func newConnPair(t *testing.T, serverHandler RequestHandler, checkInterval time.Duration) (client, server *Connection) {
	t.Helper()

	clientNetConn, serverNetConn := net.Pipe()

	base := connectionConfig{
		log:                  NullLogger{},
		clock:                NewRealClock(),
		random:                constantRandom{v: 0.5},
		pool:                 NewFramePool(),
		checksumType:         ChecksumTypeCrc32,
		reqTimeoutDefault:    time.Second,
		serverTimeoutDefault: time.Second,
		timeoutCheckInterval: checkInterval,
		timeoutFuzz:          0,
		sendQueueSize:        64,
	}

	clientCfg := base
	clientCfg.localHostPort = "127.0.0.1:1111"
	clientCfg.processName = "test-client"

	serverCfg := base
	serverCfg.localHostPort = "127.0.0.1:2222"
	serverCfg.processName = "test-server"
	serverCfg.handler = serverHandler

	var err error
	server, err = newConnection(serverCfg, serverNetConn, connectionInbound, clientNetConn.LocalAddr().String())
	require.NoError(t, err)

	client, err = newConnection(clientCfg, clientNetConn, connectionOutbound, serverCfg.localHostPort)
	require.NoError(t, err)

	require.NoError(t, client.sendInitRequest(context.Background()))

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server
}

// constantRandom removes sweep-interval jitter from tests that need
// deterministic timing.
type constantRandom struct{ v float64 }

func (r constantRandom) Float64() float64 { return r.v }

func TestConnectionSimpleCallRoundTrip(t *testing.T) {
	handler := HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		res, err := buildResponse(true)
		require.NoError(t, err)
		require.NoError(t, res.SendOK(append([]byte("echo:"), req.Arg2...), req.Arg3))
	})

	client, _ := newConnPair(t, handler, time.Hour)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs([]byte("hello"), []byte("world")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := req.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "echo:hello", string(res.Arg2))
	require.Equal(t, "world", string(res.Arg3))
}

func TestConnectionNoHandlerReturnsNotOK(t *testing.T) {
	client, _ := newConnPair(t, nil, time.Hour)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "missing", TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs(nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := req.Wait(ctx)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Empty(t, res.Arg2)
	require.Equal(t, ErrNoHandler.Error(), string(res.Arg3))
}

func TestConnectionPerRequestTimeout(t *testing.T) {
	handler := HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		time.Sleep(200 * time.Millisecond)
		if res, err := buildResponse(true); err == nil {
			_ = res.SendOK(nil, nil)
		}
	})

	client, _ := newConnPair(t, handler, 10*time.Millisecond)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: 15 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs(nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = req.Wait(ctx)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestConnectionDeadLinkDoubleSweepCloses(t *testing.T) {
	handler := HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		// Never responds: simulates a peer that has stopped making progress.
	})

	client, _ := newConnPair(t, handler, 10*time.Millisecond)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: 15 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs(nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	require.ErrorIs(t, err, ErrTimedOut)

	require.Eventually(t, func() bool {
		return client.isClosing()
	}, 2*time.Second, 10*time.Millisecond, "a second sweep with no progress should tear the connection down")
}

func TestConnectionShutdownFailsInFlightCall(t *testing.T) {
	handler := HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		time.Sleep(200 * time.Millisecond)
		if res, err := buildResponse(true); err == nil {
			_ = res.SendOK(nil, nil)
		}
	})

	client, _ := newConnPair(t, handler, time.Hour)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs(nil, nil))

	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestConnectionLargeStreamingRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0x5A}, 150000)
	header := []byte("x-trace-id: abc123")

	handler := HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		res, err := buildResponse(true)
		require.NoError(t, err)
		require.NoError(t, res.SendOK(req.Arg2, req.Arg3))
	})

	client, _ := newConnPair(t, handler, time.Hour)

	req, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "stream", TTL: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, req.WriteArgs(header, body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := req.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, header, res.Arg2)
	require.True(t, bytes.Equal(body, res.Arg3))
}

func TestConnectionCallIDCollisionIsRetried(t *testing.T) {
	client, _ := newConnPair(t, nil, time.Hour)

	req1, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.NoError(t, err)

	client.nextID.Store(client.nextID.Load() - 1) // force the next allocated id to collide with req1's
	req2, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.NoError(t, err)
	require.NotEqual(t, req1.ID, req2.ID, "a colliding id should be retried rather than rejected")
}

func TestConnectionMaxPendingRequestsExceeded(t *testing.T) {
	client, _ := newConnPair(t, nil, time.Hour)
	client.cfg.maxPendingRequests = 1

	_, err := client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.NoError(t, err)

	_, err = client.Request(RequestOptions{ServiceName: "svc", Operation: "op", TTL: time.Second})
	require.ErrorIs(t, err, ErrTooManyPendingRequests)
}
