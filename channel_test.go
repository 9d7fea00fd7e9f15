package tchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, name string) *Channel {
	t.Helper()
	ch, err := NewChannel(name, &Options{Logger: NullLogger{}})
	require.NoError(t, err)
	return ch
}

func TestChannelRequestBeforeListenIsClientOnly(t *testing.T) {
	client := newTestChannel(t, "client-only")
	t.Cleanup(func() { client.Close() })

	server := newTestChannel(t, "server")
	require.NoError(t, server.Register(HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		res, err := buildResponse(true)
		require.NoError(t, err)
		require.NoError(t, res.SendOK([]byte("pong"), nil))
	}), "ping", "ping"))
	require.NoError(t, server.Listen("127.0.0.1:0"))
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.Call(ctx, server.HostPort(), RequestOptions{ServiceName: "ping", Operation: "ping"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "pong", string(res.Arg2))
}

func TestChannelRegisterRejectsDuplicate(t *testing.T) {
	ch := newTestChannel(t, "dup")
	t.Cleanup(func() { ch.Close() })

	noop := HandlerFunc(func(*IncomingCallReq, func(bool) (*OutgoingCallRes, error)) {})
	require.NoError(t, ch.Register(noop, "svc", "op"))
	err := ch.Register(noop, "svc", "op")
	require.ErrorIs(t, err, ErrInvalidHandlerForRegistration)
}

func TestChannelDefaultHandlerFallback(t *testing.T) {
	server := newTestChannel(t, "fallback-server")
	server.opts.Handler = HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		res, err := buildResponse(true)
		require.NoError(t, err)
		require.NoError(t, res.SendOK([]byte("fallback"), nil))
	})
	require.NoError(t, server.Listen("127.0.0.1:0"))
	t.Cleanup(func() { server.Close() })

	client := newTestChannel(t, "fallback-client")
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := client.Call(ctx, server.HostPort(), RequestOptions{ServiceName: "unregistered", Operation: "op"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "fallback", string(res.Arg2))
}

func TestChannelRequestRejectsMalformedHostPort(t *testing.T) {
	client := newTestChannel(t, "bad-hostport")
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Request(ctx, "not-a-hostport", RequestOptions{ServiceName: "svc", Operation: "op"})
	require.ErrorIs(t, err, ErrInvalidHostPort)
}

func TestChannelCloseRejectsFurtherRequests(t *testing.T) {
	server := newTestChannel(t, "closing-server")
	require.NoError(t, server.Listen("127.0.0.1:0"))
	hostPort := server.HostPort()
	require.NoError(t, server.Close())

	client := newTestChannel(t, "closing-client")
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Request(ctx, hostPort, RequestOptions{ServiceName: "svc", Operation: "op"})
	require.ErrorIs(t, err, ErrChannelDestroyed)
}

func TestChannelDoubleCloseFails(t *testing.T) {
	ch := newTestChannel(t, "double-close")
	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Close(), ErrChannelAlreadyClosed)
}

func TestChannelListenRejectsWildcardHost(t *testing.T) {
	ch := newTestChannel(t, "wildcard-host")
	t.Cleanup(func() { ch.Close() })
	require.ErrorIs(t, ch.Listen("0.0.0.0:0"), ErrWildcardHost)
}

func TestChannelListenTwiceFails(t *testing.T) {
	ch := newTestChannel(t, "double-listen")
	require.NoError(t, ch.Listen("127.0.0.1:0"))
	t.Cleanup(func() { ch.Close() })

	err := ch.Listen("127.0.0.1:0")
	require.ErrorIs(t, err, ErrChannelAlreadyListening)
}

func TestChannelConnectionReuseAcrossCalls(t *testing.T) {
	var calls int
	server := newTestChannel(t, "reuse-server")
	require.NoError(t, server.Register(HandlerFunc(func(req *IncomingCallReq, buildResponse func(bool) (*OutgoingCallRes, error)) {
		calls++
		res, err := buildResponse(true)
		require.NoError(t, err)
		require.NoError(t, res.SendOK(nil, nil))
	}), "svc", "op"))
	require.NoError(t, server.Listen("127.0.0.1:0"))
	t.Cleanup(func() { server.Close() })

	client := newTestChannel(t, "reuse-client")
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.Call(ctx, server.HostPort(), RequestOptions{ServiceName: "svc", Operation: "op"}, nil, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)
	require.Len(t, client.peers.all(), 1, "repeated calls to the same peer should reuse one connection")
}
