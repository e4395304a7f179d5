package testserver_test

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/frameheader"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/testserver"
)

func startServer(t *testing.T, conf testserver.Config, h testserver.Handler) *testserver.Server {
	t.Helper()
	srv, err := testserver.Listen(conf, h, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

func dial(t *testing.T, srv *testserver.Server) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, net.UDPAddrFromAddrPort(srv.Addr()).String(), &tls.Config{
		ServerName: "localhost",
		RootCAs:    srv.RootCAs(),
		NextProtos: []string{consts.DefaultALPN},
		MinVersion: tls.VersionTLS13,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseWithError(0, "") })
	return conn
}

func roundTrip(t *testing.T, conn quic.Connection, h codec.Headers, body []byte) (codec.Headers, []byte) {
	t.Helper()
	qs, err := conn.OpenStream()
	require.NoError(t, err)

	req := codec.NewEncoder().AppendBlock(nil, protocol.StreamID(qs.StreamID()), h, len(body) == 0)
	_, err = qs.Write(append(req, body...))
	require.NoError(t, err)
	require.NoError(t, qs.Close())

	b, err := io.ReadAll(qs)
	require.NoError(t, err)
	resp, n, err := codec.Decode(b)
	require.NoError(t, err)
	return resp, b[n:]
}

func TestServerEcho(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	srv := startServer(t, testserver.Config{}, nil)
	conn := dial(t, srv)

	h := codec.Headers{}.Add(":method", "GET").Add(":path", "/index")
	resp, body := roundTrip(t, conn, h, nil)

	status, ok := resp.Status()
	a.True(ok)
	a.Equal(200, status)
	a.Equal("hello from /index\n", string(body))
	n, ok, err := resp.ContentLength()
	a.NoError(err)
	a.True(ok)
	a.Equal(int64(len(body)), n)
	a.Equal(int64(1), srv.Requests())
}

func TestServerHandlerSeesBody(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var got testserver.Request
	reqs := make(chan testserver.Request, 1)
	srv := startServer(t, testserver.Config{}, func(r testserver.Request) testserver.Response {
		reqs <- r
		return testserver.Response{Status: 201}
	})
	conn := dial(t, srv)

	h := codec.Headers{}.Add(":method", "POST").Add(":path", "/upload")
	resp, body := roundTrip(t, conn, h, []byte("payload"))
	got = <-reqs

	a.Equal("/upload", got.Path())
	a.Equal("payload", string(got.Body))
	a.Equal(protocol.StreamID(0), got.StreamID)
	status, _ := resp.Status()
	a.Equal(201, status)
	a.Empty(body)
}

func TestServerGoAway(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	srv := startServer(t, testserver.Config{GoAwayAfter: 1}, nil)
	conn := dial(t, srv)

	roundTrip(t, conn, codec.Headers{}.Add(":path", "/"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	us, err := conn.AcceptUniStream(ctx)
	require.NoError(t, err)
	b, err := io.ReadAll(us)
	require.NoError(t, err)

	fh, ok := frameheader.Peek(b)
	require.True(t, ok)
	a.Equal(http2.FrameGoAway, fh.Type())
	payload := b[frameheader.Len:fh.BlockLen()]
	a.Equal(uint32(0), binary.BigEndian.Uint32(payload[:4]))
	a.Equal(uint32(protocol.PeerGoingAway), binary.BigEndian.Uint32(payload[4:8]))
	a.Equal("draining", string(payload[8:]))
}

func TestServerRejectsTruncatedRequest(t *testing.T) {
	t.Parallel()
	srv := startServer(t, testserver.Config{}, nil)
	conn := dial(t, srv)

	qs, err := conn.OpenStream()
	require.NoError(t, err)
	_, err = qs.Write([]byte{0, 0, 9})
	require.NoError(t, err)
	require.NoError(t, qs.Close())

	_, err = io.ReadAll(qs)
	var serr *quic.StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, quic.StreamErrorCode(protocol.BadApplicationPayload), serr.ErrorCode)
	assert.Zero(t, srv.Requests())
}
