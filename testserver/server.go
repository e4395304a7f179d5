// Package testserver is a minimal QUIC responder speaking the request
// exchange format. It is used by end-to-end tests and by cmd/dumb-server.
package testserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/quicconn"
)

// Request is one decoded request.
type Request struct {
	StreamID protocol.StreamID
	Headers  codec.Headers
	Body     []byte
}

func (r Request) Path() string {
	p, _ := r.Headers.Get(":path")
	return p
}

// Response describes the reply to one request. Raw, when set, is written
// verbatim instead of an encoded header block and body. A non-zero Reset
// resets the stream without replying.
type Response struct {
	Status  int
	Headers codec.Headers
	Body    []byte
	Raw     []byte
	Reset   protocol.ErrorCode
}

type Handler func(Request) Response

// Echo answers every request with 200 and the request path.
func Echo(r Request) Response {
	return Response{
		Status:  200,
		Headers: codec.Headers{}.Add("content-type", "text/plain"),
		Body:    []byte("hello from " + r.Path() + "\n"),
	}
}

type Config struct {
	// Addr is the UDP listen address, 127.0.0.1:0 by default.
	Addr string
	Host string
	ALPN string
	// Certificate is generated for Host when empty.
	Certificate tls.Certificate
	// MaxIncomingStreams bounds concurrently open request streams per connection.
	MaxIncomingStreams int64
	// GoAwayAfter sends a GOAWAY on a connection once it served that many requests.
	GoAwayAfter int
	GoAwayCode  protocol.ErrorCode
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:0"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.ALPN == "" {
		c.ALPN = consts.DefaultALPN
	}
	if c.MaxIncomingStreams == 0 {
		c.MaxIncomingStreams = consts.DefaultMaxOpenStreams
	}
	if c.GoAwayAfter > 0 && c.GoAwayCode == 0 {
		c.GoAwayCode = protocol.PeerGoingAway
	}
}

type Server struct {
	conf    Config
	handler Handler
	ln      *quic.Listener
	roots   *x509.CertPool
	log     *zap.Logger

	requests atomic.Int64
	closeMu  sync.Mutex
	closed   bool
}

// Listen binds the listener. Serve must be called to accept connections.
func Listen(conf Config, handler Handler, log *zap.Logger) (*Server, error) {
	conf.setDefaults()
	if handler == nil {
		handler = Echo
	}

	roots := x509.NewCertPool()
	if conf.Certificate.Certificate == nil {
		cert, pool, err := SelfSigned(conf.Host)
		if err != nil {
			return nil, err
		}
		conf.Certificate, roots = cert, pool
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{conf.Certificate},
		NextProtos:   []string{conf.ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(conf.Addr, tlsConf, &quic.Config{
		MaxIncomingStreams:    conf.MaxIncomingStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        consts.DefaultIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", conf.Addr, err)
	}

	log = log.Named("testserver")
	log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.String("alpn", conf.ALPN))
	return &Server{
		conf:    conf,
		handler: handler,
		ln:      ln,
		roots:   roots,
		log:     log,
	}, nil
}

func (s *Server) Addr() netip.AddrPort {
	return s.ln.Addr().(*net.UDPAddr).AddrPort()
}

// RootCAs trusts the generated certificate. It is empty for a configured one.
func (s *Server) RootCAs() *x509.CertPool { return s.roots }

// Requests is the number of requests answered so far.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := s.ln.Accept(ctx)
			if err != nil {
				if s.isClosed() || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ln.Close()
}

func (s *Server) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

type serverConn struct {
	s      *Server
	conn   quic.Connection
	log    *zap.Logger
	served atomic.Int64
	once   sync.Once
}

func (s *Server) serveConn(ctx context.Context, conn quic.Connection) {
	c := &serverConn{
		s:    s,
		conn: conn,
		log:  s.log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
	c.log.Debug("connection accepted")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		qs, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.CloseWithError(quic.ApplicationErrorCode(protocol.NoError), "server shutdown")
			}
			c.log.Debug("connection done", zap.Error(err))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveStream(qs)
		}()
	}
}

func (c *serverConn) serveStream(qs quic.Stream) {
	id := protocol.StreamID(qs.StreamID())
	log := c.log.With(zap.Stringer("stream_id", id))

	req, err := readRequest(qs)
	if err != nil {
		log.Warn("bad request", zap.Error(err))
		qs.CancelRead(quic.StreamErrorCode(protocol.BadApplicationPayload))
		qs.CancelWrite(quic.StreamErrorCode(protocol.BadApplicationPayload))
		return
	}
	req.StreamID = id
	log.Debug("request", zap.Stringer("headers", req.Headers), zap.Int("body_size", len(req.Body)))

	resp := c.s.handler(req)
	if resp.Reset != 0 {
		qs.CancelWrite(quic.StreamErrorCode(resp.Reset))
		return
	}
	if _, err := qs.Write(encodeResponse(id, resp)); err != nil {
		log.Debug("write response", zap.Error(err))
		return
	}
	qs.Close()
	c.s.requests.Add(1)

	if n := c.served.Add(1); c.s.conf.GoAwayAfter > 0 && n >= int64(c.s.conf.GoAwayAfter) {
		c.once.Do(func() { c.goAway(id) })
	}
}

// goAway tells the client no stream after lastStreamID will be served.
func (c *serverConn) goAway(lastStreamID protocol.StreamID) {
	us, err := c.conn.OpenUniStream()
	if err != nil {
		c.log.Warn("open control stream", zap.Error(err))
		return
	}
	frame := quicconn.AppendGoAwayFrame(nil, lastStreamID, c.s.conf.GoAwayCode, "draining")
	if _, err := us.Write(frame); err != nil {
		c.log.Warn("write goaway", zap.Error(err))
		return
	}
	us.Close()
	c.log.Info("goaway sent", zap.Stringer("last_stream_id", lastStreamID))
}

func readRequest(r io.Reader) (Request, error) {
	b, err := io.ReadAll(io.LimitReader(r, consts.MaxHeaderBlockSize+1<<20))
	if err != nil {
		return Request{}, err
	}
	if _, ok := codec.BlockLen(b); !ok {
		return Request{}, fmt.Errorf("stream finished after %d bytes: %w", len(b), codec.ErrIncomplete)
	}
	h, n, err := codec.Decode(b)
	if err != nil {
		return Request{}, err
	}
	return Request{Headers: h, Body: bytes.Clone(b[n:])}, nil
}

func encodeResponse(id protocol.StreamID, resp Response) []byte {
	if resp.Raw != nil {
		return resp.Raw
	}
	status := resp.Status
	if status == 0 {
		status = 200
	}
	h := codec.Headers{}.Add(codec.StatusHeader, strconv.Itoa(status))
	if _, ok := resp.Headers.Get(codec.ContentLengthHeader); !ok {
		h = h.Add(codec.ContentLengthHeader, strconv.Itoa(len(resp.Body)))
	}
	h = append(h, resp.Headers...)

	out := codec.NewEncoder().AppendBlock(nil, id, h, len(resp.Body) == 0)
	return append(out, resp.Body...)
}
