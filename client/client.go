//go:build linux

// Package client runs request/response exchanges over one QUIC connection.
// Every method must be called from the same goroutine, which also pumps the
// event loop through the Wait* methods.
package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/quicreq/config"
	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/driver"
	"github.com/ozontech/quicreq/eventloop"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/quicconn"
	"github.com/ozontech/quicreq/report"
	"github.com/ozontech/quicreq/report/noop"
	"github.com/ozontech/quicreq/scheduler"
	"github.com/ozontech/quicreq/session"
	"github.com/ozontech/quicreq/stream"
)

var (
	ErrNotInitialized = errors.New("client is not initialized")
	ErrConnectFailed  = errors.New("connection failed")
)

type Config struct {
	Server    protocol.ServerID
	LocalAddr netip.AddrPort
	ALPN      string
	Insecure  bool
	RootCAs   *x509.CertPool

	MaxOpenStreams   uint32
	HandshakeTimeout time.Duration
	StreamTimeout    time.Duration
	IdleTimeout      time.Duration
	// Tick bounds one event loop iteration in the Wait* methods.
	Tick time.Duration
	// Schedule paces SendRequestsAndWaitForResponse. Nil sends as fast as
	// the stream limit allows.
	Schedule scheduler.Scheduler

	ReceiveBufferSize int
	SendBufferSize    int
}

func DefaultConfig() Config {
	return Config{
		ALPN:             consts.DefaultALPN,
		MaxOpenStreams:   consts.DefaultMaxOpenStreams,
		HandshakeTimeout: consts.DefaultHandshakeTimeout,
		StreamTimeout:    consts.DefaultTimeout,
		IdleTimeout:      consts.DefaultIdleTimeout,
		Tick:             consts.Tick,
	}
}

// FromConfig resolves a file configuration.
func FromConfig(c config.Config) (Config, error) {
	server, err := c.ServerID()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Server:            server,
		LocalAddr:         c.LocalAddrPort(),
		ALPN:              c.ALPN,
		Insecure:          c.Insecure,
		MaxOpenStreams:    c.MaxOpenStreams,
		HandshakeTimeout:  c.HandshakeTimeout,
		StreamTimeout:     c.StreamTimeout,
		IdleTimeout:       c.IdleTimeout,
		Tick:              c.Tick,
		ReceiveBufferSize: c.ReceiveBufferSize,
		SendBufferSize:    c.SendBufferSize,
	}, nil
}

type inflight struct {
	tag   string
	size  int
	start time.Time
}

type Client struct {
	conf     Config
	reporter report.Reporter
	log      *zap.Logger

	loop    *eventloop.Loop
	driver  *driver.Driver
	conn    *quicconn.Conn
	session *session.Session

	inflight map[protocol.StreamID]inflight
	finished map[protocol.StreamID]report.Result
}

// New creates a client. reporter may be nil.
func New(conf Config, reporter report.Reporter, log *zap.Logger) *Client {
	if conf.Tick <= 0 {
		conf.Tick = consts.Tick
	}
	if reporter == nil {
		reporter = noop.New()
	}
	return &Client{
		conf:     conf,
		reporter: reporter,
		log:      log.Named("client").With(zap.Stringer("server", conf.Server)),
		inflight: make(map[protocol.StreamID]inflight),
		finished: make(map[protocol.StreamID]report.Result),
	}
}

// Initialize sets up the event loop, the socket, the transport and the
// session. A socket failure is returned as driver.ConnectionError.
func (c *Client) Initialize() (err error) {
	if c.session != nil {
		return errors.New("client already initialized")
	}
	loop, err := eventloop.New(c.log)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, loop.Close())
		}
	}()

	d, err := driver.Open(c.conf.Server.Addr, driver.Config{
		LocalAddr:         c.conf.LocalAddr,
		ReceiveBufferSize: c.conf.ReceiveBufferSize,
		SendBufferSize:    c.conf.SendBufferSize,
	}, c.log)
	if err != nil {
		return err
	}

	conn := quicconn.NewConn(quicconn.Config{
		Server:           c.conf.Server,
		ALPN:             c.conf.ALPN,
		Insecure:         c.conf.Insecure,
		RootCAs:          c.conf.RootCAs,
		HandshakeTimeout: c.conf.HandshakeTimeout,
		IdleTimeout:      c.conf.IdleTimeout,
	}, loop, d, c.log)
	sess := session.New(conn, d, session.Config{
		Server:         c.conf.Server,
		MaxOpenStreams: c.conf.MaxOpenStreams,
		StreamTimeout:  c.conf.StreamTimeout,
	}, c.log)
	conn.SetVisitor(sess)

	if err := d.Register(loop, conn); err != nil {
		return multierr.Append(err, d.Close())
	}

	c.loop, c.driver, c.conn, c.session = loop, d, conn, sess
	c.log.Debug("initialized", zap.Stringer("local_addr", d.LocalAddr()))
	return nil
}

// Connect starts the handshake and pumps the loop until keys are usable or
// the connection failed.
func (c *Client) Connect(ctx context.Context) error {
	if c.session == nil {
		return ErrNotInitialized
	}
	if err := c.session.StartHandshake(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	for c.EncryptionBeingEstablished() {
		if err := c.WaitForEvents(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}
	if !c.Connected() {
		if cerr := c.session.CloseError(); cerr != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, cerr)
		}
		return ErrConnectFailed
	}
	c.log.Info("connected")
	return nil
}

// Connected reports usable keys on a live connection.
func (c *Client) Connected() bool {
	return c.session != nil && c.session.EncryptionEstablished() && !c.session.Closed()
}

func (c *Client) EncryptionBeingEstablished() bool {
	return c.session != nil && !c.session.Closed() && c.session.IsHandshakePending()
}

// WaitForEvents runs one event loop iteration of at most one tick and then
// expires overdue streams.
func (c *Client) WaitForEvents(ctx context.Context) error {
	return c.runOnce(ctx, c.conf.Tick)
}

func (c *Client) runOnce(ctx context.Context, timeout time.Duration) error {
	if c.loop == nil {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout = max(0, min(timeout, c.conf.Tick))
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(0, min(timeout, time.Until(deadline)))
	}
	if _, err := c.loop.RunOnce(timeout); err != nil {
		return err
	}
	c.session.ExpireStreams(time.Now())
	return nil
}

func (c *Client) WaitForCryptoHandshakeConfirmed(ctx context.Context) error {
	if c.session == nil {
		return ErrNotInitialized
	}
	for !c.session.HandshakeConfirmed() {
		if c.session.Closed() {
			return c.session.CloseError()
		}
		if err := c.WaitForEvents(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CreateRequestStream opens a stream whose result is recorded once it closes.
func (c *Client) CreateRequestStream() (*stream.RequestStream, error) {
	if c.session == nil {
		return nil, ErrNotInitialized
	}
	rs, err := c.session.CreateOutgoingStream()
	if err != nil {
		return nil, err
	}
	c.inflight[rs.ID()] = inflight{start: time.Now()}
	rs.SetOnClose(c.onStreamClosed)
	return rs, nil
}

// SendRequest opens a stream and writes req on it.
func (c *Client) SendRequest(req Request) (*stream.RequestStream, error) {
	rs, err := c.CreateRequestStream()
	if err != nil {
		return nil, err
	}
	c.inflight[rs.ID()] = inflight{tag: req.Tag(), start: time.Now()}

	n, err := rs.SendRequest(req.Headers, req.Body, !req.KeepOpen)
	if err != nil {
		// the stream was reset and reported already
		delete(c.finished, rs.ID())
		return nil, err
	}
	if f, ok := c.inflight[rs.ID()]; ok {
		f.size = n
		c.inflight[rs.ID()] = f
	}
	return rs, nil
}

func (c *Client) onStreamClosed(rs *stream.RequestStream) {
	f := c.inflight[rs.ID()]
	delete(c.inflight, rs.ID())

	res := report.FromStream(rs, f.tag, f.size, f.start, time.Now())
	if rs.State() == stream.StateReset && rs.ResetCode() == protocol.ConnectionClosed {
		if cerr := c.session.CloseError(); cerr != nil {
			res.Err = fmt.Errorf("%w: %w", res.Err, cerr)
		}
	}
	c.finished[rs.ID()] = res
	c.reporter.Report(res)
}

// WaitForStreamToClose pumps the loop until stream id finished and returns
// its result.
func (c *Client) WaitForStreamToClose(ctx context.Context, id protocol.StreamID) (report.Result, error) {
	for {
		if res, ok := c.finished[id]; ok {
			delete(c.finished, id)
			return res, nil
		}
		if _, ok := c.inflight[id]; !ok {
			return report.Result{}, fmt.Errorf("stream %s: %w", id, session.ErrUnknownStream)
		}
		if err := c.WaitForEvents(ctx); err != nil {
			return report.Result{}, err
		}
	}
}

// SendRequestsAndWaitForResponse sends every request and waits until all of
// them finished. When the stream limit is reached it waits for a stream to
// close. A request that cannot be sent at all gets a result carrying the error.
func (c *Client) SendRequestsAndWaitForResponse(ctx context.Context, reqs []Request) ([]report.Result, error) {
	if c.session == nil {
		return nil, ErrNotInitialized
	}
	sched := c.conf.Schedule
	if sched == nil {
		sched = scheduler.Unlimited{}
	}
	results := make([]report.Result, len(reqs))
	pending := make(map[protocol.StreamID]int, len(reqs))

	start := time.Now()
	next := 0
	for next < len(reqs) || len(pending) > 0 {
		wait := c.conf.Tick
		for next < len(reqs) {
			if due := time.Until(start.Add(sched.Next(next))); due > 0 {
				wait = due
				break
			}
			rs, err := c.SendRequest(reqs[next])
			if errors.Is(err, session.ErrStreamLimitReached) {
				break
			}
			if err != nil {
				now := time.Now()
				c.log.Warn("request not sent", zap.String("tag", reqs[next].Tag()), zap.Error(err))
				results[next] = report.Result{Tag: reqs[next].Tag(), Start: now, End: now, Err: err}
				next++
				continue
			}
			pending[rs.ID()] = next
			next++
		}

		for id, i := range pending {
			if res, ok := c.finished[id]; ok {
				delete(c.finished, id)
				delete(pending, id)
				results[i] = res
			}
		}
		if next == len(reqs) && len(pending) == 0 {
			break
		}
		if err := c.runOnce(ctx, wait); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Client) Session() *session.Session { return c.session }

// Stats returns the socket counters.
func (c *Client) Stats() driver.Stats {
	if c.driver == nil {
		return driver.Stats{}
	}
	return c.driver.Stats()
}

func (c *Client) LocalAddr() netip.AddrPort {
	if c.driver == nil {
		return netip.AddrPort{}
	}
	return c.driver.LocalAddr()
}

// Disconnect closes the connection, the socket and the event loop.
// Calling it again is a no-op.
func (c *Client) Disconnect() (err error) {
	if c.session == nil {
		return nil
	}
	err = c.session.Disconnect(protocol.NoError, "client done")
	if c.loop != nil {
		err = multierr.Append(err, c.loop.Close())
		c.loop = nil
	}
	return err
}
