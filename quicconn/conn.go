// Package quicconn binds the session to quic-go: the packet transport and
// the crypto handshake. quic-go runs on its own goroutines; every event it
// produces is posted to the event loop before the session sees it.
package quicconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/quicreq/driver"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/session"
	"github.com/ozontech/quicreq/stream"
)

var ErrNotConnected = errors.New("connection not established")

type connState int

const (
	stateIdle connState = iota
	stateHandshaking
	stateEstablished
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn implements session.Connection and driver.PacketProcessor.
// Apart from construction, every method runs on the event loop goroutine.
type Conn struct {
	conf    Config
	loop    Poster
	pconn   *PacketConn
	visitor session.ConnectionVisitor
	log     *zap.Logger

	state      connState
	qconn      quic.EarlyConnection
	cancelDial context.CancelFunc

	// set by Close before the handshake finished
	abortCode   protocol.ErrorCode
	abortReason string
}

var (
	_ session.Connection     = (*Conn)(nil)
	_ driver.PacketProcessor = (*Conn)(nil)
)

func NewConn(conf Config, loop Poster, w PacketWriter, log *zap.Logger) *Conn {
	conf.setDefaults()
	log = log.Named("quicconn")
	return &Conn{
		conf:  conf,
		loop:  loop,
		pconn: NewPacketConn(w, log),
		log:   log,
	}
}

// SetVisitor must be called before StartHandshake.
func (c *Conn) SetVisitor(v session.ConnectionVisitor) { c.visitor = v }

func (c *Conn) StartHandshake() error {
	if c.visitor == nil {
		return errors.New("connection visitor is not set")
	}
	if c.state != stateIdle {
		return fmt.Errorf("handshake in state %s", c.state)
	}
	c.state = stateHandshaking

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.HandshakeTimeout)
	c.cancelDial = cancel
	go c.dial(ctx)
	return nil
}

func (c *Conn) dial(ctx context.Context) {
	defer c.cancelDial()

	addr := net.UDPAddrFromAddrPort(c.conf.Server.Addr)
	c.log.Debug("dialing", zap.Stringer("addr", addr), zap.String("sni", c.conf.TLSConfig().ServerName))
	qconn, err := quic.DialEarly(ctx, c.pconn, addr, c.conf.TLSConfig(), c.conf.QUICConfig())
	if err != nil {
		c.post(func() { c.onDialFailed(err) })
		return
	}
	c.post(func() { c.onEncryptionEstablished(qconn) })

	select {
	case <-qconn.HandshakeComplete():
		c.post(c.onHandshakeConfirmed)
	case <-qconn.Context().Done():
	}

	go c.acceptControlStreams(qconn)

	<-qconn.Context().Done()
	cause := context.Cause(qconn.Context())
	c.post(func() { c.onClosed(cause) })
}

func (c *Conn) onDialFailed(err error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.pconn.Close()

	code, reason, remote := closeReason(err)
	if code == protocol.ConnectionFailed && errors.Is(err, context.DeadlineExceeded) {
		code = protocol.HandshakeFailed
	}
	c.log.Warn("handshake failed", zap.Error(err))
	c.visitor.OnConnectionClosed(code, reason, remote)
}

func (c *Conn) onEncryptionEstablished(qconn quic.EarlyConnection) {
	if c.state != stateHandshaking {
		// closed while dialing, the dial won the race
		go qconn.CloseWithError(quic.ApplicationErrorCode(c.abortCode), c.abortReason)
		return
	}
	c.state = stateEstablished
	c.qconn = qconn
	c.log.Debug("encryption established",
		zap.Stringer("local_addr", qconn.LocalAddr()),
		zap.String("alpn", qconn.ConnectionState().TLS.NegotiatedProtocol),
	)
	c.visitor.OnCryptoHandshakeEvent(protocol.EncryptionFirstEstablished)
}

func (c *Conn) onHandshakeConfirmed() {
	if c.state != stateEstablished {
		return
	}
	c.visitor.OnCryptoHandshakeEvent(protocol.HandshakeConfirmed)
}

func (c *Conn) onClosed(cause error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.pconn.Close()

	code, reason, remote := closeReason(cause)
	c.log.Debug("connection closed", zap.Error(cause))
	c.visitor.OnConnectionClosed(code, reason, remote)
}

func (c *Conn) acceptControlStreams(qconn quic.Connection) {
	ctx := qconn.Context()
	for {
		rs, err := qconn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			err := readControlStream(rs, func(g session.GoAwayError) {
				c.post(func() {
					if c.state == stateEstablished {
						c.visitor.OnGoAway(g.Code, g.LastStreamID, g.Reason)
					}
				})
			})
			if err != nil && ctx.Err() == nil {
				c.log.Warn("control stream", zap.Error(err))
			}
		}()
	}
}

func (c *Conn) Connected() bool {
	return c.state == stateHandshaking || c.state == stateEstablished
}

// OpenStream opens the next bidirectional stream, which must be id.
func (c *Conn) OpenStream(id protocol.StreamID, v stream.Visitor) (stream.Transport, error) {
	if c.state != stateEstablished {
		return nil, ErrNotConnected
	}
	qs, err := c.qconn.OpenStream()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Temporary() { //nolint:staticcheck // quic-go marks the stream limit as temporary
			return nil, fmt.Errorf("%w: %w", session.ErrStreamLimitReached, err)
		}
		return nil, err
	}
	if got := protocol.StreamID(qs.StreamID()); got != id {
		qs.CancelWrite(quic.StreamErrorCode(protocol.StreamCancelled))
		qs.CancelRead(quic.StreamErrorCode(protocol.StreamCancelled))
		return nil, fmt.Errorf("transport opened stream %s instead of %s", got, id)
	}
	return newStreamTransport(id, qs, v, c.loop, c.log), nil
}

// Close sends a connection close with code if the connection is up and
// stops the packet flow.
func (c *Conn) Close(code protocol.ErrorCode, reason string) error {
	switch c.state {
	case stateClosed:
		return nil
	case stateIdle, stateHandshaking:
		// Without handshake keys there is nothing to carry an application
		// close: the dial is abandoned and the peer times the attempt out.
		c.state = stateClosed
		c.abortCode, c.abortReason = code, reason
		if c.cancelDial != nil {
			c.log.Debug("abandoning handshake", zap.Stringer("code", code), zap.String("reason", reason))
			c.cancelDial()
		}
		return c.pconn.Close()
	}

	c.state = stateClosed
	c.log.Debug("closing connection", zap.Stringer("code", code), zap.String("reason", reason))
	err := c.qconn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	return multierr.Append(err, c.pconn.Close())
}

func (c *Conn) ProcessPacket(_, peer netip.AddrPort, b []byte) {
	c.pconn.Deliver(peer, b)
}

func (c *Conn) OnCanWrite() { c.pconn.SignalWritable() }

func (c *Conn) post(fn func()) {
	if err := c.loop.Post(fn); err != nil {
		c.log.Debug("drop connection event", zap.Error(err))
	}
}

// closeReason maps a quic-go close cause to a close code.
func closeReason(err error) (code protocol.ErrorCode, reason string, remote bool) {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
	)
	switch {
	case err == nil:
		return protocol.NoError, "", false
	case errors.As(err, &appErr):
		return protocol.ErrorCode(appErr.ErrorCode), appErr.ErrorMessage, appErr.Remote
	case errors.As(err, &transportErr):
		if transportErr.ErrorCode.IsCryptoError() {
			return protocol.HandshakeFailed, err.Error(), transportErr.Remote
		}
		return protocol.ConnectionFailed, err.Error(), transportErr.Remote
	case errors.As(err, &handshakeErr):
		return protocol.HandshakeFailed, err.Error(), false
	case errors.As(err, &idleErr):
		return protocol.ConnectionFailed, err.Error(), false
	}
	return protocol.ConnectionFailed, err.Error(), false
}
