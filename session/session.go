package session

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/stream"
)

// Connection is the packet transport and crypto handshake the session drives.
// Its completion signals come back through ConnectionVisitor.
type Connection interface {
	// StartHandshake initiates the handshake and returns without waiting for it.
	StartHandshake() error
	Connected() bool
	// OpenStream opens the client stream id. Deliveries for it go to v.
	OpenStream(id protocol.StreamID, v stream.Visitor) (stream.Transport, error)
	Close(code protocol.ErrorCode, reason string) error
}

// ConnectionVisitor receives connection-level events on the event loop goroutine.
type ConnectionVisitor interface {
	OnCryptoHandshakeEvent(event protocol.HandshakeEvent)
	OnGoAway(code protocol.ErrorCode, lastGoodStreamID protocol.StreamID, reason string)
	OnConnectionClosed(code protocol.ErrorCode, reason string, remote bool)
}

type Config struct {
	Server protocol.ServerID
	// MaxOpenStreams = 0 means unlimited.
	MaxOpenStreams uint32
	StreamTimeout  time.Duration
}

// Session owns the handshake state and every stream of one connection.
// It is not safe for concurrent use: all calls happen on the event loop goroutine.
type Session struct {
	conn   Connection
	driver io.Closer
	server protocol.ServerID
	log    *zap.Logger

	limiter  limiter
	streams  streamsMapUnlocked
	timeouts *timeoutSliceQueue
	now      func() time.Time

	nextStreamID protocol.StreamID

	handshakeStarted      bool
	encryptionEstablished bool
	handshakeConfirmed    bool
	goawayReceived        bool
	goAway                *GoAwayError
	closed                bool
	closeErr              *ConnectionClosedError
}

var (
	_ stream.Owner      = (*Session)(nil)
	_ ConnectionVisitor = (*Session)(nil)
)

// New builds a session over conn. driver, if not nil, is closed on Disconnect.
func New(conn Connection, driver io.Closer, conf Config, log *zap.Logger, opts ...Opt) *Session {
	if conf.StreamTimeout == 0 {
		conf.StreamTimeout = consts.DefaultTimeout
	}
	s := &Session{
		conn:   conn,
		driver: driver,
		server: conf.Server,
		log:    log.Named("session").With(zap.Stringer("server", conf.Server)),

		limiter:  newLimiter(conf.MaxOpenStreams),
		streams:  newStreamsMapUnlocked(int(min(conf.MaxOpenStreams, 1024))),
		timeouts: newTimeoutSliceQueue(conf.StreamTimeout),
		now:      time.Now,

		nextStreamID: protocol.FirstClientStreamID,
	}
	for _, o := range opts {
		o.apply(s)
	}
	return s
}

type Opt interface {
	apply(*Session)
}

// WithClock replaces time.Now for stream deadlines.
type WithClock func() time.Time

func (c WithClock) apply(s *Session) { s.now = c }

func (s *Session) StartHandshake() error {
	if s.handshakeStarted {
		return ErrHandshakeStarted
	}
	if s.closed {
		return ErrSessionClosed
	}
	s.handshakeStarted = true
	if err := s.conn.StartHandshake(); err != nil {
		return fmt.Errorf("start handshake: %w", err)
	}
	s.log.Debug("handshake started")
	return nil
}

// IsHandshakePending is true while keys are not yet usable and the connection
// is still alive.
func (s *Session) IsHandshakePending() bool {
	return !s.encryptionEstablished && s.conn.Connected()
}

func (s *Session) admit() error {
	switch {
	case s.closed:
		return ErrSessionClosed
	case !s.encryptionEstablished:
		return ErrEncryptionNotReady
	case !s.limiter.Available():
		return fmt.Errorf("%w (%d open)", ErrStreamLimitReached, s.limiter.InUse())
	case s.goawayReceived:
		return ErrGoawayReceived
	}
	return nil
}

// CreateOutgoingStream opens the next client stream. On failure the session
// is left untouched.
func (s *Session) CreateOutgoingStream() (*stream.RequestStream, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}

	id := s.nextStreamID
	rs := stream.NewRequestStream(id, s, s.log)
	transport, err := s.conn.OpenStream(id, rs)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", id, err)
	}

	s.nextStreamID += protocol.StreamIDStep
	s.limiter.Acquire()
	s.streams.Set(id, &streamEntry{stream: rs, transport: transport})
	s.timeouts.Add(id, s.now())
	s.log.Debug("stream created",
		zap.Stringer("stream_id", id),
		zap.Uint32("open_streams", s.limiter.InUse()),
	)
	return rs, nil
}

// CloseStream forgets a stream. Closing an unknown or already closed stream is a no-op.
func (s *Session) CloseStream(id protocol.StreamID) {
	if s.streams.GetAndDelete(id) == nil {
		return
	}
	s.limiter.Release()
	s.log.Debug("stream closed",
		zap.Stringer("stream_id", id),
		zap.Uint32("open_streams", s.limiter.InUse()),
	)
}

// ResetStream aborts the stream on the wire and closes it.
func (s *Session) ResetStream(id protocol.StreamID, code protocol.ErrorCode) {
	e := s.streams.Get(id)
	if e == nil {
		return
	}
	s.log.Debug("resetting stream", zap.Stringer("stream_id", id), zap.Stringer("code", code))
	e.transport.Reset(code)
	s.CloseStream(id)
}

func (s *Session) WriteData(id protocol.StreamID, data []byte, fin bool) error {
	e := s.streams.Get(id)
	if e == nil {
		return fmt.Errorf("write stream %s: %w", id, ErrUnknownStream)
	}
	return e.transport.Write(data, fin)
}

// GetStream returns the open stream id, or nil.
func (s *Session) GetStream(id protocol.StreamID) *stream.RequestStream {
	e := s.streams.Get(id)
	if e == nil {
		return nil
	}
	return e.stream
}

func (s *Session) OnCryptoHandshakeEvent(event protocol.HandshakeEvent) {
	s.log.Debug("crypto handshake event", zap.Stringer("event", event))
	switch event {
	case protocol.EncryptionFirstEstablished, protocol.EncryptionReestablished:
		s.encryptionEstablished = true
	case protocol.HandshakeConfirmed:
		s.encryptionEstablished = true
		s.handshakeConfirmed = true
	}
}

// OnGoAway blocks new streams. Streams already open keep running.
func (s *Session) OnGoAway(code protocol.ErrorCode, lastGoodStreamID protocol.StreamID, reason string) {
	s.log.Info("got goaway",
		zap.Stringer("code", code),
		zap.Stringer("last_stream_id", lastGoodStreamID),
		zap.String("reason", reason),
	)
	s.goawayReceived = true
	s.goAway = &GoAwayError{Code: code, LastStreamID: lastGoodStreamID, Reason: reason}
}

// OnConnectionClosed terminates every live stream with ConnectionClosed.
func (s *Session) OnConnectionClosed(code protocol.ErrorCode, reason string, remote bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = &ConnectionClosedError{Code: code, Reason: reason, Remote: remote}
	s.log.Info("connection closed",
		zap.Stringer("code", code),
		zap.String("reason", reason),
		zap.Bool("remote", remote),
		zap.Int("open_streams", s.streams.Len()),
	)

	s.streams.Each(func(e *streamEntry) {
		s.streams.Delete(e.stream.ID())
		s.limiter.Release()
		e.transport.Reset(protocol.ConnectionClosed)
		e.stream.OnConnectionClosed(code, remote)
	})
}

// Disconnect closes the connection with code if it is still active and
// releases the driver. Calling it again is a no-op.
func (s *Session) Disconnect(code protocol.ErrorCode, reason string) (err error) {
	if s.conn.Connected() {
		err = s.conn.Close(code, reason)
	}
	s.OnConnectionClosed(code, reason, false)
	if s.driver != nil {
		err = multierr.Append(err, s.driver.Close())
		s.driver = nil
	}
	return err
}

// ExpireStreams resets the streams whose response deadline passed.
func (s *Session) ExpireStreams(now time.Time) int {
	n := 0
	for _, id := range s.timeouts.PopExpired(now) {
		e := s.streams.Get(id)
		if e == nil {
			continue
		}
		s.log.Warn("stream timed out", zap.Stringer("stream_id", id))
		e.stream.Reset(protocol.StreamTimeout)
		n++
	}
	return n
}

func (s *Session) SetMaxOpenStreams(n uint32) {
	if n == 0 {
		return
	}
	s.limiter.SetLimit(n)
}

func (s *Session) Server() protocol.ServerID       { return s.server }
func (s *Session) NumOpenStreams() int             { return int(s.limiter.InUse()) }
func (s *Session) MaxOpenStreams() uint32          { return s.limiter.Limit() }
func (s *Session) EncryptionEstablished() bool     { return s.encryptionEstablished }
func (s *Session) HandshakeConfirmed() bool        { return s.handshakeConfirmed }
func (s *Session) GoawayReceived() bool            { return s.goawayReceived }
func (s *Session) NextStreamID() protocol.StreamID { return s.nextStreamID }
func (s *Session) Closed() bool                    { return s.closed }

// GoAway returns the last goaway received, or nil.
func (s *Session) GoAway() *GoAwayError { return s.goAway }

// CloseError returns why the connection closed, or nil while it is open.
func (s *Session) CloseError() error {
	if s.closeErr == nil {
		return nil
	}
	return *s.closeErr
}
