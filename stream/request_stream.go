package stream

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/protocol"
)

var ErrRequestAlreadySent = errors.New("request already sent")

// RequestStream carries exactly one request/response exchange. The request is
// written first; the response header block and body are read afterwards.
type RequestStream struct {
	id    protocol.StreamID
	owner Owner
	enc   *codec.Encoder
	log   *zap.Logger

	state       State
	writeClosed bool
	resetCode   protocol.ErrorCode

	headersReceived    bool
	headerBytesRead    int
	headerBytesWritten int
	headerBuf          parseBuffer

	responseHeaders codec.Headers
	contentLength   int64 // -1 if not declared
	body            []byte

	onClose func(*RequestStream)
}

var _ Visitor = (*RequestStream)(nil)

func NewRequestStream(id protocol.StreamID, owner Owner, log *zap.Logger) *RequestStream {
	return &RequestStream{
		id:            id,
		owner:         owner,
		enc:           codec.NewEncoder(),
		log:           log.With(zap.Stringer("stream_id", id)),
		contentLength: -1,
	}
}

// SetOnClose registers fn to be called once the stream reaches a terminal state.
func (s *RequestStream) SetOnClose(fn func(*RequestStream)) { s.onClose = fn }

// SendRequest writes the header block and the optional body. With fin the
// write side is closed afterwards.
func (s *RequestStream) SendRequest(headers codec.Headers, body []byte, fin bool) (int, error) {
	if s.state != StateCreated {
		return 0, fmt.Errorf("%w (state %s)", ErrRequestAlreadySent, s.state)
	}
	s.state = StateSending

	hasBody := len(body) > 0
	block := s.enc.Encode(s.id, headers, fin && !hasBody)
	if err := s.owner.WriteData(s.id, block, fin && !hasBody); err != nil {
		s.Reset(protocol.StreamCancelled)
		return 0, fmt.Errorf("write header block: %w", err)
	}
	s.headerBytesWritten += len(block)
	n := len(block)

	if hasBody {
		if err := s.owner.WriteData(s.id, body, fin); err != nil {
			s.Reset(protocol.StreamCancelled)
			return n, fmt.Errorf("write body: %w", err)
		}
		n += len(body)
	}

	s.writeClosed = fin
	if s.state == StateSending {
		s.state = StateAwaitingResponseHeaders
	}
	s.log.Debug("request sent",
		zap.Int("header_bytes", len(block)),
		zap.Int("body_bytes", len(body)),
		zap.Bool("fin", fin),
	)
	return n, nil
}

// OnData consumes one delivery. Every byte is always consumed.
func (s *RequestStream) OnData(b []byte) int {
	if s.state.Terminal() {
		return len(b)
	}
	if !s.writeClosed {
		// request/response only: once the response starts the request is over
		s.log.Debug("response data while write side open, closing write side")
		s.closeWriteSide()
	}
	if s.state == StateSending || s.state == StateCreated {
		s.state = StateAwaitingResponseHeaders
	}

	if s.headersReceived {
		s.body = append(s.body, b...)
		return len(b)
	}

	s.headerBuf.Append(b)
	headers, n, err := codec.Decode(s.headerBuf.Unread())
	if errors.Is(err, codec.ErrIncomplete) {
		return len(b)
	}
	if err != nil {
		s.log.Warn("invalid response header block", zap.Error(err))
		s.Reset(protocol.BadApplicationPayload)
		return len(b)
	}

	contentLength, declared, err := headers.ContentLength()
	if err != nil {
		s.log.Warn("invalid response headers", zap.Error(err))
		s.Reset(protocol.BadApplicationPayload)
		return len(b)
	}
	if declared {
		s.contentLength = contentLength
	}

	s.headerBuf.Advance(n)
	s.headerBytesRead += n
	s.responseHeaders = headers
	s.headersReceived = true
	s.state = StateReceivingBody

	// the rest of this delivery is already body
	s.body = append(s.body, s.headerBuf.Unread()...)
	s.headerBuf.Release()
	return len(b)
}

func (s *RequestStream) OnEndOfStream() {
	if s.state.Terminal() {
		return
	}
	if !s.headersReceived {
		s.log.Warn("end of stream before response headers")
		s.Reset(protocol.BadApplicationPayload)
		return
	}
	if s.contentLength >= 0 && int64(len(s.body)) != s.contentLength {
		s.log.Warn("response body does not match content-length",
			zap.Int64("content_length", s.contentLength),
			zap.Int("body_len", len(s.body)),
		)
		s.Reset(protocol.BadApplicationPayload)
		return
	}

	s.state = StateClosed
	s.owner.CloseStream(s.id)
	s.notifyClose()
}

// OnReset handles a reset sent by the peer.
func (s *RequestStream) OnReset(code protocol.ErrorCode) {
	if s.state.Terminal() {
		return
	}
	s.log.Debug("stream reset by peer", zap.Stringer("code", code))
	s.state = StateReset
	s.resetCode = code
	s.owner.CloseStream(s.id)
	s.notifyClose()
}

// OnConnectionClosed terminates the stream without touching the owner, which is
// tearing its stream table down itself.
func (s *RequestStream) OnConnectionClosed(code protocol.ErrorCode, remote bool) {
	if s.state.Terminal() {
		return
	}
	s.log.Debug("connection closed under stream", zap.Stringer("code", code), zap.Bool("remote", remote))
	s.state = StateReset
	s.resetCode = protocol.ConnectionClosed
	s.notifyClose()
}

// Reset abandons the stream locally and tells the peer why.
func (s *RequestStream) Reset(code protocol.ErrorCode) {
	if s.state.Terminal() {
		return
	}
	s.state = StateReset
	s.resetCode = code
	s.writeClosed = true
	s.owner.ResetStream(s.id, code)
	s.notifyClose()
}

func (s *RequestStream) closeWriteSide() {
	s.writeClosed = true
	if err := s.owner.WriteData(s.id, nil, true); err != nil {
		s.log.Debug("close write side", zap.Error(err))
	}
}

func (s *RequestStream) notifyClose() {
	s.headerBuf.Release()
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *RequestStream) ID() protocol.StreamID          { return s.id }
func (s *RequestStream) State() State                   { return s.state }
func (s *RequestStream) Done() bool                     { return s.state.Terminal() }
func (s *RequestStream) WriteClosed() bool              { return s.writeClosed }
func (s *RequestStream) HeadersReceived() bool          { return s.headersReceived }
func (s *RequestStream) HeaderBytesRead() int           { return s.headerBytesRead }
func (s *RequestStream) HeaderBytesWritten() int        { return s.headerBytesWritten }
func (s *RequestStream) ResponseHeaders() codec.Headers { return s.responseHeaders }
func (s *RequestStream) ResponseBody() []byte           { return s.body }
func (s *RequestStream) ResetCode() protocol.ErrorCode  { return s.resetCode }

// ContentLength returns the declared content-length of the response.
func (s *RequestStream) ContentLength() (int64, bool) {
	return s.contentLength, s.contentLength >= 0
}

func (s *RequestStream) Status() (int, bool) { return s.responseHeaders.Status() }

// Err is non-nil once the stream was reset.
func (s *RequestStream) Err() error {
	if s.state != StateReset {
		return nil
	}
	return ResetError{Code: s.resetCode}
}
