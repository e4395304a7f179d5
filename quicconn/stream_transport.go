package quicconn

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/stream"
)

var (
	ErrWriteClosed    = errors.New("stream write side closed")
	ErrWriteQueueFull = errors.New("stream write queue full")
)

// Poster runs functions on the event loop goroutine.
type Poster interface {
	Post(fn func()) error
}

type writeCmd struct {
	data []byte
	fin  bool
}

// streamTransport binds one quic-go stream to a stream.Visitor. Reads and
// writes happen on two goroutines of their own; everything the visitor sees
// is posted to the event loop.
type streamTransport struct {
	id      protocol.StreamID
	qs      quic.Stream
	visitor stream.Visitor
	loop    Poster

	// loop goroutine only
	finQueued bool

	writes chan writeCmd
	done   chan struct{}
	once   sync.Once

	// closed when writeLoop returns
	writerDone chan struct{}

	log *zap.Logger
}

var _ stream.Transport = (*streamTransport)(nil)

func newStreamTransport(id protocol.StreamID, qs quic.Stream, v stream.Visitor, loop Poster, log *zap.Logger) *streamTransport {
	t := &streamTransport{
		id:         id,
		qs:         qs,
		visitor:    v,
		loop:       loop,
		writes:     make(chan writeCmd, consts.StreamWriteQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		log:        log.With(zap.Stringer("stream_id", id)),
	}
	go t.writeLoop()
	go t.readLoop()
	return t
}

func (t *streamTransport) ID() protocol.StreamID { return t.id }

// Write queues data and never blocks the event loop. data is copied.
func (t *streamTransport) Write(data []byte, fin bool) error {
	if t.finQueued {
		return ErrWriteClosed
	}
	select {
	case <-t.done:
		return ErrWriteClosed
	default:
	}
	select {
	case t.writes <- writeCmd{bytes.Clone(data), fin}:
		t.finQueued = fin
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Reset cancels both directions and stops the writer goroutine. It is also
// how the session releases streams of a closed connection.
func (t *streamTransport) Reset(code protocol.ErrorCode) {
	t.once.Do(func() { close(t.done) })
	t.qs.CancelWrite(quic.StreamErrorCode(code))
	t.qs.CancelRead(quic.StreamErrorCode(code))
}

func (t *streamTransport) writeLoop() {
	defer close(t.writerDone)
	for {
		select {
		case <-t.done:
			return
		case cmd := <-t.writes:
			if len(cmd.data) > 0 {
				if _, err := t.qs.Write(cmd.data); err != nil {
					t.log.Debug("stream write", zap.Error(err))
					return
				}
			}
			if cmd.fin {
				if err := t.qs.Close(); err != nil {
					t.log.Debug("close stream write side", zap.Error(err))
				}
				return
			}
		}
	}
}

func (t *streamTransport) readLoop() {
	buf := make([]byte, consts.RecieveChunkSize)
	for {
		n, err := t.qs.Read(buf)
		if n > 0 {
			data := bytes.Clone(buf[:n])
			t.post(func() { t.visitor.OnData(data) })
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			t.post(t.visitor.OnEndOfStream)
			return
		}
		var streamErr *quic.StreamError
		if errors.As(err, &streamErr) && streamErr.Remote {
			code := protocol.ErrorCode(streamErr.ErrorCode)
			t.post(func() { t.visitor.OnReset(code) })
			return
		}
		// a local reset or a connection close: the session already knows
		t.log.Debug("stream read done", zap.Error(err))
		return
	}
}

func (t *streamTransport) post(fn func()) {
	if err := t.loop.Post(fn); err != nil {
		t.log.Debug("drop stream event", zap.Error(err))
	}
}
