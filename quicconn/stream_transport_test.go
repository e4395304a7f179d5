package quicconn

import (
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/quicreq/protocol"
)

type posterFunc func(fn func()) error

func (f posterFunc) Post(fn func()) error { return f(fn) }

type quicStreamMock struct {
	quic.Stream

	mu         sync.Mutex
	written    []byte
	cancelCode quic.StreamErrorCode
	canceled   chan struct{}
	once       sync.Once
}

func newQuicStreamMock() *quicStreamMock {
	return &quicStreamMock{canceled: make(chan struct{})}
}

func (s *quicStreamMock) Read([]byte) (int, error) {
	<-s.canceled
	return 0, &quic.StreamError{ErrorCode: s.code()}
}

func (s *quicStreamMock) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *quicStreamMock) Close() error { return nil }

func (s *quicStreamMock) CancelWrite(code quic.StreamErrorCode) {
	s.mu.Lock()
	s.cancelCode = code
	s.mu.Unlock()
	s.once.Do(func() { close(s.canceled) })
}

func (s *quicStreamMock) CancelRead(quic.StreamErrorCode) {
	s.once.Do(func() { close(s.canceled) })
}

func (s *quicStreamMock) code() quic.StreamErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCode
}

func (s *quicStreamMock) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.written)
}

func TestStreamTransportResetStopsWriter(t *testing.T) {
	t.Parallel()
	qs := newQuicStreamMock()
	loop := posterFunc(func(fn func()) error {
		fn()
		return nil
	})
	tr := newStreamTransport(0, qs, nil, loop, zaptest.NewLogger(t))

	// no fin: the write side stays open
	require.NoError(t, tr.Write([]byte("request"), false))
	require.Eventually(t, func() bool { return qs.Written() == "request" }, time.Second, time.Millisecond)

	tr.Reset(protocol.ConnectionClosed)
	select {
	case <-tr.writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer goroutine still running after reset")
	}
	assert.Equal(t, quic.StreamErrorCode(protocol.ConnectionClosed), qs.code())
	assert.ErrorIs(t, tr.Write(nil, true), ErrWriteClosed)

	tr.Reset(protocol.ConnectionClosed)
}
