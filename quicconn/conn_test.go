package quicconn

import (
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/quicreq/protocol"
)

type closeCall struct {
	code   quic.ApplicationErrorCode
	reason string
}

type earlyConnMock struct {
	quic.EarlyConnection
	closes chan closeCall
}

func (m *earlyConnMock) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	m.closes <- closeCall{code, reason}
	return nil
}

func TestCloseDuringHandshake(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	loop := posterFunc(func(fn func()) error {
		fn()
		return nil
	})
	c := NewConn(Config{Server: protocol.ServerID{Addr: peer, Host: "localhost"}}, loop, &writerMock{}, zaptest.NewLogger(t))

	canceled := false
	c.state = stateHandshaking
	c.cancelDial = func() { canceled = true }
	a.True(c.Connected())

	require.NoError(t, c.Close(protocol.InternalError, "client done"))
	a.True(canceled)
	a.False(c.Connected())
	require.NoError(t, c.Close(protocol.NoError, "again"))

	// the dial finished anyway: the connection is closed with the caller's code
	m := &earlyConnMock{closes: make(chan closeCall, 1)}
	c.onEncryptionEstablished(m)
	select {
	case call := <-m.closes:
		a.Equal(quic.ApplicationErrorCode(protocol.InternalError), call.code)
		a.Equal("client done", call.reason)
	case <-time.After(time.Second):
		t.Fatal("late connection was not closed")
	}
	a.Nil(c.qconn)
}
