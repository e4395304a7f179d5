package session

import (
	"errors"
	"fmt"

	"github.com/ozontech/quicreq/protocol"
)

// Admission errors. Nothing is mutated when one of them is returned and the
// caller may retry later.
var (
	ErrEncryptionNotReady = errors.New("encryption not ready")
	ErrStreamLimitReached = errors.New("stream limit reached")
	ErrGoawayReceived     = errors.New("goaway received")
	ErrSessionClosed      = errors.New("session closed")
)

var (
	ErrHandshakeStarted = errors.New("handshake already started")
	ErrUnknownStream    = errors.New("unknown stream")
)

type GoAwayError struct {
	Code         protocol.ErrorCode
	LastStreamID protocol.StreamID
	Reason       string
}

func (e GoAwayError) Error() string {
	return fmt.Sprintf(
		"goaway: code=%s last_stream_id=%s reason=%q",
		e.Code, e.LastStreamID, e.Reason,
	)
}

type ConnectionClosedError struct {
	Code   protocol.ErrorCode
	Reason string
	Remote bool
}

func (e ConnectionClosedError) Error() string {
	side := "locally"
	if e.Remote {
		side = "by peer"
	}
	return fmt.Sprintf("connection closed %s: code=%s reason=%q", side, e.Code, e.Reason)
}
