package stream

import (
	"strconv"

	"github.com/ozontech/quicreq/protocol"
)

// Owner is the session a stream belongs to. A stream never owns its session;
// it uses it to schedule writes and to report its own termination.
type Owner interface {
	WriteData(id protocol.StreamID, data []byte, fin bool) error
	ResetStream(id protocol.StreamID, code protocol.ErrorCode)
	CloseStream(id protocol.StreamID)
}

// Visitor receives application byte deliveries from the packet transport.
// All methods are called on the event loop goroutine.
type Visitor interface {
	OnData(b []byte) int
	OnEndOfStream()
	OnReset(code protocol.ErrorCode)
	OnConnectionClosed(code protocol.ErrorCode, remote bool)
}

// Transport is the packet transport's half of one stream.
type Transport interface {
	ID() protocol.StreamID
	Write(data []byte, fin bool) error
	Reset(code protocol.ErrorCode)
}

type State int

const (
	StateCreated State = iota
	StateSending
	StateAwaitingResponseHeaders
	StateReceivingBody
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSending:
		return "sending"
	case StateAwaitingResponseHeaders:
		return "awaiting_response_headers"
	case StateReceivingBody:
		return "receiving_body"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	default:
		return "state_" + strconv.Itoa(int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateReset }

type ResetError struct {
	Code protocol.ErrorCode
}

func (e ResetError) Error() string {
	return "stream reset: " + e.Code.String()
}
