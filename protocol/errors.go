package protocol

import "strconv"

// ErrorCode is carried by stream resets and connection closes.
type ErrorCode uint64

const (
	NoError ErrorCode = 0x0

	// stream reset codes
	StreamCancelled       ErrorCode = 0x1
	BadApplicationPayload ErrorCode = 0x2
	StreamTimeout         ErrorCode = 0x3
	ConnectionClosed      ErrorCode = 0x4
	StreamRefused         ErrorCode = 0x5

	// connection close codes
	PeerGoingAway    ErrorCode = 0x100
	HandshakeFailed  ErrorCode = 0x101
	InternalError    ErrorCode = 0x102
	ConnectionFailed ErrorCode = 0x103
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case StreamCancelled:
		return "STREAM_CANCELLED"
	case BadApplicationPayload:
		return "BAD_APPLICATION_PAYLOAD"
	case StreamTimeout:
		return "STREAM_TIMEOUT"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case StreamRefused:
		return "STREAM_REFUSED"
	case PeerGoingAway:
		return "PEER_GOING_AWAY"
	case HandshakeFailed:
		return "HANDSHAKE_FAILED"
	case InternalError:
		return "INTERNAL_ERROR"
	case ConnectionFailed:
		return "CONNECTION_FAILED"
	default:
		return "0x" + strconv.FormatUint(uint64(c), 16)
	}
}
