package protocol

import (
	"net/netip"
	"strconv"
)

// StreamID identifies a stream within one connection.
// Client-initiated bidirectional streams use ids 0, 4, 8, ...
type StreamID int64

const (
	FirstClientStreamID StreamID = 0
	StreamIDStep        StreamID = 4
)

// IsClientInitiated reports whether id has the parity of a client-initiated bidirectional stream.
func (id StreamID) IsClientInitiated() bool { return id >= 0 && id%StreamIDStep == 0 }

func (id StreamID) String() string { return strconv.FormatInt(int64(id), 10) }

// ServerID is the connection endpoint identity. It is fixed when the session is built.
type ServerID struct {
	Addr netip.AddrPort
	Host string
	// Private disables connection-identifying features such as session resumption.
	Private bool
}

func (s ServerID) String() string {
	if s.Host == "" {
		return s.Addr.String()
	}
	return s.Host + "(" + s.Addr.String() + ")"
}

type HandshakeEvent int

const (
	// EncryptionFirstEstablished is signalled once usable keys exist.
	EncryptionFirstEstablished HandshakeEvent = iota
	// EncryptionReestablished follows a key change after a rejected early attempt.
	EncryptionReestablished
	// HandshakeConfirmed is signalled once the peer acknowledged the full handshake.
	HandshakeConfirmed
)

func (e HandshakeEvent) String() string {
	switch e {
	case EncryptionFirstEstablished:
		return "ENCRYPTION_FIRST_ESTABLISHED"
	case EncryptionReestablished:
		return "ENCRYPTION_REESTABLISHED"
	case HandshakeConfirmed:
		return "HANDSHAKE_CONFIRMED"
	default:
		return "HANDSHAKE_EVENT_" + strconv.Itoa(int(e))
	}
}
