// Package driver owns the client's UDP socket and pumps datagrams between
// the kernel and the packet transport.
package driver

import (
	"errors"
	"net/netip"
	"sync/atomic"
)

var ErrWriteBlocked = errors.New("socket write blocked")

// PacketProcessor is the packet transport fed by the driver.
type PacketProcessor interface {
	// ProcessPacket must not retain b.
	ProcessPacket(self, peer netip.AddrPort, b []byte)
	OnCanWrite()
	Connected() bool
}

// ConnectionError is a fatal setup failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e ConnectionError) Error() string { return "connection error: " + e.Op + ": " + e.Err.Error() }
func (e ConnectionError) Unwrap() error { return e.Err }

type Config struct {
	// LocalAddr is bound if valid, otherwise the wildcard address of the
	// server's family with an ephemeral port.
	LocalAddr netip.AddrPort

	ReceiveBufferSize int
	SendBufferSize    int
}

type Stats struct {
	PacketsRead     uint64
	PacketsDropped  uint64 // by the kernel, when reported
	PacketsTooLarge uint64
	WriteBlocked    uint64
}

type stats struct {
	packetsRead     atomic.Uint64
	packetsDropped  atomic.Uint64
	packetsTooLarge atomic.Uint64
	writeBlocked    atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		PacketsRead:     s.packetsRead.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		PacketsTooLarge: s.packetsTooLarge.Load(),
		WriteBlocked:    s.writeBlocked.Load(),
	}
}
