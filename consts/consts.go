package consts

import "time"

const (
	// MaxPacketSize is the largest datagram handed to the packet transport.
	MaxPacketSize = 1452
	// ReadBufferSize leaves headroom so an oversized datagram is read whole and reported.
	ReadBufferSize = 2 * MaxPacketSize

	SocketReceiveBufferSize = 256 * 1024
	SocketSendBufferSize    = 256 * 1024

	// PacketQueueSize bounds the datagrams waiting for the packet transport.
	PacketQueueSize = 1024

	// HeaderBufferIncrement is the growth step of a stream's header parse buffer.
	HeaderBufferIncrement = 1024
	// MaxHeaderBlockSize limits the declared length of one header block.
	MaxHeaderBlockSize = 64 * 1024
	// RecieveChunkSize is the read size of a stream read loop.
	RecieveChunkSize = 2048
	// StreamWriteQueueSize bounds the writes pending on one stream.
	StreamWriteQueueSize = 16

	// Tick is one iteration of the event loop in the polling waits.
	Tick = 50 * time.Millisecond

	DefaultMaxOpenStreams   = 100
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultTimeout          = 11 * time.Second
	DefaultIdleTimeout      = 30 * time.Second

	DefaultALPN = "quicreq"
)
