package frameheader

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"

	"github.com/ozontech/quicreq/protocol"
)

// Len is the size of the prefix in front of every header block and control frame.
const Len = 9

const streamIDMask = 1<<31 - 1

// FrameHeader is the fixed prefix of a block: 24-bit payload length, type,
// flags and the 31-bit id of the stream the block belongs to.
type FrameHeader []byte

func NewFrameHeader() FrameHeader { return make([]byte, Len) }

// Peek returns the prefix at the start of b, or false if b is shorter than Len.
func Peek(b []byte) (FrameHeader, bool) {
	if len(b) < Len {
		return nil, false
	}
	return FrameHeader(b[:Len]), true
}

func (f FrameHeader) Fill(
	length int,
	t http2.FrameType,
	flags http2.Flags,
	streamID protocol.StreamID,
) {
	f.SetLength(length)
	f.SetType(t)
	f.SetFlags(flags)
	f.SetStreamID(streamID)
}

func (f FrameHeader) Length() int {
	_ = f[2]
	return int(f[0])<<16 | int(f[1])<<8 | int(f[2])
}

func (f FrameHeader) SetLength(l int) {
	_ = f[2]
	f[0] = byte(l >> 16)
	f[1] = byte(l >> 8)
	f[2] = byte(l)
}

// BlockLen is the length of the whole block, prefix included.
func (f FrameHeader) BlockLen() int { return Len + f.Length() }

func (f FrameHeader) Type() http2.FrameType     { return http2.FrameType(f[3]) }
func (f FrameHeader) SetType(t http2.FrameType) { f[3] = byte(t) }

func (f FrameHeader) Flags() http2.Flags        { return http2.Flags(f[4]) }
func (f FrameHeader) SetFlags(flag http2.Flags) { f[4] = byte(flag) }

func (f FrameHeader) StreamID() protocol.StreamID {
	return protocol.StreamID(binary.BigEndian.Uint32(f[5:]) & streamIDMask)
}

func (f FrameHeader) SetStreamID(streamID protocol.StreamID) {
	binary.BigEndian.PutUint32(f[5:Len], uint32(streamID)&streamIDMask)
}

func (f FrameHeader) String() string {
	return f.Type().String() +
		"/ length=" + strconv.Itoa(f.Length()) +
		"/ streamID = " + f.StreamID().String() +
		"/ flags = " + fmt.Sprintf("%o", f.Flags())
}
