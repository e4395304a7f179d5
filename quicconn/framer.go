package quicconn

import "github.com/ozontech/quicreq/frameheader"

// framer splits the control stream into frames. Reads may end anywhere, in
// the middle of a prefix or a payload.
type framer struct {
	currentHeader frameheader.FrameHeader
	header        frameheader.FrameHeader
	payloadLeft   int
	buf           []byte
}

type framerStatus int

const (
	statusFrameDone framerStatus = iota
	statusFrameDoneBufEmpty
	statusHeaderIncomplete
	statusPayloadIncomplete
)

func newFramer() *framer {
	return &framer{currentHeader: make(frameheader.FrameHeader, 0, frameheader.Len)}
}

func (f *framer) Header() frameheader.FrameHeader { return f.header }

func (f *framer) Fill(b []byte) { f.buf = b }

// Next returns the next piece of payload of the current frame.
func (f *framer) Next() ([]byte, framerStatus) {
	if have := len(f.currentHeader); have != frameheader.Len {
		need := frameheader.Len - have
		if len(f.buf) < need {
			f.currentHeader = append(f.currentHeader, f.buf...)
			f.buf = nil
			return nil, statusHeaderIncomplete
		}
		f.currentHeader = append(f.currentHeader, f.buf[:need]...)
		f.buf = f.buf[need:]
		f.payloadLeft = f.currentHeader.Length()
	}
	f.header = f.currentHeader

	switch n := len(f.buf); {
	case n > f.payloadLeft:
		payload := f.buf[:f.payloadLeft]
		f.buf = f.buf[f.payloadLeft:]
		f.currentHeader = f.currentHeader[:0]
		return payload, statusFrameDone
	case n == f.payloadLeft:
		payload := f.buf
		f.buf = nil
		f.currentHeader = f.currentHeader[:0]
		return payload, statusFrameDoneBufEmpty
	default:
		payload := f.buf
		f.buf = nil
		f.payloadLeft -= n
		return payload, statusPayloadIncomplete
	}
}
