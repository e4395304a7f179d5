package codec

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/quicreq/frameheader"
	"github.com/ozontech/quicreq/protocol"
)

// Encoder serializes header collections into header blocks.
// Streams are delivered independently, so by default the dynamic table is
// disabled and every block decodes on its own.
type Encoder struct {
	buf appender
	enc *hpack.Encoder
}

func NewEncoder(opts ...Opt) *Encoder {
	e := &Encoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	e.enc.SetMaxDynamicTableSizeLimit(0)
	for _, o := range opts {
		o.apply(e)
	}
	return e
}

// AppendBlock appends the header block for h to dst.
func (e *Encoder) AppendBlock(dst []byte, streamID protocol.StreamID, h Headers, endStream bool) []byte {
	start := len(dst)
	e.buf = append(dst, make([]byte, frameheader.Len)...)
	for _, f := range h {
		//nolint:errcheck // appender never fails
		e.enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value})
	}
	dst, e.buf = e.buf, nil

	flags := http2.FlagHeadersEndHeaders
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	frameheader.FrameHeader(dst[start:start+frameheader.Len]).Fill(
		len(dst)-start-frameheader.Len, http2.FrameHeaders, flags, streamID,
	)
	return dst
}

// Encode returns a freshly allocated header block for h.
func (e *Encoder) Encode(streamID protocol.StreamID, h Headers, endStream bool) []byte {
	return e.AppendBlock(nil, streamID, h, endStream)
}

type appender []byte

func (a *appender) Write(p []byte) (int, error) {
	*a = append(*a, p...)
	return len(p), nil
}

type Opt interface {
	apply(*Encoder)
}

// WithMaxDynamicTableSize enables the dynamic table. Only safe when both
// sides decode blocks of the connection in order.
type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(e *Encoder) {
	e.enc.SetMaxDynamicTableSizeLimit(uint32(s))
	e.enc.SetMaxDynamicTableSize(uint32(s))
}
