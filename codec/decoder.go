package codec

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/frameheader"
)

var (
	// ErrIncomplete means buf holds only a prefix of a header block.
	ErrIncomplete = errors.New("incomplete header block")
	// ErrMalformed means the bytes can never form a valid header block.
	ErrMalformed = errors.New("malformed header block")
)

// Decode parses one header block from the start of buf and reports how many
// bytes it occupies. Bytes past consumed do not belong to the block.
func Decode(buf []byte) (h Headers, consumed int, err error) {
	fh, ok := frameheader.Peek(buf)
	if !ok {
		return nil, 0, ErrIncomplete
	}
	if fh.Type() != http2.FrameHeaders {
		return nil, 0, fmt.Errorf("%w: unexpected block type %s", ErrMalformed, fh.Type())
	}
	if !fh.Flags().Has(http2.FlagHeadersEndHeaders) {
		return nil, 0, fmt.Errorf("%w: continuation is not supported", ErrMalformed)
	}
	if fh.Length() > consts.MaxHeaderBlockSize {
		return nil, 0, fmt.Errorf("%w: block length %d exceeds %d", ErrMalformed, fh.Length(), consts.MaxHeaderBlockSize)
	}
	consumed = fh.BlockLen()
	if len(buf) < consumed {
		return nil, 0, ErrIncomplete
	}

	dec := hpack.NewDecoder(4096, nil)
	dec.SetMaxStringLength(consts.MaxHeaderBlockSize)
	fields, err := dec.DecodeFull(buf[frameheader.Len:consumed])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: hpack decoding: %w", ErrMalformed, err)
	}

	h = make(Headers, 0, len(fields))
	for _, f := range fields {
		h = append(h, Field{Name: f.Name, Value: f.Value})
	}
	return h, consumed, nil
}

// BlockLen reports the full length of the header block starting at buf,
// or false while the prefix is incomplete.
func BlockLen(buf []byte) (int, bool) {
	fh, ok := frameheader.Peek(buf)
	if !ok {
		return 0, false
	}
	return fh.BlockLen(), true
}
