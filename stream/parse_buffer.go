package stream

import "github.com/ozontech/quicreq/consts"

// parseBuffer accumulates partial deliveries until a header block is complete.
// Bytes before off are consumed; bytes in buf[off:] are still unread.
type parseBuffer struct {
	buf []byte
	off int
}

func (b *parseBuffer) Append(p []byte) {
	need := len(b.buf) + len(p)
	if need > cap(b.buf) {
		// grow in fixed increments
		newCap := (need + consts.HeaderBufferIncrement - 1) / consts.HeaderBufferIncrement * consts.HeaderBufferIncrement
		grown := make([]byte, len(b.buf), newCap)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = append(b.buf, p...)
}

func (b *parseBuffer) Unread() []byte { return b.buf[b.off:] }

func (b *parseBuffer) Advance(n int) {
	if n > len(b.buf)-b.off {
		panic("assertion error: parse buffer advanced past its end")
	}
	b.off += n
}

func (b *parseBuffer) Len() int { return len(b.buf) - b.off }
func (b *parseBuffer) Cap() int { return cap(b.buf) }

func (b *parseBuffer) Release() {
	b.buf = nil
	b.off = 0
}
