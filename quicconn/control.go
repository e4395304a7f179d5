package quicconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/http2"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/frameheader"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/session"
)

// goAway payload: last good stream id (4) | code (4) | debug data
const goAwayFixedLen = 8

// AppendGoAwayFrame appends a GOAWAY control frame to dst.
func AppendGoAwayFrame(dst []byte, lastStreamID protocol.StreamID, code protocol.ErrorCode, reason string) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, frameheader.Len+goAwayFixedLen)...)
	frameheader.FrameHeader(dst[start:]).Fill(goAwayFixedLen+len(reason), http2.FrameGoAway, 0, 0)
	binary.BigEndian.PutUint32(dst[start+frameheader.Len:], uint32(lastStreamID))
	binary.BigEndian.PutUint32(dst[start+frameheader.Len+4:], uint32(code))
	return append(dst, reason...)
}

type goAwayFrameProcessor struct {
	code         uint32
	lastStreamID uint32
	debugData    []byte
	index        int
}

// Process consumes one piece of a GOAWAY payload. It returns the frame once
// the last piece arrived.
func (p *goAwayFrameProcessor) Process(payload []byte, incomplete bool) (session.GoAwayError, bool) {
	for ; p.index < 4 && len(payload) > 0; p.index++ {
		p.lastStreamID = p.lastStreamID<<8 | uint32(payload[0])
		payload = payload[1:]
	}
	for ; p.index < goAwayFixedLen && len(payload) > 0; p.index++ {
		p.code = p.code<<8 | uint32(payload[0])
		payload = payload[1:]
	}
	p.debugData = append(p.debugData, payload...)

	if incomplete {
		return session.GoAwayError{}, false
	}

	goAway := session.GoAwayError{
		Code:         protocol.ErrorCode(p.code),
		LastStreamID: protocol.StreamID(p.lastStreamID),
		Reason:       string(p.debugData),
	}
	p.code = 0
	p.lastStreamID = 0
	p.debugData = p.debugData[:0]
	p.index = 0
	return goAway, true
}

var errShortGoAway = errors.New("goaway frame shorter than its fixed part")

// readControlStream reads control frames from r until it ends and reports
// every GOAWAY. Unknown frame types are skipped.
func readControlStream(r io.Reader, onGoAway func(session.GoAwayError)) error {
	var (
		buf    = make([]byte, consts.RecieveChunkSize)
		f      = newFramer()
		goAway goAwayFrameProcessor
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.Fill(buf[:n])
			if perr := processControlFrames(f, &goAway, onGoAway); perr != nil {
				return perr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func processControlFrames(f *framer, goAway *goAwayFrameProcessor, onGoAway func(session.GoAwayError)) error {
	for {
		payload, status := f.Next()
		if status == statusHeaderIncomplete {
			return nil
		}

		header := f.Header()
		if header.Type() == http2.FrameGoAway {
			if status != statusPayloadIncomplete && header.Length() < goAwayFixedLen {
				return fmt.Errorf("%w: %d bytes", errShortGoAway, header.Length())
			}
			if frame, done := goAway.Process(payload, status == statusPayloadIncomplete); done {
				onGoAway(frame)
			}
		}

		if status != statusFrameDone {
			return nil
		}
	}
}
