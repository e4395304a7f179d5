// Package phout writes results as tab separated phout lines.
package phout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/report"
	"github.com/ozontech/quicreq/stream"
)

type Reporter struct {
	w       *bufio.Writer
	ch      chan report.Result
	line    []byte
	timeout time.Duration
}

var _ report.Reporter = (*Reporter)(nil)

func New(w io.Writer, timeout time.Duration) *Reporter {
	return &Reporter{
		w:       bufio.NewWriter(w),
		ch:      make(chan report.Result, 256),
		line:    make([]byte, 0, 128),
		timeout: timeout,
	}
}

func (r *Reporter) Run() (err error) {
	for res := range r.ch {
		if err != nil {
			continue
		}
		r.line = appendLine(r.line[:0], res, r.timeout)
		if _, werr := r.w.Write(r.line); werr != nil {
			err = fmt.Errorf("write: %w", werr)
		}
	}
	if err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Report(res report.Result) { r.ch <- res }

const tabChar = '\t'

func appendLine(b []byte, res report.Result, timeout time.Duration) []byte {
	b = strconv.AppendInt(b, res.Start.Unix(), 10)
	b = append(b, '.')
	b = strconv.AppendInt(b, int64(res.Start.Nanosecond()/1e6), 10)
	b = append(b, tabChar)
	b = append(b, res.Tag...)
	b = append(b, tabChar)

	// rtt
	b = strconv.AppendInt(b, res.Duration().Microseconds(), 10)
	b = append(b, tabChar)
	// connect, send, latency, receive and interval event are not measured
	for i := 0; i < 5; i++ {
		b = append(b, '0', tabChar)
	}
	b = strconv.AppendInt(b, int64(res.RequestSize), 10)
	b = append(b, tabChar)
	b = strconv.AppendInt(b, int64(len(res.Body)), 10)
	b = append(b, tabChar)
	b = strconv.AppendInt(b, int64(errno(res.Err)), 10)
	b = append(b, tabChar)
	b = appendProtoCode(b, res, timeout)
	return append(b, '\n')
}

func errno(err error) syscall.Errno {
	var (
		errNo syscall.Errno
		rerr  stream.ResetError
	)
	switch {
	case err == nil, errors.As(err, &rerr):
		return 0
	case errors.As(err, &errNo):
		return errNo
	}
	return 999
}

func appendProtoCode(b []byte, res report.Result, timeout time.Duration) []byte {
	code, reset := res.ResetCode()
	switch {
	case reset && code == protocol.StreamTimeout, res.Duration() > timeout:
		return append(b, "timeout"...)
	case reset:
		b = append(b, "rst_"...)
		return strconv.AppendUint(b, uint64(code), 10)
	case res.Status != 0:
		b = append(b, "http_"...)
		return strconv.AppendInt(b, int64(res.Status), 10)
	}
	// no response headers
	return append(b, "proto_error"...)
}
