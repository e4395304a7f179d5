// Package jsonl writes one JSON object per result.
package jsonl

import (
	"bufio"
	"fmt"
	"io"

	"github.com/mailru/easyjson/jwriter"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/report"
)

type Reporter struct {
	w  *bufio.Writer
	ch chan report.Result
}

var _ report.Reporter = (*Reporter)(nil)

func New(w io.Writer) *Reporter {
	return &Reporter{
		w:  bufio.NewWriter(w),
		ch: make(chan report.Result, 256),
	}
}

func (r *Reporter) Run() (err error) {
	for res := range r.ch {
		if err != nil {
			// keep draining, Report must not block
			continue
		}
		jw := jwriter.Writer{}
		marshal(&jw, res)
		jw.RawByte('\n')
		if _, werr := jw.DumpTo(r.w); werr != nil {
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

func marshal(w *jwriter.Writer, res report.Result) {
	w.RawString(`{"stream_id":`)
	w.Int64(int64(res.StreamID))
	w.RawString(`,"tag":`)
	w.String(res.Tag)
	w.RawString(`,"start":`)
	w.Raw(res.Start.MarshalJSON())
	w.RawString(`,"rtt_us":`)
	w.Int64(res.Duration().Microseconds())
	w.RawString(`,"request_size":`)
	w.Int(res.RequestSize)
	if res.Status != 0 {
		w.RawString(`,"status":`)
		w.Int(res.Status)
	}
	if res.Headers != nil {
		w.RawString(`,"headers":`)
		codec.MarshalJSON(w, res.Headers)
	}
	w.RawString(`,"body":`)
	w.String(string(res.Body))
	if code, ok := res.ResetCode(); ok {
		w.RawString(`,"reset":`)
		w.String(code.String())
	} else if res.Err != nil {
		w.RawString(`,"error":`)
		w.String(res.Err.Error())
	}
	w.RawByte('}')
}
