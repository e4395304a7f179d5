// Package text prints every response the way a terminal user reads it:
// a status line, the response headers and the body.
package text

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/ozontech/quicreq/report"
)

type Reporter struct {
	w    *bufio.Writer
	ch   chan report.Result
	body bool
}

var _ report.Reporter = (*Reporter)(nil)

// New creates a reporter writing to w. Bodies are omitted unless withBody.
func New(w io.Writer, withBody bool) *Reporter {
	return &Reporter{
		w:    bufio.NewWriter(w),
		ch:   make(chan report.Result, 64),
		body: withBody,
	}
}

// Run writes results until Close. After a write error the remaining results
// are drained and dropped; the first error is returned.
func (r *Reporter) Run() (err error) {
	for res := range r.ch {
		if err != nil {
			continue
		}
		if werr := r.write(res); werr != nil {
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

func (r *Reporter) write(res report.Result) error {
	fmt.Fprintf(r.w, "stream %s %s: ", res.StreamID, res.Tag)
	switch {
	case res.Err != nil && res.Status == 0:
		fmt.Fprintf(r.w, "error: %s", res.Err)
	case res.Err != nil:
		fmt.Fprintf(r.w, "%d, error: %s", res.Status, res.Err)
	default:
		fmt.Fprintf(r.w, "%d", res.Status)
	}
	fmt.Fprintf(r.w, " (%s in %s)\n", humanize.Bytes(uint64(len(res.Body))), res.Duration())

	for _, f := range res.Headers {
		fmt.Fprintf(r.w, "%s: %s\n", f.Name, f.Value)
	}
	if r.body && len(res.Body) > 0 {
		r.w.WriteByte('\n')
		r.w.Write(res.Body)
		if res.Body[len(res.Body)-1] != '\n' {
			r.w.WriteByte('\n')
		}
	}
	// bufio keeps the first write error
	_, err := r.w.WriteString("\n")
	return err
}
