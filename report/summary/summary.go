// Package summary counts results and prints totals once closed.
package summary

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ozontech/quicreq/report"
)

type Reporter struct {
	w       io.Writer
	closeCh chan struct{}
	now     func() time.Time

	start time.Time
	ok    atomic.Uint32
	nook  atomic.Uint32
	reset atomic.Uint32
	size  atomic.Uint64
	rtt   atomic.Int64
}

var _ report.Reporter = (*Reporter)(nil)

func New(w io.Writer) *Reporter {
	return &Reporter{
		w:       w,
		closeCh: make(chan struct{}),
		now:     time.Now,
		start:   time.Now(),
	}
}

func (a *Reporter) Run() error {
	<-a.closeCh
	return a.total()
}

func (a *Reporter) Close() error {
	close(a.closeCh)
	return nil
}

func (a *Reporter) Report(res report.Result) {
	if res.OK() {
		a.ok.Add(1)
	} else {
		a.nook.Add(1)
	}
	if _, ok := res.ResetCode(); ok {
		a.reset.Add(1)
	}
	a.size.Add(uint64(len(res.Body)))
	a.rtt.Add(int64(res.Duration()))
}

func (a *Reporter) total() error {
	ok, nook, reset, size := a.ok.Load(), a.nook.Load(), a.reset.Load(), a.size.Load()
	total := ok + nook
	d := a.now().Sub(a.start)

	var avg time.Duration
	if total > 0 {
		avg = time.Duration(a.rtt.Load() / int64(total))
	}
	_, err := fmt.Fprintf(a.w,
		"total=%d ok=%d nook=%d reset=%d size=%s avg_rtt=%s elapsed=%s\n",
		total, ok, nook, reset, humanize.Bytes(size), avg.Round(time.Microsecond), d.Round(time.Millisecond),
	)
	return err
}
