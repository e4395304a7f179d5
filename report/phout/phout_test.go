package phout

import (
	"bytes"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/protocol"
	"github.com/ozontech/quicreq/report"
	"github.com/ozontech/quicreq/stream"
)

func TestPhout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	const timeout = 11 * time.Second

	b := new(bytes.Buffer)
	r := New(b, timeout)
	errChan := make(chan error)
	go func() {
		errChan <- r.Run()
	}()

	var expected string
	add := func(res report.Result, want string) {
		res.Start = time.Now()
		if res.End.IsZero() {
			res.End = res.Start.Add(1500 * time.Microsecond)
		}
		r.Report(res)
		expected += fmt.Sprintf(
			"%d.%d	%s	%d	0	0	0	0	0	%s\n",
			res.Start.UnixMilli()/1e3, res.Start.UnixMilli()%1e3,
			res.Tag, res.End.Sub(res.Start).Microseconds(), want,
		)
	}

	add(report.Result{
		Tag:         "/ok",
		RequestSize: 111,
		Status:      200,
		Headers:     codec.Headers{}.Add(":status", "200"),
		Body:        []byte("hello"),
	}, "111	5	0	http_200")

	add(report.Result{
		Tag:         "/io",
		RequestSize: 222,
		Err:         fmt.Errorf("read error: %w", syscall.Errno(123)),
	}, "222	0	123	proto_error")

	add(report.Result{
		Tag:    "/unknown",
		Status: 200,
		Err:    errors.New("unknown error"),
	}, "0	0	999	http_200")

	add(report.Result{
		Err: stream.ResetError{Code: protocol.BadApplicationPayload},
	}, fmt.Sprintf("0	0	0	rst_%d", protocol.BadApplicationPayload))

	add(report.Result{
		Err: stream.ResetError{Code: protocol.StreamTimeout},
	}, "0	0	0	timeout")

	start := time.Now()
	add(report.Result{
		Status: 200,
		End:    start.Add(time.Hour),
	}, "0	0	0	timeout")

	add(report.Result{}, "0	0	0	proto_error")

	a.NoError(r.Close())
	a.NoError(<-errChan)
	a.Equal(expected, b.String())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, syscall.EPIPE }

func TestPhoutWriteErrorKeepsDraining(t *testing.T) {
	t.Parallel()
	r := New(brokenWriter{}, time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()

	reported := make(chan struct{})
	go func() {
		defer close(reported)
		body := make([]byte, 8<<10)
		for i := 0; i < 200; i++ {
			r.Report(report.Result{Tag: "/big", Status: 200, Body: body})
		}
	}()
	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("Report blocked after a write error")
	}
	assert.NoError(t, r.Close())
	assert.ErrorIs(t, <-errCh, syscall.EPIPE)
}
