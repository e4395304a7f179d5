//go:build linux

package eventloop_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/ozontech/quicreq/eventloop"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReadable(t *testing.T) {
	a := assert.New(t)
	l := newLoop(t)
	r, w := newPipe(t)

	var got []eventloop.Events
	reg, err := l.Register(r, eventloop.EventReadable, eventloop.HandlerFunc(func(fd int, ev eventloop.Events) {
		a.Equal(r, fd)
		got = append(got, ev)
		var buf [16]byte
		unix.Read(fd, buf[:])
	}))
	require.NoError(t, err)

	n, err := l.RunOnce(0)
	a.NoError(err)
	a.Zero(n)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	n, err = l.RunOnce(time.Second)
	a.NoError(err)
	a.Equal(1, n)
	require.Len(t, got, 1)
	a.True(got[0].Has(eventloop.EventReadable))

	a.NoError(reg.Close())
	a.NoError(reg.Close())

	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	n, err = l.RunOnce(10 * time.Millisecond)
	a.NoError(err)
	a.Zero(n)
}

func TestRegisterTwice(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)

	h := eventloop.HandlerFunc(func(int, eventloop.Events) {})
	_, err := l.Register(r, eventloop.EventReadable, h)
	require.NoError(t, err)
	_, err = l.Register(r, eventloop.EventReadable, h)
	assert.Error(t, err)
}

func TestEdgeTriggeredWritable(t *testing.T) {
	a := assert.New(t)
	l := newLoop(t)
	_, w := newPipe(t)

	calls := 0
	_, err := l.Register(w, eventloop.EventWritable|eventloop.EdgeTriggered, eventloop.HandlerFunc(func(_ int, ev eventloop.Events) {
		a.True(ev.Has(eventloop.EventWritable))
		calls++
	}))
	require.NoError(t, err)

	_, err = l.RunOnce(time.Second)
	a.NoError(err)
	a.Equal(1, calls)

	// no new edge
	_, err = l.RunOnce(10 * time.Millisecond)
	a.NoError(err)
	a.Equal(1, calls)
}

func TestPostWakesLoop(t *testing.T) {
	a := assert.New(t)
	l := newLoop(t)

	ran := false
	go func() {
		time.Sleep(20 * time.Millisecond)
		a.NoError(l.Post(func() { ran = true }))
	}()

	start := time.Now()
	n, err := l.RunOnce(5 * time.Second)
	a.NoError(err)
	a.Equal(1, n)
	a.True(ran)
	a.Less(time.Since(start), 5*time.Second)
}

func TestPostedBeforeRunDoesNotBlock(t *testing.T) {
	a := assert.New(t)
	l := newLoop(t)

	order := []int{}
	a.NoError(l.Post(func() { order = append(order, 1) }))
	a.NoError(l.Post(func() {
		order = append(order, 2)
		// posted from the loop itself: runs on the next iteration
		a.NoError(l.Post(func() { order = append(order, 3) }))
	}))

	n, err := l.RunOnce(-1)
	a.NoError(err)
	a.Equal(2, n)
	a.Equal([]int{1, 2}, order)

	n, err = l.RunOnce(-1)
	a.NoError(err)
	a.Equal(1, n)
	a.Equal([]int{1, 2, 3}, order)
}

func TestClose(t *testing.T) {
	a := assert.New(t)
	l, err := eventloop.New(zaptest.NewLogger(t))
	require.NoError(t, err)

	a.NoError(l.Close())
	a.NoError(l.Close())
	a.ErrorIs(l.Post(func() {}), eventloop.ErrClosed)
	_, err = l.RunOnce(0)
	a.ErrorIs(err, eventloop.ErrClosed)
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "readable|writable|edge", (eventloop.EventReadable | eventloop.EventWritable | eventloop.EdgeTriggered).String())
	assert.Equal(t, "none", eventloop.Events(0).String())
}
