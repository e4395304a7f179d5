// Package eventloop is the readiness notifier everything else runs on.
// One goroutine pumps the loop with RunOnce; other goroutines hand work to it
// with Post.
package eventloop

import (
	"errors"
	"strings"
)

var ErrClosed = errors.New("event loop closed")

type Events uint32

const (
	EventReadable Events = 1 << iota
	EventWritable
	EventError
	EventHangup

	// EdgeTriggered is only meaningful in a registration mask.
	EdgeTriggered Events = 1 << 31
)

func (e Events) Has(f Events) bool { return e&f == f }

func (e Events) String() string {
	var parts []string
	for _, f := range []struct {
		ev   Events
		name string
	}{
		{EventReadable, "readable"},
		{EventWritable, "writable"},
		{EventError, "error"},
		{EventHangup, "hangup"},
		{EdgeTriggered, "edge"},
	} {
		if e.Has(f.ev) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Handler is notified on the loop goroutine when its fd becomes ready.
type Handler interface {
	OnEvent(fd int, events Events)
}

type HandlerFunc func(fd int, events Events)

func (f HandlerFunc) OnEvent(fd int, events Events) { f(fd, events) }
