//go:build linux

package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

// unix.EPOLLET does not fit uint32 as a constant.
const epollET = 1 << 31

// Loop is an epoll instance plus an eventfd used to wake it from other goroutines.
type Loop struct {
	epfd   int
	wakefd int

	handlers map[int]Handler
	events   []unix.EpollEvent

	mu     sync.Mutex
	posted []func()
	closed bool

	log *zap.Logger
}

func New(log *zap.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	})
	if err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}

	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]Handler),
		events:   make([]unix.EpollEvent, maxEvents),
		log:      log.Named("eventloop"),
	}, nil
}

// Registration is released exactly once by Close.
type Registration struct {
	loop *Loop
	fd   int
	done bool
}

// Register starts watching fd. Must be called on the loop goroutine.
func (l *Loop) Register(fd int, mask Events, h Handler) (*Registration, error) {
	if _, ok := l.handlers[fd]; ok {
		return nil, fmt.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	l.handlers[fd] = h
	l.log.Debug("fd registered", zap.Int("fd", fd), zap.Stringer("mask", mask))
	return &Registration{loop: l, fd: fd}, nil
}

func (r *Registration) Modify(mask Events) error {
	if r.done {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(r.fd)}
	if err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", r.fd, err)
	}
	return nil
}

func (r *Registration) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	delete(r.loop.handlers, r.fd)
	err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_DEL, r.fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		// fd already closed or loop gone
		return nil
	}
	return err
}

// RunOnce waits up to timeout for readiness, dispatches it and then runs the
// posted functions. A negative timeout blocks until something happens.
// It returns how many handlers and posted functions ran.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if len(l.posted) > 0 {
		msec = 0
	}
	l.mu.Unlock()

	n, err := unix.EpollWait(l.epfd, l.events, msec)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	dispatched := 0
	for _, ev := range l.events[:n] {
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWakeup()
			continue
		}
		h, ok := l.handlers[fd]
		if !ok {
			continue
		}
		h.OnEvent(fd, fromEpoll(ev.Events))
		dispatched++
	}
	return dispatched + l.runPosted(), nil
}

// Post schedules fn on the loop goroutine and wakes the loop. Safe for
// concurrent use.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(l.wakefd, one[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake loop: %w", err)
	}
	return nil
}

func (l *Loop) runPosted() int {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
	return len(posted)
}

func (l *Loop) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the epoll instance. Posted functions that never ran are dropped.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dropped := len(l.posted)
	l.posted = nil
	l.mu.Unlock()

	if dropped > 0 {
		l.log.Debug("dropping posted functions", zap.Int("count", dropped))
	}
	return multierr.Append(unix.Close(l.wakefd), unix.Close(l.epfd))
}

func toEpoll(mask Events) uint32 {
	var ev uint32
	if mask.Has(EventReadable) {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mask.Has(EventWritable) {
		ev |= unix.EPOLLOUT
	}
	if mask.Has(EdgeTriggered) {
		ev |= epollET
	}
	return ev
}

func fromEpoll(ev uint32) Events {
	var e Events
	if ev&unix.EPOLLIN != 0 {
		e |= EventReadable
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= EventWritable
	}
	if ev&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventHangup
	}
	return e
}
