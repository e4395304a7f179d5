package quicconn

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/driver"
	"github.com/ozontech/quicreq/utils/pool"
)

// PacketWriter sends datagrams on the driver's socket.
type PacketWriter interface {
	WritePacket(b []byte, to netip.AddrPort) error
	LocalAddr() netip.AddrPort
}

type datagram struct {
	buf  []byte
	peer netip.AddrPort
}

// PacketConn is the net.PacketConn the packet transport runs on. The driver
// pushes received datagrams into it from the event loop; writes go straight
// to the driver's socket.
type PacketConn struct {
	w       PacketWriter
	in      chan datagram
	buffers *pool.Buffers

	canWrite chan struct{}
	done     chan struct{}
	once     sync.Once

	mu               sync.Mutex
	readDeadline     time.Time
	deadlineChanged  chan struct{}
	dropped          atomic.Uint64
	writeBlockedWait time.Duration

	log *zap.Logger
}

var _ net.PacketConn = (*PacketConn)(nil)

func NewPacketConn(w PacketWriter, log *zap.Logger) *PacketConn {
	return &PacketConn{
		w:                w,
		in:               make(chan datagram, consts.PacketQueueSize),
		buffers:          pool.NewBuffers(consts.MaxPacketSize, consts.PacketQueueSize),
		canWrite:         make(chan struct{}, 1),
		done:             make(chan struct{}),
		deadlineChanged:  make(chan struct{}),
		writeBlockedWait: consts.Tick,
		log:              log.Named("packet-conn"),
	}
}

// Deliver queues a received datagram. b is copied. When the transport lags
// behind the datagram is dropped, like a full socket buffer would.
func (c *PacketConn) Deliver(peer netip.AddrPort, b []byte) {
	if len(b) > consts.MaxPacketSize {
		c.dropped.Add(1)
		return
	}
	buf := c.buffers.Get(len(b))
	copy(buf, b)
	select {
	case c.in <- datagram{buf, peer}:
	case <-c.done:
		c.buffers.Put(buf)
	default:
		c.buffers.Put(buf)
		if c.dropped.Add(1) == 1 {
			c.log.Warn("packet queue full, dropping datagrams")
		}
	}
}

// SignalWritable wakes writers waiting on a blocked socket.
func (c *PacketConn) SignalWritable() {
	select {
	case c.canWrite <- struct{}{}:
	default:
	}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, changed := c.readDeadline, c.deadlineChanged
		c.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: os.ErrDeadlineExceeded}
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case dg := <-c.in:
			stopTimer(timer)
			n := copy(p, dg.buf)
			c.buffers.Put(dg.buf)
			return n, net.UDPAddrFromAddrPort(dg.peer), nil
		case <-c.done:
			stopTimer(timer)
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: os.ErrDeadlineExceeded}
		case <-changed:
			stopTimer(timer)
		}
	}
}

// WriteTo waits while the socket is write blocked instead of failing, since
// the transport treats a write error as fatal for the connection.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	to, err := addrPort(addr)
	if err != nil {
		return 0, err
	}
	for {
		err := c.w.WritePacket(p, to)
		if !errors.Is(err, driver.ErrWriteBlocked) {
			if err != nil {
				return 0, err
			}
			return len(p), nil
		}

		t := time.NewTimer(c.writeBlockedWait)
		select {
		case <-c.canWrite:
		case <-t.C:
		case <-c.done:
			t.Stop()
			return 0, net.ErrClosed
		}
		t.Stop()
	}
}

func (c *PacketConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.w.LocalAddr())
}

func (c *PacketConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	close(c.deadlineChanged)
	c.deadlineChanged = make(chan struct{})
	return nil
}

// SetWriteDeadline is a no-op: writes never block on the socket for long.
func (c *PacketConn) SetWriteDeadline(time.Time) error { return nil }

func (c *PacketConn) Dropped() uint64 { return c.dropped.Load() }

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func addrPort(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort(), nil
	default:
		return netip.ParseAddrPort(addr.String())
	}
}
