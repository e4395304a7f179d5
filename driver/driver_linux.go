//go:build linux

package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/eventloop"
)

// Driver is not safe for concurrent use except for WritePacket and Stats,
// which the packet transport calls from its own goroutines.
type Driver struct {
	server    netip.AddrPort
	fd        int
	localAddr netip.AddrPort

	overflowSupported bool

	reg       *eventloop.Registration
	processor PacketProcessor

	buf []byte
	oob []byte

	writeBlocked atomic.Bool

	// guards fd against Close while WritePacket is running
	mu     sync.RWMutex
	closed bool

	stats stats
	log   *zap.Logger
}

// Open creates and binds the socket. Errors are ConnectionError.
func Open(server netip.AddrPort, conf Config, log *zap.Logger) (d *Driver, err error) {
	server = netip.AddrPortFrom(server.Addr().Unmap(), server.Port())
	family := unix.AF_INET6
	if server.Addr().Is4() {
		family = unix.AF_INET
	}
	if conf.ReceiveBufferSize == 0 {
		conf.ReceiveBufferSize = consts.SocketReceiveBufferSize
	}
	if conf.SendBufferSize == 0 {
		conf.SendBufferSize = consts.SocketSendBufferSize
	}
	log = log.Named("driver").With(zap.Stringer("server", server))

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, ConnectionError{"socket", err}
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, conf.ReceiveBufferSize); err != nil {
		log.Warn("set receive buffer size", zap.Error(err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, conf.SendBufferSize); err != nil {
		log.Warn("set send buffer size", zap.Error(err))
	}

	overflowSupported := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RXQ_OVFL, 1) == nil
	if !overflowSupported {
		log.Debug("kernel drop counting is not supported")
	}

	if family == unix.AF_INET {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
	} else {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
	}
	if err != nil {
		return nil, ConnectionError{"enable local address recovery", err}
	}

	bindAddr := conf.LocalAddr
	if !bindAddr.IsValid() {
		if family == unix.AF_INET {
			bindAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
		} else {
			bindAddr = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
		}
	}
	if err = unix.Bind(fd, toSockaddr(bindAddr)); err != nil {
		return nil, ConnectionError{"bind " + bindAddr.String(), err}
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, ConnectionError{"getsockname", err}
	}
	localAddr := fromSockaddr(sa)
	log.Debug("socket bound", zap.Stringer("local_addr", localAddr))

	return &Driver{
		server:            server,
		fd:                fd,
		localAddr:         localAddr,
		overflowSupported: overflowSupported,
		buf:               make([]byte, consts.ReadBufferSize),
		oob:               make([]byte, unix.CmsgSpace(unix.SizeofInet6Pktinfo)+unix.CmsgSpace(4)),
		log:               log,
	}, nil
}

// Register starts readiness notifications for the socket. Deliveries go to p.
func (d *Driver) Register(loop *eventloop.Loop, p PacketProcessor) error {
	if d.reg != nil {
		return errors.New("driver already registered")
	}
	reg, err := loop.Register(d.fd, eventloop.EventReadable|eventloop.EventWritable|eventloop.EdgeTriggered, d)
	if err != nil {
		return err
	}
	d.reg = reg
	d.processor = p
	return nil
}

func (d *Driver) OnEvent(_ int, ev eventloop.Events) {
	if ev.Has(eventloop.EventError) {
		soErr, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		d.log.Warn("socket error", zap.Error(err))
	}
	if ev.Has(eventloop.EventReadable) {
		if err := d.OnReadable(); err != nil {
			d.log.Warn("read packets", zap.Error(err))
		}
	}
	if ev.Has(eventloop.EventWritable) {
		d.OnWritable()
	}
}

// OnReadable reads datagrams until the socket is drained or the connection is
// gone. A read error is returned but leaves the connection alone.
func (d *Driver) OnReadable() error {
	for d.processor != nil && d.processor.Connected() {
		n, oobn, flags, from, err := unix.Recvmsg(d.fd, d.buf, d.oob, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("recvmsg: %w", err)
		}
		d.stats.packetsRead.Add(1)

		self := d.parseControlMessages(d.oob[:oobn])
		peer := fromSockaddr(from)
		if n > consts.MaxPacketSize || flags&unix.MSG_TRUNC != 0 {
			d.stats.packetsTooLarge.Add(1)
			d.log.Warn("dropping oversized datagram",
				zap.Int("size", n),
				zap.Stringer("peer", peer),
			)
			continue
		}
		d.processor.ProcessPacket(self, peer, d.buf[:n])
	}
	return nil
}

func (d *Driver) parseControlMessages(oob []byte) netip.AddrPort {
	self := d.localAddr
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		d.log.Debug("parse control messages", zap.Error(err))
		return self
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO && len(m.Data) >= unix.SizeofInet4Pktinfo:
			self = netip.AddrPortFrom(netip.AddrFrom4([4]byte(m.Data[8:12])), d.localAddr.Port())
		case m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO && len(m.Data) >= unix.SizeofInet6Pktinfo:
			self = netip.AddrPortFrom(netip.AddrFrom16([16]byte(m.Data[:16])), d.localAddr.Port())
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_RXQ_OVFL && len(m.Data) >= 4:
			d.stats.packetsDropped.Store(uint64(binary.NativeEndian.Uint32(m.Data)))
		}
	}
	return self
}

func (d *Driver) OnWritable() {
	d.writeBlocked.Store(false)
	if d.processor != nil {
		d.processor.OnCanWrite()
	}
}

// WritePacket sends one datagram. Safe for concurrent use.
func (d *Driver) WritePacket(b []byte, to netip.AddrPort) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return net.ErrClosed
	}

	err := unix.Sendto(d.fd, b, 0, toSockaddr(to))
	if errors.Is(err, unix.EAGAIN) {
		d.writeBlocked.Store(true)
		d.stats.writeBlocked.Add(1)
		return ErrWriteBlocked
	}
	if err != nil {
		return fmt.Errorf("sendto %s: %w", to, err)
	}
	return nil
}

func (d *Driver) IsWriteBlocked() bool { return d.writeBlocked.Load() }

// Close unregisters the socket and releases it. Calling it again is a no-op.
func (d *Driver) Close() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.reg != nil {
		err = d.reg.Close()
	}
	d.log.Debug("closing socket", zap.Any("stats", d.Stats()))
	return multierr.Append(err, unix.Close(d.fd))
}

func (d *Driver) LocalAddr() netip.AddrPort  { return d.localAddr }
func (d *Driver) ServerAddr() netip.AddrPort { return d.server }
func (d *Driver) OverflowSupported() bool    { return d.overflowSupported }
func (d *Driver) Stats() Stats               { return d.stats.snapshot() }

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
