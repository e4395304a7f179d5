//go:build linux

package driver_test

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/quicreq/driver"
	"github.com/ozontech/quicreq/eventloop"
)

type packet struct {
	self, peer netip.AddrPort
	data       []byte
}

type processorMock struct {
	connected bool
	packets   []packet
	canWrite  int
}

func (p *processorMock) ProcessPacket(self, peer netip.AddrPort, b []byte) {
	p.packets = append(p.packets, packet{self, peer, bytes.Clone(b)})
}
func (p *processorMock) OnCanWrite()     { p.canWrite++ }
func (p *processorMock) Connected() bool { return p.connected }

type fixture struct {
	loop   *eventloop.Loop
	driver *driver.Driver
	proc   *processorMock
	peer   *net.UDPConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	loop, err := eventloop.New(log)
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })

	d, err := driver.Open(peer.LocalAddr().(*net.UDPAddr).AddrPort(), driver.Config{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	proc := &processorMock{connected: true}
	require.NoError(t, d.Register(loop, proc))
	return &fixture{loop, d, proc, peer}
}

func (f *fixture) driverAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(f.driver.LocalAddr().Port())}
}

func (f *fixture) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := f.loop.RunOnce(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func TestOpenWildcard(t *testing.T) {
	d, err := driver.Open(netip.MustParseAddrPort("127.0.0.1:443"), driver.Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, netip.IPv4Unspecified(), d.LocalAddr().Addr())
	assert.NotZero(t, d.LocalAddr().Port())
}

func TestOpenExplicitLocalAddr(t *testing.T) {
	d, err := driver.Open(
		netip.MustParseAddrPort("127.0.0.1:443"),
		driver.Config{LocalAddr: netip.MustParseAddrPort("127.0.0.1:0")},
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), d.LocalAddr().Addr())
	assert.NotZero(t, d.LocalAddr().Port())
}

func TestOpenBindFailure(t *testing.T) {
	// TEST-NET-1 is never assigned to a local interface
	_, err := driver.Open(
		netip.MustParseAddrPort("127.0.0.1:443"),
		driver.Config{LocalAddr: netip.MustParseAddrPort("192.0.2.1:0")},
		zaptest.NewLogger(t),
	)
	var connErr driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Op, "bind")
}

func TestReadPackets(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	for _, msg := range []string{"first", "second"} {
		_, err := f.peer.WriteToUDP([]byte(msg), f.driverAddr())
		require.NoError(t, err)
	}
	f.runUntil(t, func() bool { return len(f.proc.packets) == 2 })

	peerAddr := f.peer.LocalAddr().(*net.UDPAddr).AddrPort()
	for i, msg := range []string{"first", "second"} {
		p := f.proc.packets[i]
		a.Equal(msg, string(p.data))
		a.Equal(peerAddr, p.peer)
		a.Equal(netip.MustParseAddrPort(f.driverAddr().String()), p.self)
	}
	a.Equal(uint64(2), f.driver.Stats().PacketsRead)
}

func TestOversizedPacketDropped(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	_, err := f.peer.WriteToUDP(make([]byte, 2000), f.driverAddr())
	require.NoError(t, err)
	_, err = f.peer.WriteToUDP([]byte("ok"), f.driverAddr())
	require.NoError(t, err)

	f.runUntil(t, func() bool { return len(f.proc.packets) == 1 })
	a.Equal("ok", string(f.proc.packets[0].data))
	a.Equal(uint64(1), f.driver.Stats().PacketsTooLarge)
}

func TestNoReadsWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	f.proc.connected = false

	_, err := f.peer.WriteToUDP([]byte("ignored"), f.driverAddr())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = f.loop.RunOnce(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, f.proc.packets)
}

func TestWritePacket(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	// the socket starts writable
	f.runUntil(t, func() bool { return f.proc.canWrite > 0 })
	a.False(f.driver.IsWriteBlocked())

	peerAddr := f.peer.LocalAddr().(*net.UDPAddr).AddrPort()
	require.NoError(t, f.driver.WritePacket([]byte("hello"), peerAddr))

	require.NoError(t, f.peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, from, err := f.peer.ReadFromUDP(buf)
	require.NoError(t, err)
	a.Equal("hello", string(buf[:n]))
	a.Equal(f.driver.LocalAddr().Port(), uint16(from.Port))
}

func TestClose(t *testing.T) {
	a := assert.New(t)
	f := newFixture(t)

	a.NoError(f.driver.Close())
	a.NoError(f.driver.Close())
	a.ErrorIs(f.driver.WritePacket([]byte("x"), f.driver.ServerAddr()), net.ErrClosed)
}
