package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/ozontech/quicreq/consts"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "quicreq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "127.0.0.1:4433"
host = "example.test"
insecure = true

[client]
max_open_streams = 8
stream_timeout = " 2s "
tick = "10ms"

[log]
level = "debug"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	a.Equal("127.0.0.1:4433", cfg.ServerAddr)
	a.Equal("example.test", cfg.Host)
	a.True(cfg.Insecure)
	a.False(cfg.Private)
	a.Equal(uint32(8), cfg.MaxOpenStreams)
	a.Equal(2*time.Second, cfg.StreamTimeout)
	a.Equal(10*time.Millisecond, cfg.Tick)
	a.Equal(zapcore.DebugLevel, cfg.LogLevel)

	// untouched keys keep defaults
	a.Equal(consts.DefaultALPN, cfg.ALPN)
	a.Equal(consts.DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	a.Equal(consts.SocketReceiveBufferSize, cfg.ReceiveBufferSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "load config")
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"bad duration": "[client]\nstream_timeout = \"soon\"",
		"bad level":    "[log]\nlevel = \"loud\"",
		"unknown key":  "[client]\nretries = 3",
		"syntax":       "[server\naddr = 1",
	} {
		doc := doc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(doc)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ALPN = ""
	cfg.LocalAddr = "not an address"
	cfg.Tick = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)

	cfg = Default()
	cfg.ServerAddr = "localhost:443"
	assert.NoError(t, cfg.Validate())
}

func TestServerID(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cfg := Default()
	cfg.ServerAddr = "localhost:4433"
	cfg.Private = true
	id, err := cfg.ServerID()
	require.NoError(t, err)
	a.Equal("localhost", id.Host)
	a.Equal(uint16(4433), id.Addr.Port())
	a.True(id.Private)

	cfg.ServerAddr = "127.0.0.1:443"
	id, err = cfg.ServerID()
	require.NoError(t, err)
	a.Empty(id.Host)
	a.Equal(netip.MustParseAddrPort("127.0.0.1:443"), id.Addr)

	cfg.Host = "override.test"
	id, err = cfg.ServerID()
	require.NoError(t, err)
	a.Equal("override.test", id.Host)
}

func TestLocalAddrPort(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.False(t, cfg.LocalAddrPort().IsValid())
	cfg.LocalAddr = "127.0.0.1:9000"
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9000"), cfg.LocalAddrPort())
}
