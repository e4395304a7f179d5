// Package config loads the client configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/protocol"
)

type Config struct {
	ServerAddr string
	// Host is the TLS server name. It defaults to the host part of ServerAddr.
	Host     string
	Insecure bool
	Private  bool
	ALPN     string

	LocalAddr         string
	MaxOpenStreams    uint32
	HandshakeTimeout  time.Duration
	StreamTimeout     time.Duration
	IdleTimeout       time.Duration
	Tick              time.Duration
	ReceiveBufferSize int
	SendBufferSize    int

	LogLevel zapcore.Level
}

func Default() Config {
	return Config{
		ALPN:              consts.DefaultALPN,
		MaxOpenStreams:    consts.DefaultMaxOpenStreams,
		HandshakeTimeout:  consts.DefaultHandshakeTimeout,
		StreamTimeout:     consts.DefaultTimeout,
		IdleTimeout:       consts.DefaultIdleTimeout,
		Tick:              consts.Tick,
		ReceiveBufferSize: consts.SocketReceiveBufferSize,
		SendBufferSize:    consts.SocketSendBufferSize,
		LogLevel:          zapcore.WarnLevel,
	}
}

type fileConfig struct {
	Server struct {
		Addr     string `toml:"addr"`
		Host     string `toml:"host"`
		Insecure bool   `toml:"insecure"`
		Private  bool   `toml:"private"`
		ALPN     string `toml:"alpn"`
	} `toml:"server"`
	Client struct {
		LocalAddr        string `toml:"local_addr"`
		MaxOpenStreams   uint32 `toml:"max_open_streams"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		StreamTimeout    string `toml:"stream_timeout"`
		IdleTimeout      string `toml:"idle_timeout"`
		Tick             string `toml:"tick"`
		ReceiveBuffer    int    `toml:"receive_buffer"`
		SendBuffer       int    `toml:"send_buffer"`
	} `toml:"client"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	cfg := Default()

	if meta.IsDefined("server", "addr") {
		cfg.ServerAddr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "host") {
		cfg.Host = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "insecure") {
		cfg.Insecure = raw.Server.Insecure
	}
	if meta.IsDefined("server", "private") {
		cfg.Private = raw.Server.Private
	}
	if meta.IsDefined("server", "alpn") {
		cfg.ALPN = strings.TrimSpace(raw.Server.ALPN)
	}

	if meta.IsDefined("client", "local_addr") {
		cfg.LocalAddr = strings.TrimSpace(raw.Client.LocalAddr)
	}
	if meta.IsDefined("client", "max_open_streams") {
		cfg.MaxOpenStreams = raw.Client.MaxOpenStreams
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.Client.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"stream_timeout", raw.Client.StreamTimeout, &cfg.StreamTimeout},
		{"idle_timeout", raw.Client.IdleTimeout, &cfg.IdleTimeout},
		{"tick", raw.Client.Tick, &cfg.Tick},
	} {
		if !meta.IsDefined("client", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("client", "receive_buffer") {
		cfg.ReceiveBufferSize = raw.Client.ReceiveBuffer
	}
	if meta.IsDefined("client", "send_buffer") {
		cfg.SendBufferSize = raw.Client.SendBuffer
	}

	if meta.IsDefined("log", "level") {
		lvl, err := zapcore.ParseLevel(strings.TrimSpace(raw.Log.Level))
		if err != nil {
			return Config{}, fmt.Errorf("parse log level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func (c Config) Validate() (err error) {
	if c.ServerAddr == "" {
		err = multierr.Append(err, errors.New("server address is required"))
	}
	if c.ALPN == "" {
		err = multierr.Append(err, errors.New("alpn must not be empty"))
	}
	if c.LocalAddr != "" {
		if _, perr := netip.ParseAddrPort(c.LocalAddr); perr != nil {
			err = multierr.Append(err, fmt.Errorf("local address: %w", perr))
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"handshake timeout", c.HandshakeTimeout},
		{"stream timeout", c.StreamTimeout},
		{"idle timeout", c.IdleTimeout},
		{"tick", c.Tick},
	} {
		if d.v <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %s", d.name, d.v))
		}
	}
	if c.ReceiveBufferSize < 0 || c.SendBufferSize < 0 {
		err = multierr.Append(err, errors.New("socket buffer sizes must not be negative"))
	}
	return err
}

// ServerID resolves the server address.
func (c Config) ServerID() (protocol.ServerID, error) {
	ua, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return protocol.ServerID{}, fmt.Errorf("resolve %s: %w", c.ServerAddr, err)
	}
	addr := ua.AddrPort()
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	host := c.Host
	if host == "" {
		if h, _, err := net.SplitHostPort(c.ServerAddr); err == nil {
			if _, err := netip.ParseAddr(h); err != nil {
				host = h
			}
		}
	}
	return protocol.ServerID{Addr: addr, Host: host, Private: c.Private}, nil
}

// LocalAddrPort is the parsed LocalAddr, invalid when unset.
func (c Config) LocalAddrPort() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(c.LocalAddr)
	return addr
}
