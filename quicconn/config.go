package quicconn

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ozontech/quicreq/consts"
	"github.com/ozontech/quicreq/protocol"
)

type Config struct {
	Server protocol.ServerID
	ALPN   string
	// Insecure skips server certificate verification.
	Insecure bool
	RootCAs  *x509.CertPool

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.ALPN == "" {
		c.ALPN = consts.DefaultALPN
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = consts.DefaultHandshakeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = consts.DefaultIdleTimeout
	}
}

// TLSConfig is the client TLS configuration. A private server identity gets
// no session cache, so connections cannot be linked through resumption.
func (c Config) TLSConfig() *tls.Config {
	serverName := c.Server.Host
	if serverName == "" {
		serverName = c.Server.Addr.Addr().String()
	}
	conf := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{c.ALPN},
		InsecureSkipVerify: c.Insecure, //nolint:gosec // opt-in for test servers
		RootCAs:            c.RootCAs,
		MinVersion:         tls.VersionTLS13,
	}
	if !c.Server.Private {
		conf.ClientSessionCache = tls.NewLRUClientSessionCache(16)
	}
	return conf
}

func (c Config) QUICConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		// the peer may only open control streams
		MaxIncomingStreams: -1,
	}
}
