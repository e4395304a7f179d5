//go:build linux

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/quicreq/client"
	"github.com/ozontech/quicreq/testserver"
)

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "quicreq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "127.0.0.1:1"
host = "file.test"

[client]
max_open_streams = 4
`), 0o600))

	cfg, err := (&FetchCommand{
		Config:        path,
		Addr:          "127.0.0.1:4433",
		StreamTimeout: time.Second,
		Insecure:      true,
		Verbose:       true,
	}).loadConfig()
	require.NoError(t, err)
	a.Equal("127.0.0.1:4433", cfg.ServerAddr)
	a.Equal("file.test", cfg.Host)
	a.Equal(uint32(4), cfg.MaxOpenStreams)
	a.Equal(time.Second, cfg.StreamTimeout)
	a.True(cfg.Insecure)
	a.Equal(zapcore.DebugLevel, cfg.LogLevel)
}

func TestLoadConfigRequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := (&FetchCommand{}).loadConfig()
	assert.ErrorContains(t, err, "server address is required")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, (&FetchCommand{Repeat: 1, Rate: "line(1, 10, 5s)"}).Validate())
	assert.ErrorContains(t, (&FetchCommand{Repeat: 0}).Validate(), "--repeat")
	assert.ErrorContains(t, (&FetchCommand{Repeat: 1, Rate: "fast"}).Validate(), "--rate")
}

func TestRequests(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	c := &FetchCommand{
		URLs:    []string{"/a", "https://other.test/b?x=1"},
		Method:  "get",
		Headers: `{"Accept":["text/plain"]}`,
		Repeat:  2,
	}
	cfg, err := (&FetchCommand{Addr: "127.0.0.1:4433", Host: "example.test"}).loadConfig()
	require.NoError(t, err)

	reqs, err := c.requests(cfg)
	require.NoError(t, err)
	require.Len(t, reqs, 4)

	var tags []string
	for _, r := range reqs {
		tags = append(tags, r.Tag())
	}
	a.Equal([]string{"/a", "/b?x=1", "/a", "/b?x=1"}, tags)

	authority, _ := reqs[0].Headers.Get(":authority")
	a.Equal("example.test", authority)
	authority, _ = reqs[1].Headers.Get(":authority")
	a.Equal("other.test", authority)
	method, _ := reqs[0].Headers.Get(":method")
	a.Equal("GET", method)
	accept, _ := reqs[0].Headers.Get("accept")
	a.Equal("text/plain", accept)
}

func TestFetchRun(t *testing.T) {
	t.Parallel()
	srv, err := testserver.Listen(testserver.Config{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	phoutPath := filepath.Join(t.TempDir(), "phout.log")
	err = (&FetchCommand{
		URLs:     []string{"/one", "/two"},
		Addr:     srv.Addr().String(),
		Host:     "localhost",
		Insecure: true,
		Method:   "GET",
		Repeat:   1,
		Rate:     "const(50)",
		Output:   outputJSON,
		Phout:    phoutPath,
	}).Run(ctx)
	require.NoError(t, err)

	b, err := os.ReadFile(phoutPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Len(t, lines, 2)
	for _, l := range lines {
		assert.True(t, strings.HasSuffix(l, "http_200"), l)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestFetchConnectFailure(t *testing.T) {
	t.Parallel()
	srv, err := testserver.Listen(testserver.Config{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	addr := srv.Addr().String()
	require.NoError(t, srv.Close())

	path := filepath.Join(t.TempDir(), "quicreq.toml")
	require.NoError(t, os.WriteFile(path, []byte("[client]\nhandshake_timeout = \"300ms\"\n"), 0o600))

	err = (&FetchCommand{
		URLs:   []string{"/"},
		Config: path,
		Addr:   addr,
		Method: "GET",
		Repeat: 1,
	}).Run(context.Background())
	assert.ErrorIs(t, err, client.ErrConnectFailed)
}
