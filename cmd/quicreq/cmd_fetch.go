//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/quicreq/client"
	"github.com/ozontech/quicreq/config"
	"github.com/ozontech/quicreq/report"
	"github.com/ozontech/quicreq/report/jsonl"
	"github.com/ozontech/quicreq/report/multi"
	"github.com/ozontech/quicreq/report/phout"
	"github.com/ozontech/quicreq/report/summary"
	"github.com/ozontech/quicreq/report/text"
	"github.com/ozontech/quicreq/scheduler"
)

type output string

const (
	outputText output = "text"
	outputJSON output = "json"
)

type FetchCommand struct {
	URLs []string `arg:"" required:"" help:"Resource URLs or paths. A path is requested from --host."`

	Config string `type:"existingfile" placeholder:"quicreq.toml" help:"TOML configuration file. Flags override its values."`

	Addr           string        `group:"connection" placeholder:"127.0.0.1:4433" help:"Server address."`
	Host           string        `group:"connection" help:"Server name for TLS and :authority."`
	Insecure       bool          `group:"connection" help:"Skip server certificate verification."`
	Private        bool          `group:"connection" help:"Disable session resumption."`
	LocalAddr      string        `group:"connection" placeholder:"0.0.0.0:0" help:"Local address to bind."`
	MaxOpenStreams uint32        `group:"connection" help:"Concurrent request streams."`
	StreamTimeout  time.Duration `group:"connection" help:"Response timeout per request (10s, 500ms...)."`

	Method  string `default:"GET" help:"Request method."`
	Headers string `placeholder:"{\"accept\":[\"*/*\"]}" help:"Extra request headers as a JSON multi-value map."`
	Body    string `type:"path" placeholder:"body.bin" help:"Request body file."`
	Repeat  int    `default:"1" help:"Request every resource this many times."`
	Rate    string `placeholder:"const(100)" help:"Send schedule: unlimited, const(RPS) or line(FROM,TO,DURATION)."`

	Output  output `group:"output" enum:"text,json" default:"text" help:"Response output format. Available types: ${enum}"`
	NoBody  bool   `group:"output" help:"Do not print response bodies."`
	Phout   string `group:"output" type:"path" help:"Phout report file."`
	Summary bool   `group:"output" help:"Print totals to stderr."`

	Verbose bool `help:"Verbose output"`
}

func (c *FetchCommand) Validate() error {
	if c.Repeat < 1 {
		return errors.New("--repeat must be positive")
	}
	if _, err := scheduler.Parse(c.Rate); err != nil {
		return fmt.Errorf("--rate: %w", err)
	}
	return nil
}

func (c *FetchCommand) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return config.Config{}, err
		}
	}
	if c.Addr != "" {
		cfg.ServerAddr = c.Addr
	}
	if c.Host != "" {
		cfg.Host = c.Host
	}
	cfg.Insecure = cfg.Insecure || c.Insecure
	cfg.Private = cfg.Private || c.Private
	if c.LocalAddr != "" {
		cfg.LocalAddr = c.LocalAddr
	}
	if c.MaxOpenStreams != 0 {
		cfg.MaxOpenStreams = c.MaxOpenStreams
	}
	if c.StreamTimeout != 0 {
		cfg.StreamTimeout = c.StreamTimeout
	}
	if c.Verbose {
		cfg.LogLevel = zapcore.DebugLevel
	}
	return cfg, cfg.Validate()
}

func (c *FetchCommand) Run(ctx context.Context) (err error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	defer log.Sync() //nolint:errcheck

	reqs, err := c.requests(cfg)
	if err != nil {
		return err
	}

	rep, closeOut, err := c.reporter(cfg)
	if err != nil {
		return err
	}
	defer closeOut()
	g := new(errgroup.Group)
	g.Go(rep.Run)
	defer func() {
		err = multierr.Combine(err, rep.Close(), g.Wait())
	}()

	conf, err := client.FromConfig(cfg)
	if err != nil {
		return err
	}
	if conf.Schedule, err = scheduler.Parse(c.Rate); err != nil {
		return err
	}
	cl := client.New(conf, rep, log)
	if err := cl.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := cl.Disconnect(); err != nil {
			log.Warn("disconnect", zap.Error(err))
		}
	}()

	if err := cl.Connect(ctx); err != nil {
		return err
	}

	results, err := cl.SendRequestsAndWaitForResponse(ctx, reqs)
	if err != nil {
		log.Warn("requests interrupted", zap.Error(err))
	}
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	log.Info("done",
		zap.Int("requests", len(reqs)),
		zap.Int("failed", failed),
		zap.Any("socket", cl.Stats()),
	)
	return nil
}

func (c *FetchCommand) requests(cfg config.Config) ([]client.Request, error) {
	extra, err := client.ParseHeaders([]byte(c.Headers))
	if err != nil {
		return nil, err
	}
	var body []byte
	if c.Body != "" {
		if body, err = os.ReadFile(c.Body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}

	authority := cfg.Host
	if authority == "" {
		authority = cfg.ServerAddr
	}
	reqs := make([]client.Request, 0, len(c.URLs)*c.Repeat)
	for i := 0; i < c.Repeat; i++ {
		for _, u := range c.URLs {
			req, err := client.BuildRequest(c.Method, u, authority, extra, body)
			if err != nil {
				return nil, fmt.Errorf("request %q: %w", u, err)
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

func (c *FetchCommand) reporter(cfg config.Config) (report.Reporter, func(), error) {
	var reporters []report.Reporter
	switch c.Output {
	case outputJSON:
		reporters = append(reporters, jsonl.New(os.Stdout))
	default:
		reporters = append(reporters, text.New(os.Stdout, !c.NoBody))
	}

	closeOut := func() {}
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return nil, nil, fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		reporters = append(reporters, phout.New(f, cfg.StreamTimeout))
		closeOut = func() { f.Close() }
	}
	if c.Summary {
		reporters = append(reporters, summary.New(os.Stderr))
	}
	if len(reporters) == 1 {
		return reporters[0], closeOut, nil
	}
	return multi.New(reporters...), closeOut, nil
}

func newLogger(level zapcore.Level) *zap.Logger {
	lc := zap.NewDevelopmentConfig()
	lc.Level = zap.NewAtomicLevelAt(level)
	lc.OutputPaths = []string{"stderr"}
	return zap.Must(lc.Build())
}
