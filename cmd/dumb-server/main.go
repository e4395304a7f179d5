// dumb-server answers every request with a fixed response. It is meant for
// trying quicreq by hand.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/quicreq/codec"
	"github.com/ozontech/quicreq/testserver"
)

var CLI struct {
	Addr        string `default:"127.0.0.1:4433" help:"UDP listen address."`
	Host        string `default:"localhost" help:"Name in the generated certificate."`
	BodySize    int    `default:"0" help:"Answer with a body of this many bytes instead of an echo of the path."`
	GoAwayAfter int    `help:"Send GOAWAY after this many requests on a connection."`
	Verbose     bool   `help:"Verbose output"`
}

func main() {
	kong.Parse(&CLI, kong.Description("a QUIC responder for quicreq"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Println("server exited: " + err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := zap.NewNop()
	if CLI.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	handler := testserver.Echo
	if CLI.BodySize > 0 {
		body := bytes.Repeat([]byte{'x'}, CLI.BodySize)
		handler = func(testserver.Request) testserver.Response {
			return testserver.Response{
				Status:  200,
				Headers: codec.Headers{}.Add("content-type", "application/octet-stream"),
				Body:    body,
			}
		}
	}

	srv, err := testserver.Listen(testserver.Config{
		Addr:        CLI.Addr,
		Host:        CLI.Host,
		GoAwayAfter: CLI.GoAwayAfter,
	}, handler, log)
	if err != nil {
		return err
	}
	fmt.Printf("listening on %s (self-signed certificate, use quicreq --insecure)\n", srv.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		var last int64
		for {
			select {
			case <-ctx.Done():
				fmt.Println("requests served:", humanize.Comma(srv.Requests()))
				return nil
			case <-t.C:
				if n := srv.Requests(); n != last {
					fmt.Println("requests/s:", humanize.Comma(n-last))
					last = n
				}
			}
		}
	})
	return g.Wait()
}
