//go:build linux

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Fetch FetchCommand      `cmd:"" help:"Fetch resources over one connection."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Groups(map[string]string{
			"connection": `Connection flags:`,
			"output":     `Output flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`a minimal request/response client over QUIC

quicreq opens one connection to the server, sends a request for every resource
and prints each response status line, headers and body. It exits with code 1
only when the connection cannot be established.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
