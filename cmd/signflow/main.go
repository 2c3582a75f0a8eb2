// Command signflow runs the signing service and its maintenance tools.
//
// Usage:
//
//	signflow <command> [flags] <args>
//
// Commands:
//
//	serve      Run the HTTP API
//	reconcile  Settle PENDING signatures whose webhook never arrived
//	preview    Watermark a local PDF
//	fields     List signer markers and verify embedded signatures
//	version    Show version information
//
// Examples:
//
//	signflow serve --config signflow.yaml --migrate
//	signflow reconcile --config signflow.yaml --older-than 10m
//	signflow fields --json contract.pdf
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/georgepadayatti/signflow/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/signflow
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cli.Run(ctx, os.Args[1:])
}
