// Command certtrust validates certificate chains, revocation data and
// timestamps against a set of trust anchors.
//
// Usage:
//
//	certtrust <command> [options] <args>
//
// Commands:
//
//	validate  Validate a signing certificate and its supporting data
//	version   Show version information
//
// Examples:
//
//	# Validate offline against a root bundle
//	certtrust validate --trust roots.pem --crl ca.crl --offline signer.pem
//
//	# Validate with online fetching and export the collected data
//	certtrust validate --config certtrust.yaml --export ltv.pem signer.pem
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/georgepadayatti/certtrust/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/certtrust
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
