// Package main is the entry point for the Trino Arrow Flight gateway.
// The gateway accepts SQL over Arrow Flight (and Flight SQL), runs it on
// Trino with result spooling enabled, and streams the spooled segments back
// to the client as Arrow record batches.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := execute(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	return 0
}
