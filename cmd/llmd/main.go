package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"llmd/internal/cli"
)

func main() {
	// Ctrl+C / SIGTERM: serve shuts down gracefully, chat stops its session.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
