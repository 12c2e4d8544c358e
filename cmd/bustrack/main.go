package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bustrack/internal/cli"
)

func main() {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cancel()
	os.Exit(cli.ExitCode(err))
}
