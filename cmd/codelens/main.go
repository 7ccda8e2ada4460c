package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/codelens/codelens/cmd/codelens/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
