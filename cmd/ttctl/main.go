package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ttstudio/internal/ttctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := ttctl.Execute(ctx)
	stop()
	os.Exit(code)
}
