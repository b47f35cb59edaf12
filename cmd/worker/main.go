// Command worker processes OnceDrop background tasks from Redis.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/OnceDrop/internal/app"
	"github.com/dharsanguruparan/OnceDrop/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.SetupLogger(cfg)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer a.Close()

	if err := app.RunWorker(ctx, a); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
