// Command server runs the OnceDrop HTTP API.
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
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer a.Close()

	if err := app.RunServer(ctx, a); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
