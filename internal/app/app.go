// Package app builds the OnceDrop object graph from configuration. Every
// binary goes through New so the server, the worker and the CLI share one
// wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/OnceDrop/internal/api"
	"github.com/dharsanguruparan/OnceDrop/internal/audit"
	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
	"github.com/dharsanguruparan/OnceDrop/internal/clock"
	"github.com/dharsanguruparan/OnceDrop/internal/config"
	"github.com/dharsanguruparan/OnceDrop/internal/database"
	"github.com/dharsanguruparan/OnceDrop/internal/lifecycle"
	"github.com/dharsanguruparan/OnceDrop/internal/processing"
	"github.com/dharsanguruparan/OnceDrop/internal/queue"
	"github.com/dharsanguruparan/OnceDrop/internal/registry"
	"github.com/dharsanguruparan/OnceDrop/internal/sealing"
	"github.com/dharsanguruparan/OnceDrop/internal/signing"
	"github.com/dharsanguruparan/OnceDrop/internal/watermark"
)

// App holds the wired components. Close releases them.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *lifecycle.Service
	Store    blobstore.Store
	Registry registry.Registry
	Stage    watermark.Stage
	Pool     *pgxpool.Pool

	// Cleanup is the asynq client when Redis is configured, otherwise the
	// in-process pool.
	Cleanup   lifecycle.CleanupQueue
	processor *processing.Processor
	asynq     *asynq.Client
}

// New wires every component selected by cfg. ctx bounds startup and the
// lifetime of the in-process cleanup pool.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	engine, err := sealing.New(cfg.Cipher)
	if err != nil {
		return err
	}

	if cfg.UsesPostgres() {
		if err := database.Migrate(cfg.DatabaseURL, a.Logger); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.Pool, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
	}

	regOpts := registry.Options{ValidityWindow: cfg.ValidityWindow, CodeDigits: cfg.CodeDigits}
	switch cfg.RegistryBackend {
	case "postgres":
		a.Registry = registry.NewPostgresRegistry(a.Pool, regOpts, nil, clock.Real{})
	default:
		a.Registry = registry.NewMemoryRegistry(regOpts, nil, clock.Real{})
	}

	switch cfg.BlobBackend {
	case "minio":
		store, err := blobstore.NewMinioStore(blobstore.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init blob store: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		a.Store = store
	default:
		a.Store = blobstore.NewMemoryStore()
	}

	var sinks []audit.Log
	if slices.Contains(cfg.AuditSinks, "log") {
		sinks = append(sinks, audit.NewSlogLog(a.Logger))
	}
	if slices.Contains(cfg.AuditSinks, "postgres") {
		sinks = append(sinks, audit.NewPostgresLog(a.Pool))
	}
	// One chain per sink so an outage in one store cannot break the
	// verifiable sequence held by another.
	auditLog := audit.ChainEach(signing.NewSigner(cfg.AuditSecret), sinks...)

	if cfg.RedisAddr != "" {
		a.asynq = asynq.NewClient(a.RedisOpt())
		a.Cleanup = queue.NewClient(a.asynq)
	} else {
		a.processor = processing.New(a.Store, processing.Options{Workers: cfg.WorkerConcurrency}, a.Logger)
		a.processor.Start(ctx)
		a.Cleanup = a.processor
	}

	a.Stage = watermark.NewStamper("OnceDrop")
	a.Service = lifecycle.NewService(lifecycle.Deps{
		Engine:   engine,
		Registry: a.Registry,
		Store:    a.Store,
		Audit:    auditLog,
		Cleanup:  a.Cleanup,
		Clock:    clock.Real{},
		Logger:   a.Logger,
	}, lifecycle.Options{CodeDigits: cfg.CodeDigits})
	return nil
}

// RedisOpt is the asynq connection described by the config.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
}

// Readiness lists the external dependencies the API reports on.
func (a *App) Readiness() map[string]api.Pinger {
	checks := make(map[string]api.Pinger)
	if a.Pool != nil {
		checks["postgres"] = a.Pool
	}
	if p, ok := a.Store.(api.Pinger); ok {
		checks["blobstore"] = p
	}
	return checks
}

// Sweeper returns a background sweeper for the service.
func (a *App) Sweeper() *lifecycle.Sweeper {
	return lifecycle.NewSweeper(a.Service, a.Config.SweepInterval, a.Logger)
}

// Close releases connections. In-process cleanup workers stop with the
// context passed to New.
func (a *App) Close() error {
	var errs []error
	if a.asynq != nil {
		errs = append(errs, a.asynq.Close())
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}
