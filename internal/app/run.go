package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/OnceDrop/internal/api"
	"github.com/dharsanguruparan/OnceDrop/internal/queue"
	"github.com/dharsanguruparan/OnceDrop/internal/server"
	"github.com/dharsanguruparan/OnceDrop/internal/worker"
)

// ErrNoRedis is returned by RunWorker when no Redis address is configured.
var ErrNoRedis = errors.New("worker requires ONCEDROP_REDIS_ADDR")

// SharedRegistry reports whether other processes see the same registry.
func (a *App) SharedRegistry() bool {
	return a.Config.RegistryBackend == "postgres"
}

// RunServer serves the HTTP API until ctx is cancelled. The expiry sweep
// runs in-process unless a worker owns it through the asynq scheduler.
func RunServer(ctx context.Context, a *App) error {
	if !a.SharedRegistry() || a.Config.RedisAddr == "" {
		sweeper := a.Sweeper()
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}
	handler := api.New(a.Config, a.Service, a.Stage, a.Logger).WithReadiness(a.Readiness()).Routes()
	srv := server.New(a.Config.Address, handler, a.Config.ShutdownTimeout, a.Logger)
	return srv.Run(ctx)
}

// RunWorker processes cleanup tasks and, for a shared registry, schedules
// the periodic sweep. It blocks until ctx is cancelled.
func RunWorker(ctx context.Context, a *App) error {
	if a.Config.RedisAddr == "" {
		return ErrNoRedis
	}
	redis := a.RedisOpt()
	logger := asynqLogger{a.Logger.With(slog.String("component", "asynq"))}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: a.Config.WorkerConcurrency,
		Logger:      logger,
	})

	var processor *worker.Processor
	var scheduler *asynq.Scheduler
	if a.SharedRegistry() {
		processor = worker.NewProcessor(a.Store, a.Sweeper(), a.Logger)
		scheduler = asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: logger})
		if _, err := queue.RegisterSweep(scheduler, a.Config.SweepInterval); err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Shutdown()
	} else {
		a.Logger.Warn("registry is not shared, sweep stays with the server process")
		processor = worker.NewProcessor(a.Store, nil, a.Logger)
	}

	if err := srv.Start(processor.Handler()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// asynqLogger adapts slog to asynq's logger interface.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
