package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
	"github.com/dharsanguruparan/OnceDrop/internal/lifecycle"
	"github.com/dharsanguruparan/OnceDrop/internal/metrics"
	"github.com/dharsanguruparan/OnceDrop/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store   blobstore.Store
	sweeper *lifecycle.Sweeper
	logger  *slog.Logger
}

// NewProcessor constructs a worker processor. sweeper may be nil when this
// worker should not run the periodic sweep.
func NewProcessor(store blobstore.Store, sweeper *lifecycle.Sweeper, logger *slog.Logger) *Processor {
	return &Processor{store: store, sweeper: sweeper, logger: logger.With(slog.String("component", "worker"))}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	// ServeMux routes by task type name, like http.ServeMux routes by path.
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.BlobDeleteTask, p.handleBlobDelete)
	// Without a sweeper the task is left unregistered; asynq reports it as
	// unhandled instead of silently succeeding.
	if p.sweeper != nil {
		mux.HandleFunc(queue.SweepTask, p.handleSweep)
	}
	return mux
}

func (p *Processor) handleBlobDelete(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeBlobDelete(task)
	if err != nil {
		// A malformed payload will never succeed.
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := p.store.Delete(ctx, payload.BlobID); err != nil {
		p.logger.Warn("blob delete retry failed",
			slog.String("blob_id", payload.BlobID),
			slog.String("reason", payload.Reason),
			slog.String("error", err.Error()),
		)
		// Returning the error hands the task back to asynq, which retries
		// with its own backoff until MaxRetry is spent.
		return fmt.Errorf("delete blob %s: %w", payload.BlobID, err)
	}
	metrics.CleanupTotal.WithLabelValues("retried").Inc()
	p.logger.Info("blob deleted by worker",
		slog.String("blob_id", payload.BlobID),
		slog.String("reason", payload.Reason),
	)
	return nil
}

func (p *Processor) handleSweep(ctx context.Context, _ *asynq.Task) error {
	if _, err := p.sweeper.RunOnce(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}
