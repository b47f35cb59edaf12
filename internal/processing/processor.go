// Package processing runs compensating blob deletes in-process when no Redis
// queue is configured. A bounded channel feeds a fixed set of worker
// goroutines; each job is retried with exponential backoff.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
	"github.com/dharsanguruparan/OnceDrop/internal/metrics"
)

// ErrQueueFull is returned when the buffer cannot take another job.
var ErrQueueFull = errors.New("cleanup queue full")

// Job is a blob that still has to be deleted.
type Job struct {
	BlobID string
	Reason string
}

// Options tune the retry policy. Zero values pick the defaults.
type Options struct {
	Workers         int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 8
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	return o
}

// Processor consumes Jobs and deletes their blobs.
type Processor struct {
	store  blobstore.Store
	queue  chan Job
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New builds a Processor with queue capacity tied to worker count.
func New(store blobstore.Store, opts Options, logger *slog.Logger) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		store:  store,
		queue:  make(chan Job, opts.Workers*64),
		opts:   opts,
		logger: logger.With(slog.String("component", "cleanup")),
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		// Add before the goroutine starts so Wait cannot race past it.
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// EnqueueBlobDelete queues a delete without blocking the caller.
func (p *Processor) EnqueueBlobDelete(_ context.Context, blobID, reason string) error {
	// A select with a default case never blocks: when the buffer is full
	// the request path gets an error instead of stalling behind deletes.
	select {
	case p.queue <- Job{BlobID: blobID, Reason: reason}:
		return nil
	default:
		metrics.CleanupTotal.WithLabelValues("dropped").Inc()
		p.logger.Error("cleanup queue full, dropping blob delete",
			slog.String("blob_id", blobID),
			slog.String("reason", reason),
		)
		return fmt.Errorf("%w: blob %s", ErrQueueFull, blobID)
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			if n := len(p.queue); n > 0 {
				p.logger.Warn("cleanup stopped with pending jobs", slog.Int("pending", n))
			}
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.opts.InitialInterval
	exp.MaxInterval = p.opts.MaxInterval
	// MaxElapsedTime of zero disables the time budget; WithMaxRetries bounds
	// the attempts instead and WithContext aborts the wait on shutdown.
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, p.opts.MaxRetries), ctx)

	attempts := 0
	// Delete is idempotent, so retrying after an ambiguous failure is safe.
	err := backoff.Retry(func() error {
		attempts++
		return p.store.Delete(ctx, job.BlobID)
	}, policy)
	if err != nil {
		metrics.CleanupTotal.WithLabelValues("failed").Inc()
		p.logger.Error("blob delete abandoned",
			slog.String("blob_id", job.BlobID),
			slog.String("reason", job.Reason),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.CleanupTotal.WithLabelValues("retried").Inc()
	p.logger.Info("blob deleted by cleanup",
		slog.String("blob_id", job.BlobID),
		slog.String("reason", job.Reason),
		slog.Int("attempts", attempts),
	)
}
