package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs Service.Sweep on a ticker until stopped.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. interval must be positive.
func NewSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start launches the background loop. A second Start is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.logger.Info("sweeper started", slog.String("interval", s.interval.String()))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

// RunOnce sweeps at the service clock's current time.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	result, err := s.svc.Sweep(ctx, s.svc.clock.Now())
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
	return result, err
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
