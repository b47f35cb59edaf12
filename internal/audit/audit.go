// Package audit records the append-only trail of lifecycle events. Sinks
// only ever append; nothing in this package reads events back for the core.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/OnceDrop/internal/clock"
	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// Log is a one-way sink for audit events.
type Log interface {
	Record(ctx context.Context, event model.AuditEvent) error
}

// NewEvent builds an event stamped with a fresh id and clk's time.
func NewEvent(clk clock.Clock, action model.AuditAction, code, blobID string, metadata map[string]string) model.AuditEvent {
	return model.AuditEvent{
		ID:         uuid.NewString(),
		Timestamp:  clk.Now().UTC(),
		Action:     action,
		AccessCode: code,
		BlobID:     blobID,
		Metadata:   metadata,
	}
}

// SlogLog writes each event as a structured log line.
type SlogLog struct {
	logger *slog.Logger
}

// NewSlogLog tags every line with component=audit.
func NewSlogLog(logger *slog.Logger) *SlogLog {
	return &SlogLog{logger: logger.With(slog.String("component", "audit"))}
}

func (l *SlogLog) Record(ctx context.Context, e model.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("action", string(e.Action)),
		slog.String("access_code", e.AccessCode),
		slog.String("blob_id", e.BlobID),
	}
	if len(e.Metadata) > 0 {
		meta := make([]any, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	if e.Signature != "" {
		attrs = append(attrs, slog.String("signature", e.Signature))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit event", attrs...)
	return nil
}

// MemoryLog keeps events in order. Used by tests and the sweep command.
type MemoryLog struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) Record(_ context.Context, e model.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (l *MemoryLog) Events() []model.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AuditEvent(nil), l.events...)
}

// Actions returns the recorded actions in order.
func (l *MemoryLog) Actions() []model.AuditAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AuditAction, len(l.events))
	for i, e := range l.events {
		out[i] = e.Action
	}
	return out
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Log

func (m Multi) Record(ctx context.Context, e model.AuditEvent) error {
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
