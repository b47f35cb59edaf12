// Package lifecycle orchestrates the one-time-access flow: seal and store on
// upload, burn and open on access, destroy on print or expiry. The registry
// decides every state transition; this package only sequences side effects
// around it and never holds a key longer than one call.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dharsanguruparan/OnceDrop/internal/audit"
	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
	"github.com/dharsanguruparan/OnceDrop/internal/clock"
	"github.com/dharsanguruparan/OnceDrop/internal/metrics"
	"github.com/dharsanguruparan/OnceDrop/internal/model"
	"github.com/dharsanguruparan/OnceDrop/internal/registry"
	"github.com/dharsanguruparan/OnceDrop/internal/sealing"
)

// ErrUnreadable means the code was consumed but the document could not be
// produced. The code stays burned.
var ErrUnreadable = errors.New("document unreadable")

// CleanupQueue takes blob deletes the inline attempt could not finish.
type CleanupQueue interface {
	EnqueueBlobDelete(ctx context.Context, blobID, reason string) error
}

// Deps are the collaborators a Service sequences.
type Deps struct {
	Engine   sealing.Engine
	Registry registry.Registry
	Store    blobstore.Store
	Audit    audit.Log
	// Cleanup may be nil, in which case failed deletes are only logged.
	Cleanup CleanupQueue
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Options tune timeouts and retries. Zero values pick the defaults.
type Options struct {
	CodeDigits        int
	DeleteTimeout     time.Duration
	ReadRetries       uint64
	ReadRetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CodeDigits <= 0 {
		o.CodeDigits = registry.DefaultCodeDigits
	}
	if o.DeleteTimeout <= 0 {
		o.DeleteTimeout = 5 * time.Second
	}
	if o.ReadRetries == 0 {
		o.ReadRetries = 3
	}
	if o.ReadRetryInterval <= 0 {
		o.ReadRetryInterval = 100 * time.Millisecond
	}
	return o
}

// UploadRequest is a plaintext document handed in by a sender.
type UploadRequest struct {
	FileName      string
	MimeType      string
	Data          []byte
	RecipientName string
	Notes         string
}

// UploadResult is what the sender passes on to the recipient.
type UploadResult struct {
	AccessCode string    `json:"accessCode"`
	ExpiryTime time.Time `json:"expiryTime"`
}

// Document is a decrypted payload ready for the watermark stage.
type Document struct {
	FileName      string
	MimeType      string
	Data          []byte
	RecipientName string
	Notes         string
	AccessedAt    time.Time
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Reclaimed int
	Queued    int
	Duration  time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	engine   sealing.Engine
	registry registry.Registry
	store    blobstore.Store
	audit    audit.Log
	cleanup  CleanupQueue
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options
}

// NewService wires a Service. A nil clock selects the real clock and a nil
// audit log discards events.
func NewService(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Multi{}
	}
	return &Service{
		engine:   deps.Engine,
		registry: deps.Registry,
		store:    deps.Store,
		audit:    deps.Audit,
		cleanup:  deps.Cleanup,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("component", "lifecycle")),
		opts:     opts.withDefaults(),
	}
}

// Upload seals req, stores the ciphertext and issues a code for it. When no
// code is issued the stored blob is deleted again.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		metrics.UploadsTotal.WithLabelValues("cancelled").Inc()
		return UploadResult{}, err
	}
	sealed, key, err := s.engine.Encrypt(req.Data)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("encrypt_error").Inc()
		return UploadResult{}, fmt.Errorf("seal document: %w", err)
	}
	defer key.Wipe()

	blobID, err := s.store.Put(ctx, sealed, map[string]string{
		"content-type": "application/octet-stream",
		"format":       s.engine.Name(),
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("store_error").Inc()
		return UploadResult{}, fmt.Errorf("store document: %w", err)
	}

	if err := ctx.Err(); err != nil {
		metrics.UploadsTotal.WithLabelValues("cancelled").Inc()
		s.discardBlob(ctx, blobID, "upload_cancelled")
		return UploadResult{}, err
	}

	record, err := s.registry.Issue(ctx, model.DocumentDraft{
		BlobID:        blobID,
		EncryptionKey: key,
		FileName:      req.FileName,
		MimeType:      req.MimeType,
		Size:          int64(len(req.Data)),
		RecipientName: req.RecipientName,
		Notes:         req.Notes,
		Cipher:        s.engine.Name(),
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("issue_error").Inc()
		s.withdraw(ctx, blobID)
		s.discardBlob(ctx, blobID, "orphan")
		return UploadResult{}, fmt.Errorf("issue access code: %w", err)
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	s.emit(ctx, model.ActionUpload, record.AccessCode, blobID, map[string]string{
		"mime_type":  record.MimeType,
		"size":       strconv.FormatInt(record.Size, 10),
		"expires_at": record.ExpiryTime.UTC().Format(time.RFC3339),
	})
	return UploadResult{AccessCode: record.AccessCode, ExpiryTime: record.ExpiryTime}, nil
}

// Access burns code and returns the decrypted document. Once the registry
// has consumed the code nothing here can give it back: later failures
// surface as ErrUnreadable.
func (s *Service) Access(ctx context.Context, code string) (Document, error) {
	if !registry.ValidFormat(code, s.opts.CodeDigits) {
		metrics.AccessTotal.WithLabelValues("invalid_code").Inc()
		return Document{}, registry.ErrInvalidCode
	}
	record, err := s.registry.Consume(ctx, code)
	if err != nil {
		metrics.AccessTotal.WithLabelValues(accessOutcome(err)).Inc()
		return Document{}, fmt.Errorf("consume access code: %w", err)
	}
	defer record.EncryptionKey.Wipe()

	sealed, err := s.fetch(ctx, record.BlobID)
	if err != nil {
		return Document{}, s.unreadable(ctx, record, "fetch", err)
	}
	engine, err := s.engineFor(record.Cipher)
	if err != nil {
		return Document{}, s.unreadable(ctx, record, "cipher", err)
	}
	plaintext, err := engine.Decrypt(sealed, record.EncryptionKey)
	if err != nil {
		return Document{}, s.unreadable(ctx, record, "decrypt", err)
	}

	metrics.AccessTotal.WithLabelValues("ok").Inc()
	s.emit(ctx, model.ActionAccess, code, record.BlobID, map[string]string{
		"result": "ok",
		"size":   strconv.Itoa(len(plaintext)),
	})
	return Document{
		FileName:      record.FileName,
		MimeType:      record.MimeType,
		Data:          plaintext,
		RecipientName: record.RecipientName,
		Notes:         record.Notes,
		AccessedAt:    s.clock.Now(),
	}, nil
}

// FinalizeAfterPrint destroys a consumed document.
func (s *Service) FinalizeAfterPrint(ctx context.Context, code string) error {
	if !registry.ValidFormat(code, s.opts.CodeDigits) {
		metrics.PrintsTotal.WithLabelValues("invalid_code").Inc()
		return registry.ErrInvalidCode
	}
	record, err := s.registry.Finalize(ctx, code)
	if err != nil {
		metrics.PrintsTotal.WithLabelValues(accessOutcome(err)).Inc()
		return fmt.Errorf("finalize document: %w", err)
	}
	s.discardBlob(ctx, record.BlobID, "print")
	metrics.PrintsTotal.WithLabelValues("ok").Inc()
	s.emit(ctx, model.ActionPrint, code, record.BlobID, nil)
	return nil
}

// Sweep reclaims every record past expiry at now and deletes its blob.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	records, err := s.registry.SweepExpired(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep registry: %w", err)
	}
	result := SweepResult{Reclaimed: len(records)}
	for _, rec := range records {
		if queued := s.discardBlob(ctx, rec.BlobID, "expired"); queued {
			result.Queued++
		}
		s.emit(ctx, model.ActionExpire, rec.AccessCode, rec.BlobID, map[string]string{
			"expired_at": rec.ExpiryTime.UTC().Format(time.RFC3339),
		})
	}
	result.Duration = time.Since(start)

	metrics.SweepRunsTotal.Inc()
	metrics.SweptDocumentsTotal.Add(float64(result.Reclaimed))
	metrics.SweepDuration.Observe(result.Duration.Seconds())
	if result.Reclaimed > 0 {
		s.logger.Info("expired documents reclaimed",
			slog.Int("reclaimed", result.Reclaimed),
			slog.Int("queued", result.Queued),
			slog.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

// engineFor returns the engine that sealed a record. Records written before
// the cipher was stored carry no name and use the configured engine.
func (s *Service) engineFor(cipher string) (sealing.Engine, error) {
	if cipher == "" || cipher == s.engine.Name() {
		return s.engine, nil
	}
	return sealing.New(cipher)
}

// withdraw removes a record Issue may have stored despite reporting an
// error, so the code cannot outlive its blob.
func (s *Service) withdraw(ctx context.Context, blobID string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeleteTimeout)
	defer cancel()
	if err := s.registry.Withdraw(wctx, blobID); err != nil {
		s.logger.Error("withdraw orphan record failed",
			slog.String("blob_id", blobID),
			slog.String("error", err.Error()),
		)
	}
}

// fetch reads a blob, retrying only transient store failures. It never
// retries once ctx is done.
func (s *Service) fetch(ctx context.Context, blobID string) ([]byte, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.ReadRetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.opts.ReadRetries), ctx)

	var data []byte
	err := backoff.Retry(func() error {
		var err error
		data, err = s.store.Get(ctx, blobID)
		if err != nil && !errors.Is(err, blobstore.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// unreadable records a post-consume failure. The blob is destroyed so the
// document cannot be recovered by other means.
func (s *Service) unreadable(ctx context.Context, record model.DocumentRecord, stage string, cause error) error {
	metrics.AccessTotal.WithLabelValues("unreadable").Inc()
	s.logger.Error("consumed document unreadable",
		slog.String("blob_id", record.BlobID),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
	s.discardBlob(ctx, record.BlobID, "unreadable")
	s.emit(ctx, model.ActionAccess, record.AccessCode, record.BlobID, map[string]string{
		"result": "unreadable",
		"stage":  stage,
	})
	return fmt.Errorf("%w: %w", ErrUnreadable, cause)
}

// discardBlob makes one inline delete attempt that outlives ctx
// cancellation, then hands the blob to the cleanup queue. It reports
// whether the blob was queued.
func (s *Service) discardBlob(ctx context.Context, blobID, reason string) bool {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeleteTimeout)
	defer cancel()

	err := s.store.Delete(dctx, blobID)
	if err == nil {
		metrics.CleanupTotal.WithLabelValues("inline").Inc()
		return false
	}
	s.logger.Warn("inline blob delete failed",
		slog.String("blob_id", blobID),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	if s.cleanup == nil {
		metrics.CleanupTotal.WithLabelValues("failed").Inc()
		return false
	}
	if err := s.cleanup.EnqueueBlobDelete(dctx, blobID, reason); err != nil {
		s.logger.Error("queue blob delete failed",
			slog.String("blob_id", blobID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return false
	}
	metrics.CleanupTotal.WithLabelValues("queued").Inc()
	return true
}

// emit appends an audit event. Audit failures are logged and counted but
// never fail the user operation.
func (s *Service) emit(ctx context.Context, action model.AuditAction, code, blobID string, meta map[string]string) {
	event := audit.NewEvent(s.clock, action, code, blobID, meta)
	if err := s.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		metrics.AuditFailuresTotal.Inc()
		s.logger.Error("audit event not recorded",
			slog.String("action", string(action)),
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
	}
}

func accessOutcome(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, registry.ErrExpired):
		return "expired"
	case errors.Is(err, registry.ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, registry.ErrNotYetConsumed):
		return "not_yet_consumed"
	default:
		return "error"
	}
}
