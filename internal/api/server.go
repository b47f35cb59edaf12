// Package api exposes the upload, access and print boundaries over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/OnceDrop/internal/config"
	"github.com/dharsanguruparan/OnceDrop/internal/lifecycle"
	"github.com/dharsanguruparan/OnceDrop/internal/metrics"
	pdfutil "github.com/dharsanguruparan/OnceDrop/internal/pdf"
	"github.com/dharsanguruparan/OnceDrop/internal/watermark"
)

const (
	maxFieldBytes = 4 << 10
	maxJSONBytes  = 1 << 10

	readyTimeout = 2 * time.Second
)

// Pinger is a dependency whose reachability gates /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes HTTP endpoints for the document lifecycle.
type Server struct {
	cfg     *config.Config
	svc     *lifecycle.Service
	stage   watermark.Stage
	limiter *RateLimiter
	checks  map[string]Pinger
	logger  *slog.Logger
}

// New constructs a Server.
func New(cfg *config.Config, svc *lifecycle.Service, stage watermark.Stage, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		stage:   stage,
		limiter: NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		logger:  logger.With(slog.String("component", "api")),
	}
}

// WithReadiness registers dependencies checked by /readyz.
func (s *Server) WithReadiness(checks map[string]Pinger) *Server {
	s.checks = checks
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/access", s.handleAccess)
			r.Post("/print", s.handlePrint)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	// The first failing dependency decides the response; map order does not
	// matter because any failure means not ready.
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, name+" unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// codeRequest is the JSON body shared by /api/access and /api/print.
type codeRequest struct {
	AccessCode string `json:"accessCode"`
}

// decodeCode writes the 400 itself, so callers only return when ok is false.
func decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req codeRequest
	// LimitReader caps the body; a code request is a few dozen bytes.
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "expecting JSON body with accessCode")
		return "", false
	}
	return strings.TrimSpace(req.AccessCode), true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// MaxBytesReader stops the read once the limit is passed and tells the
	// server to close the connection. The extra 64 KiB covers part headers
	// and the text fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+64<<10)
	// MultipartReader streams parts instead of ParseMultipartForm, which
	// would spill large files to temporary files on disk.
	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "expecting multipart form")
		return
	}
	form, err := s.readUpload(mr)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	res, err := s.svc.Upload(r.Context(), lifecycle.UploadRequest{
		FileName:      form.fileName,
		MimeType:      form.contentType,
		Data:          form.data,
		RecipientName: form.recipientName,
		Notes:         form.notes,
	})
	// The service has sealed the payload; drop the plaintext copy now
	// rather than waiting for the garbage collector.
	clear(form.data)
	if err != nil {
		writeLifecycleError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

type uploadForm struct {
	data          []byte
	fileName      string
	contentType   string
	recipientName string
	notes         string
}

var (
	errTooLarge    = errors.New("file exceeds limit")
	errUnsupported = errors.New("file type not allowed")
	errMissingFile = errors.New("missing document part")
	errEmptyFile   = errors.New("empty file")
)

// readUpload buffers the document in memory. Plaintext never touches disk.
func (s *Server) readUpload(mr *multipart.Reader) (*uploadForm, error) {
	form := &uploadForm{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch part.FormName() {
		case "document":
			if form.data != nil {
				part.Close()
				continue
			}
			var buf bytes.Buffer
			n, err := io.Copy(&buf, io.LimitReader(part, s.cfg.MaxFileSize+1))
			part.Close()
			if err != nil {
				return nil, err
			}
			if n > s.cfg.MaxFileSize {
				return nil, errTooLarge
			}
			form.data = buf.Bytes()
			form.fileName = filepath.Base(part.FileName())
		case "recipientName":
			form.recipientName, err = readField(part)
		case "notes":
			form.notes, err = readField(part)
		default:
			part.Close()
		}
		if err != nil {
			return nil, err
		}
	}
	if form.data == nil {
		return nil, errMissingFile
	}
	if len(form.data) == 0 {
		return nil, errEmptyFile
	}
	if form.fileName == "" || form.fileName == "." || form.fileName == "/" {
		form.fileName = "document"
	}

	// The client's Content-Type is ignored; DetectContentType sniffs the
	// first 512 bytes the same way browsers do.
	form.contentType = http.DetectContentType(form.data)
	mediaType, _, _ := mime.ParseMediaType(form.contentType)
	if !slices.Contains(s.cfg.AllowedTypes, mediaType) {
		return nil, fmt.Errorf("%w: %s", errUnsupported, mediaType)
	}
	switch mediaType {
	case "application/pdf":
		if err := pdfutil.Validate(form.data); err != nil {
			return nil, err
		}
	case "image/png", "image/jpeg":
		// Reject decompression bombs before they are sealed; the stamper
		// would otherwise decode them at access time.
		if err := watermark.CheckImage(form.data); err != nil {
			return nil, err
		}
	}
	return form, nil
}

func readField(part *multipart.Part) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errTooLarge), errors.As(err, &maxErr):
		WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			fmt.Sprintf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
	case errors.Is(err, errUnsupported):
		WriteError(w, http.StatusUnsupportedMediaType, CodeUnsupportedType, err.Error())
	case errors.Is(err, watermark.ErrImageTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			fmt.Sprintf("image exceeds %d pixels", watermark.MaxImagePixels))
	case errors.Is(err, pdfutil.ErrInvalidPDF):
		WriteError(w, http.StatusBadRequest, CodeValidation, "document is not a readable PDF")
	default:
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
	}
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	doc, err := s.svc.Access(r.Context(), code)
	if err != nil {
		writeLifecycleError(w, s.logger, err)
		return
	}
	// defer runs after the response is written, so the plaintext is zeroed
	// on every return path below.
	defer clear(doc.Data)

	viewer := watermark.Viewer{Browser: r.UserAgent(), IP: clientIP(r), Time: doc.AccessedAt}
	body, err := s.stage.Apply(r.Context(), doc.Data, doc.MimeType, viewer)
	if err != nil {
		if !s.cfg.WatermarkFailOpen {
			s.logger.Error("watermark failed, withholding document", slog.String("error", err.Error()))
			WriteError(w, http.StatusInternalServerError, CodeWatermark, "document could not be prepared for viewing")
			return
		}
		s.logger.Warn("watermark failed, serving unmarked document", slog.String("error", err.Error()))
		w.Header().Set("X-Watermark-Warning", "document served without watermark")
		body = doc.Data
	}

	// Headers must be set before WriteHeader; no-store keeps proxies and the
	// browser cache from holding a second copy.
	h := w.Header()
	h.Set("Content-Type", doc.MimeType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": doc.FileName}))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if doc.RecipientName != "" {
		// Q-encoding keeps non-ASCII names valid in a header value.
		h.Set("X-Recipient-Name", mime.QEncoding.Encode("utf-8", doc.RecipientName))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write document", slog.String("error", err.Error()))
	}
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	if err := s.svc.FinalizeAfterPrint(r.Context(), code); err != nil {
		writeLifecycleError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
