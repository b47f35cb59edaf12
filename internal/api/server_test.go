package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/OnceDrop/internal/audit"
	"github.com/dharsanguruparan/OnceDrop/internal/config"
	"github.com/dharsanguruparan/OnceDrop/internal/lifecycle"
	"github.com/dharsanguruparan/OnceDrop/internal/model"
	"github.com/dharsanguruparan/OnceDrop/internal/registry"
	"github.com/dharsanguruparan/OnceDrop/internal/sealing"
	"github.com/dharsanguruparan/OnceDrop/internal/testutil"
	"github.com/dharsanguruparan/OnceDrop/internal/watermark"
)

type harness struct {
	handler http.Handler
	clock   *testutil.StubClock
	store   *testutil.FlakyStore
	audit   *audit.MemoryLog
}

type failingStage struct{}

func (failingStage) Apply(context.Context, []byte, string, watermark.Viewer) ([]byte, error) {
	return nil, watermark.ErrWatermark
}

func newHarness(t *testing.T, stage watermark.Stage, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.RateLimitPerMinute = 0
	cfg.MaxFileSize = 1 << 10
	for _, m := range mutate {
		m(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		clock: testutil.FixedClock(),
		store: testutil.NewFlakyStore(),
		audit: audit.NewMemoryLog(),
	}
	svc := lifecycle.NewService(lifecycle.Deps{
		Engine:   sealing.XChaCha{},
		Registry: registry.NewMemoryRegistry(registry.Options{}, nil, h.clock),
		Store:    h.store,
		Audit:    h.audit,
		Clock:    h.clock,
		Logger:   logger,
	}, lifecycle.Options{ReadRetryInterval: time.Millisecond})
	if stage == nil {
		stage = watermark.NewStamper("")
	}
	h.handler = New(cfg, svc, stage, logger).Routes()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if data != nil {
		fw, err := mw.CreateFormFile("document", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func codeRequestFor(path, code string) *http.Request {
	body, _ := json.Marshal(map[string]string{"accessCode": code})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Firefox/128.0")
	return req
}

func (h *harness) upload(t *testing.T, data []byte) lifecycle.UploadResult {
	t.Helper()
	rec := h.do(uploadRequest(t, "memo.txt", data, map[string]string{"recipientName": "Dana", "notes": "urgent"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body)
	}
	var res lifecycle.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return res
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body, err)
	}
	return body.Error.Code, body.Error.Message
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadiness(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
	}{
		{"no checks", nil, http.StatusOK},
		{"all up", map[string]Pinger{"postgres": up, "blobstore": up}, http.StatusOK},
		{"one down", map[string]Pinger{"postgres": up, "blobstore": down}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := New(cfg, nil, watermark.Nop{}, logger).WithReadiness(tt.checks).Routes()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.status != http.StatusOK && !strings.Contains(rec.Body.String(), "blobstore unavailable") {
				t.Fatalf("body = %s", rec.Body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "oncedrop_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestUploadAccessPrintFlow(t *testing.T) {
	h := newHarness(t, nil)
	res := h.upload(t, []byte("board minutes, confidential"))
	if len(res.AccessCode) != 6 {
		t.Fatalf("unexpected code %q", res.AccessCode)
	}
	if !res.ExpiryTime.Equal(h.clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiryTime)
	}

	rec := h.do(codeRequestFor("/api/access", res.AccessCode))
	if rec.Code != http.StatusOK {
		t.Fatalf("access status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") || !strings.Contains(cd, "memo.txt") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("document responses must not be cached")
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "board minutes, confidential") || !strings.Contains(body, "Firefox/128.0") {
		t.Fatalf("document not watermarked for viewer: %q", body)
	}

	rec = h.do(codeRequestFor("/api/access", res.AccessCode))
	if code, msg := errorCode(t, rec); rec.Code != http.StatusNotFound || code != CodeAlreadyUsed || msg != "already used" {
		t.Fatalf("second access: %d %s %s", rec.Code, code, msg)
	}

	rec = h.do(codeRequestFor("/api/print", res.AccessCode))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("print status %d: %s", rec.Code, rec.Body)
	}
	if h.store.Len() != 0 {
		t.Fatalf("blob survived print")
	}
	rec = h.do(codeRequestFor("/api/print", res.AccessCode))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusNotFound || code != CodeInvalidCode {
		t.Fatalf("repeat print: %d %s", rec.Code, code)
	}
	want := []model.AuditAction{model.ActionUpload, model.ActionAccess, model.ActionPrint}
	if got := h.audit.Actions(); len(got) != len(want) {
		t.Fatalf("audit actions %v, want %v", got, want)
	}
}

func TestAccessFailuresShareStatus(t *testing.T) {
	h := newHarness(t, nil)
	expired := h.upload(t, []byte("old"))
	h.clock.Advance(20 * time.Minute)

	cases := []struct {
		code    string
		errCode string
		message string
	}{
		{"999999", CodeInvalidCode, "invalid code"},
		{"12ab", CodeInvalidCode, "invalid code"},
		{expired.AccessCode, CodeExpired, "expired"},
	}
	for _, tc := range cases {
		rec := h.do(codeRequestFor("/api/access", tc.code))
		code, msg := errorCode(t, rec)
		if rec.Code != http.StatusNotFound || code != tc.errCode || msg != tc.message {
			t.Fatalf("%s: got %d %s %q", tc.code, rec.Code, code, msg)
		}
	}
}

func TestPrintBeforeAccess(t *testing.T) {
	h := newHarness(t, nil)
	res := h.upload(t, []byte("unread"))
	rec := h.do(codeRequestFor("/api/print", res.AccessCode))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusConflict || code != CodeNotYetViewed {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
}

func TestAccessBadJSON(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/access", strings.NewReader("{"))
	rec := h.do(req)
	if code, _ := errorCode(t, rec); rec.Code != http.StatusBadRequest || code != CodeValidation {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name    string
		data    []byte
		status  int
		errCode string
	}{
		{"too large", bytes.Repeat([]byte("a"), 1<<10+1), http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{"zip", []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00"), http.StatusUnsupportedMediaType, CodeUnsupportedType},
		{"broken pdf", []byte("%PDF-1.4\nnot really\n"), http.StatusBadRequest, CodeValidation},
		{"oversized png", testutil.PNGHeader(8000, 8000), http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{"truncated png", []byte("\x89PNG\r\n\x1a\nnot a chunk"), http.StatusBadRequest, CodeValidation},
		{"empty", []byte{}, http.StatusBadRequest, CodeValidation},
		{"missing", nil, http.StatusBadRequest, CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(uploadRequest(t, "file.bin", tc.data, nil))
			if code, _ := errorCode(t, rec); rec.Code != tc.status || code != tc.errCode {
				t.Fatalf("got %d %s, want %d %s", rec.Code, code, tc.status, tc.errCode)
			}
		})
	}
	if h.store.Len() != 0 {
		t.Fatalf("rejected uploads reached the blob store")
	}
}

func TestUploadPDF(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.MaxFileSize = 1 << 20 })
	res := h.upload(t, testutil.MinimalPDF(1))
	rec := h.do(codeRequestFor("/api/access", res.AccessCode))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Firefox/128.0")) {
		t.Fatalf("pdf not watermarked")
	}
}

func TestUploadStoreDown(t *testing.T) {
	h := newHarness(t, nil)
	h.store.FailPuts = 1
	rec := h.do(uploadRequest(t, "a.txt", []byte("hello"), nil))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusServiceUnavailable || code != CodeUnavailable {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
}

func TestWatermarkFailsClosed(t *testing.T) {
	h := newHarness(t, failingStage{})
	res := h.upload(t, []byte("secret"))
	rec := h.do(codeRequestFor("/api/access", res.AccessCode))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusInternalServerError || code != CodeWatermark {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("unmarked document leaked")
	}
}

func TestWatermarkFailOpen(t *testing.T) {
	h := newHarness(t, failingStage{}, func(c *config.Config) { c.WatermarkFailOpen = true })
	res := h.upload(t, []byte("secret"))
	rec := h.do(codeRequestFor("/api/access", res.AccessCode))
	if rec.Code != http.StatusOK || rec.Body.String() != "secret" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Watermark-Warning") == "" {
		t.Fatalf("missing watermark warning header")
	}
}

func TestUnreadableDocument(t *testing.T) {
	h := newHarness(t, nil)
	res := h.upload(t, []byte("doomed"))
	h.store.FailGets = -1
	rec := h.do(codeRequestFor("/api/access", res.AccessCode))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusInternalServerError || code != CodeUnreadable {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
}

func TestAccessRateLimited(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) {
		c.RateLimitPerMinute = 1
		c.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		rec := h.do(codeRequestFor("/api/access", "999999"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("attempt %d: expected 404, got %d", i, rec.Code)
		}
	}
	rec := h.do(codeRequestFor("/api/access", "999999"))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusTooManyRequests || code != CodeRateLimited {
		t.Fatalf("expected 429, got %d %s", rec.Code, code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	other := codeRequestFor("/api/access", "999999")
	other.RemoteAddr = "198.51.100.9:4000"
	if rec := h.do(other); rec.Code != http.StatusNotFound {
		t.Fatalf("limits must be per client, got %d", rec.Code)
	}
	// Uploads are not throttled by the code limiter.
	if rec := h.do(uploadRequest(t, "a.txt", []byte("hello"), nil)); rec.Code != http.StatusCreated {
		t.Fatalf("upload throttled: %d", rec.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	if NewRateLimiter(0, 5) != nil {
		t.Fatalf("expected nil limiter when disabled")
	}
	var l *RateLimiter
	called := false
	l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("nil limiter must pass requests through")
	}
}

func TestWriteLifecycleErrorDefault(t *testing.T) {
	rec := httptest.NewRecorder()
	writeLifecycleError(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), errors.New("boom"))
	if code, _ := errorCode(t, rec); rec.Code != http.StatusInternalServerError || code != CodeInternal {
		t.Fatalf("unexpected response %d %s", rec.Code, code)
	}
}
