package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
	"github.com/dharsanguruparan/OnceDrop/internal/signing"
	"github.com/dharsanguruparan/OnceDrop/internal/testutil"
)

type failingLog struct{ err error }

func (f failingLog) Record(context.Context, model.AuditEvent) error { return f.err }

func TestNewEvent(t *testing.T) {
	clk := testutil.FixedClock()
	e := NewEvent(clk, model.ActionUpload, "123456", "blob", map[string]string{"size": "10"})
	if e.ID == "" || e.ID == NewEvent(clk, model.ActionUpload, "", "", nil).ID {
		t.Fatalf("expected unique ids, got %q", e.ID)
	}
	if !e.Timestamp.Equal(clk.Now()) {
		t.Fatalf("timestamp = %v, want %v", e.Timestamp, clk.Now())
	}
	if e.Action != model.ActionUpload || e.AccessCode != "123456" || e.BlobID != "blob" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestSlogLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	e := NewEvent(testutil.FixedClock(), model.ActionAccess, "654321", "b1", map[string]string{"result": "ok"})
	if err := l.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"component":"audit"`, `"action":"access"`, `"access_code":"654321"`, `"result":"ok"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line missing %s: %s", want, out)
		}
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	mem := NewMemoryLog()
	boom := errors.New("boom")
	m := Multi{failingLog{err: boom}, mem}
	err := m.Record(context.Background(), NewEvent(testutil.FixedClock(), model.ActionPrint, "1", "b", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := mem.Actions(); len(got) != 1 || got[0] != model.ActionPrint {
		t.Fatalf("later sinks must still record, got %v", got)
	}
}

func TestChainSignsAndVerifies(t *testing.T) {
	mem := NewMemoryLog()
	signer := signing.NewSigner([]byte("audit-secret"))
	chain := NewChain(mem, signer)
	clk := testutil.FixedClock()
	for _, a := range []model.AuditAction{model.ActionUpload, model.ActionAccess, model.ActionPrint} {
		if err := chain.Record(context.Background(), NewEvent(clk, a, "123456", "blob", map[string]string{"k": string(a)})); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	events := mem.Events()
	if events[0].PrevSignature != "" || events[1].PrevSignature != events[0].Signature {
		t.Fatalf("events not chained: %+v", events)
	}
	if err := Verify(events, signer); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := mem.Events()
	tampered[1].Metadata = map[string]string{"k": "upload"}
	if err := Verify(tampered, signer); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for edited event, got %v", err)
	}
	dropped := append([]model.AuditEvent{events[0]}, events[2])
	if err := Verify(dropped, signer); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for removed event, got %v", err)
	}
	if err := Verify(events, signing.NewSigner([]byte("other"))); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for wrong secret, got %v", err)
	}
}

func TestChainSingleSinkFailureKeepsPrevious(t *testing.T) {
	signer := signing.NewSigner([]byte("s"))
	mem := NewMemoryLog()
	flaky := &toggleLog{next: mem}
	chain := NewChain(flaky, signer)
	clk := testutil.FixedClock()

	_ = chain.Record(context.Background(), NewEvent(clk, model.ActionUpload, "1", "b", nil))
	flaky.fail = true
	if err := chain.Record(context.Background(), NewEvent(clk, model.ActionAccess, "1", "b", nil)); err == nil {
		t.Fatalf("expected sink failure")
	}
	flaky.fail = false
	_ = chain.Record(context.Background(), NewEvent(clk, model.ActionPrint, "1", "b", nil))
	if err := Verify(mem.Events(), signer); err != nil {
		t.Fatalf("a failed append must not break the chain: %v", err)
	}
}

func TestChainEachSurvivesPartialFailure(t *testing.T) {
	signer := signing.NewSigner([]byte("s"))
	healthy := NewMemoryLog()
	backing := NewMemoryLog()
	flaky := &toggleLog{next: backing}
	sinks := ChainEach(signer, healthy, flaky)
	clk := testutil.FixedClock()
	ctx := context.Background()

	if err := sinks.Record(ctx, NewEvent(clk, model.ActionUpload, "1", "b", nil)); err != nil {
		t.Fatalf("record upload: %v", err)
	}
	flaky.fail = true
	if err := sinks.Record(ctx, NewEvent(clk, model.ActionAccess, "1", "b", nil)); err == nil {
		t.Fatalf("expected the failing sink to surface an error")
	}
	flaky.fail = false
	if err := sinks.Record(ctx, NewEvent(clk, model.ActionPrint, "1", "b", nil)); err != nil {
		t.Fatalf("record print: %v", err)
	}

	if n := len(healthy.Events()); n != 3 {
		t.Fatalf("healthy sink holds %d events, want 3", n)
	}
	if err := Verify(healthy.Events(), signer); err != nil {
		t.Fatalf("healthy sink chain broken by another sink's failure: %v", err)
	}
	if n := len(backing.Events()); n != 2 {
		t.Fatalf("flaky sink holds %d events, want 2", n)
	}
	if err := Verify(backing.Events(), signer); err != nil {
		t.Fatalf("flaky sink chain: %v", err)
	}
}

func TestChainConcurrent(t *testing.T) {
	mem := NewMemoryLog()
	signer := signing.NewSigner([]byte("s"))
	chain := NewChain(mem, signer)
	clk := testutil.FixedClock()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = chain.Record(context.Background(), NewEvent(clk, model.ActionAccess, "1", "b", nil))
		}()
	}
	wg.Wait()
	if len(mem.Events()) != 50 {
		t.Fatalf("expected 50 events, got %d", len(mem.Events()))
	}
	if err := Verify(mem.Events(), signer); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

type toggleLog struct {
	next Log
	fail bool
}

func (l *toggleLog) Record(ctx context.Context, e model.AuditEvent) error {
	if l.fail {
		return errors.New("sink down")
	}
	return l.next.Record(ctx, e)
}
