package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestSweeperRunOnce(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "short lived")
	sw := NewSweeper(f.svc, time.Hour, quietLogger())

	result, err := sw.RunOnce(context.Background())
	if err != nil || result.Reclaimed != 0 {
		t.Fatalf("nothing should expire yet: %+v %v", result, err)
	}
	f.clock.Advance(16 * time.Minute)
	result, err = sw.RunOnce(context.Background())
	if err != nil || result.Reclaimed != 1 {
		t.Fatalf("expected one reclaimed record: %+v %v", result, err)
	}
}

func TestSweeperBackground(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "short lived")
	f.clock.Advance(16 * time.Minute)

	sw := NewSweeper(f.svc, 5*time.Millisecond, quietLogger())
	sw.Start(context.Background())
	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background sweep never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sw.Stop()
	sw.Stop()
}
