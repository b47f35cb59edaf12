package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestContentID(t *testing.T) {
	a := ContentID([]byte("sealed-a"))
	b := ContentID([]byte("sealed-b"))
	if a == b {
		t.Fatalf("distinct content produced the same id")
	}
	if a != ContentID([]byte("sealed-a")) {
		t.Fatalf("content id not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("ciphertext")
	id, err := s.Put(ctx, data, map[string]string{"format": "xchacha"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != ContentID(data) {
		t.Fatalf("id is not the content hash")
	}
	data[0] = 'X'
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("ciphertext")) {
		t.Fatalf("store shares caller's buffer: %q", got)
	}
	if s.Metadata(id)["format"] != "xchacha" {
		t.Fatalf("metadata lost")
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Put(ctx, []byte("x"), nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
