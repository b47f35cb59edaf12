package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
)

// FlakyStore wraps a blob store and fails selected operations with
// ErrStoreUnavailable. Fail counters are decremented per failed call; a
// negative value fails forever.
type FlakyStore struct {
	*blobstore.MemoryStore

	mu          sync.Mutex
	FailPuts    int
	FailGets    int
	FailDeletes int
	Deletes     []string
}

// NewFlakyStore wraps a fresh MemoryStore.
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{MemoryStore: blobstore.NewMemoryStore()}
}

func (f *FlakyStore) Put(ctx context.Context, data []byte, meta map[string]string) (string, error) {
	if f.trip(&f.FailPuts) {
		return "", fmt.Errorf("%w: injected put failure", blobstore.ErrStoreUnavailable)
	}
	return f.MemoryStore.Put(ctx, data, meta)
}

func (f *FlakyStore) Get(ctx context.Context, id string) ([]byte, error) {
	if f.trip(&f.FailGets) {
		return nil, fmt.Errorf("%w: injected get failure", blobstore.ErrStoreUnavailable)
	}
	return f.MemoryStore.Get(ctx, id)
}

func (f *FlakyStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	f.Deletes = append(f.Deletes, id)
	f.mu.Unlock()
	if f.trip(&f.FailDeletes) {
		return fmt.Errorf("%w: injected delete failure", blobstore.ErrStoreUnavailable)
	}
	return f.MemoryStore.Delete(ctx, id)
}

// DeleteCalls returns the ids passed to Delete so far.
func (f *FlakyStore) DeleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Deletes...)
}

func (f *FlakyStore) trip(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case *counter < 0:
		return true
	case *counter > 0:
		*counter--
		return true
	}
	return false
}
