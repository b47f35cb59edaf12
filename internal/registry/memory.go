package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dharsanguruparan/OnceDrop/internal/clock"
	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// MemoryRegistry keeps the code index in a map behind a single mutex. Every
// check-and-transition runs under the write lock, so two consumers of the
// same code can never both observe an active record.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*model.DocumentRecord
	opts    Options
	codes   CodeGenerator
	clock   clock.Clock
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry constructs a MemoryRegistry. A nil generator selects
// RandomCodes and a nil clock selects the real clock.
func NewMemoryRegistry(opts Options, codes CodeGenerator, clk clock.Clock) *MemoryRegistry {
	opts = opts.withDefaults()
	if codes == nil {
		codes = RandomCodes{Digits: opts.CodeDigits}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryRegistry{
		records: make(map[string]*model.DocumentRecord),
		opts:    opts,
		codes:   codes,
		clock:   clk,
	}
}

func (m *MemoryRegistry) Issue(ctx context.Context, draft model.DocumentDraft) (model.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DocumentRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := m.codes.Generate()
		if err != nil {
			return model.DocumentRecord{}, err
		}
		// Consumed and expired records keep their code until finalize or the
		// sweep reclaims them, so any held code counts as a collision.
		if _, ok := m.records[code]; ok {
			continue
		}
		now := m.clock.Now()
		rec := &model.DocumentRecord{
			BlobID:        draft.BlobID,
			AccessCode:    code,
			EncryptionKey: draft.EncryptionKey.Clone(),
			FileName:      draft.FileName,
			MimeType:      draft.MimeType,
			Size:          draft.Size,
			CreatedAt:     now,
			ExpiryTime:    now.Add(m.opts.ValidityWindow),
			State:         model.StateActive,
			RecipientName: draft.RecipientName,
			Notes:         draft.Notes,
			Cipher:        draft.Cipher,
		}
		m.records[code] = rec
		return rec.WithoutKey(), nil
	}
	return model.DocumentRecord{}, fmt.Errorf("%w after %d attempts (%d records held)", ErrCodeSpaceExhausted, maxIssueAttempts, len(m.records))
}

func (m *MemoryRegistry) Consume(ctx context.Context, code string) (model.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DocumentRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[code]
	if !ok {
		return model.DocumentRecord{}, ErrInvalidCode
	}
	if rec.Expired(m.clock.Now()) {
		if rec.State == model.StateActive || rec.State == model.StateConsumed {
			rec.State = model.StateExpired
			rec.EncryptionKey.Wipe()
			rec.EncryptionKey = nil
		}
		return model.DocumentRecord{}, ErrExpired
	}
	if rec.State != model.StateActive {
		return model.DocumentRecord{}, ErrAlreadyConsumed
	}
	rec.State = model.StateConsumed
	out := rec.Clone()
	// The consumer now owns the only copy the system will ever hand out.
	rec.EncryptionKey.Wipe()
	rec.EncryptionKey = nil
	return out, nil
}

func (m *MemoryRegistry) Finalize(ctx context.Context, code string) (model.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DocumentRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[code]
	if !ok {
		return model.DocumentRecord{}, ErrInvalidCode
	}
	switch rec.State {
	case model.StateActive:
		return model.DocumentRecord{}, ErrNotYetConsumed
	case model.StateExpired:
		return model.DocumentRecord{}, ErrExpired
	}
	rec.State = model.StateDeleted
	rec.EncryptionKey.Wipe()
	delete(m.records, code)
	return rec.WithoutKey(), nil
}

func (m *MemoryRegistry) Withdraw(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, rec := range m.records {
		if rec.BlobID == blobID && rec.State == model.StateActive {
			rec.EncryptionKey.Wipe()
			delete(m.records, code)
		}
	}
	return nil
}

func (m *MemoryRegistry) SweepExpired(ctx context.Context, now time.Time) ([]model.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.DocumentRecord
	for code, rec := range m.records {
		if !rec.Expired(now) {
			continue
		}
		rec.State = model.StateExpired
		rec.EncryptionKey.Wipe()
		delete(m.records, code)
		out = append(out, rec.WithoutKey())
	}
	slices.SortFunc(out, func(a, b model.DocumentRecord) int {
		return a.ExpiryTime.Compare(b.ExpiryTime)
	})
	return out, nil
}

// Len returns the number of records currently indexed.
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns a key-less copy of the record under code.
func (m *MemoryRegistry) Get(code string) (model.DocumentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[code]
	if !ok {
		return model.DocumentRecord{}, false
	}
	return rec.WithoutKey(), true
}
