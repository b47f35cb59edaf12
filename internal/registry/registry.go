// Package registry is the single source of truth for access code to
// document record mappings and the sole enforcer of one-time access.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

var (
	ErrInvalidCode        = errors.New("invalid access code")
	ErrExpired            = errors.New("access code expired")
	ErrAlreadyConsumed    = errors.New("access code already used")
	ErrNotYetConsumed     = errors.New("document not yet accessed")
	ErrCodeSpaceExhausted = errors.New("access code space exhausted")
)

const (
	DefaultValidityWindow = 15 * time.Minute
	DefaultCodeDigits     = 6

	// maxIssueAttempts bounds regeneration on collisions with held codes.
	maxIssueAttempts = 32
)

// Registry issues codes and owns every state transition of a record.
// Consume, Finalize and SweepExpired are totally ordered per code.
type Registry interface {
	// Issue stores draft as an active record under a fresh code and returns
	// the stored record (without key material).
	Issue(ctx context.Context, draft model.DocumentDraft) (model.DocumentRecord, error)
	// Consume atomically burns code. Exactly one concurrent caller succeeds;
	// the returned copy carries the encryption key.
	Consume(ctx context.Context, code string) (model.DocumentRecord, error)
	// Finalize removes a consumed record and destroys its key.
	Finalize(ctx context.Context, code string) (model.DocumentRecord, error)
	// Withdraw removes the active record stored for blobID, if any. Upload
	// calls it when Issue failed in a way that may still have stored the
	// record. A missing record is not an error.
	Withdraw(ctx context.Context, blobID string) error
	// SweepExpired removes every record whose expiry is before now and
	// returns them without key material.
	SweepExpired(ctx context.Context, now time.Time) ([]model.DocumentRecord, error)
}

// Options configures registry implementations.
type Options struct {
	ValidityWindow time.Duration
	CodeDigits     int
}

func (o Options) withDefaults() Options {
	if o.ValidityWindow <= 0 {
		o.ValidityWindow = DefaultValidityWindow
	}
	if o.CodeDigits <= 0 {
		o.CodeDigits = DefaultCodeDigits
	}
	return o
}

// CodeGenerator produces candidate access codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodes draws codes uniformly from [10^(Digits-1), 10^Digits-1]
// using crypto/rand.
type RandomCodes struct {
	Digits int
}

func (g RandomCodes) Generate() (string, error) {
	digits := g.Digits
	if digits <= 0 {
		digits = DefaultCodeDigits
	}
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	span := new(big.Int).Mul(low, big.NewInt(9))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generating access code: %w", err)
	}
	return n.Add(n, low).String(), nil
}

// ValidFormat reports whether code is exactly digits ASCII digits with no
// leading zero. It lets callers reject junk before touching the registry.
func ValidFormat(code string, digits int) bool {
	if digits <= 0 {
		digits = DefaultCodeDigits
	}
	if len(code) != digits || code[0] == '0' {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
