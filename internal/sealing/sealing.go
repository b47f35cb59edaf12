// Package sealing encrypts document payloads under a fresh per-document key.
// The key never leaves the returned KeyMaterial; callers store it on the
// registry record and nowhere else.
package sealing

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// ErrDecryption is returned when a ciphertext cannot be opened with the
// supplied key: wrong key, truncated or tampered input.
var ErrDecryption = errors.New("decryption failed")

// Engine is the symmetric cipher contract used by the lifecycle service.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Name is the cipher name New accepts. Records store it so a document
	// is always opened by the engine that sealed it.
	Name() string
	// Encrypt generates a new random key and seals plaintext under it.
	Encrypt(plaintext []byte) ([]byte, model.KeyMaterial, error)
	// Decrypt opens ciphertext with key. Any integrity failure wraps
	// ErrDecryption.
	Decrypt(ciphertext []byte, key model.KeyMaterial) ([]byte, error)
}

// Cipher names accepted by New.
const (
	CipherXChaCha = "xchacha"
	CipherAge     = "age"
)

// New creates an Engine by name. The empty string selects the default.
func New(kind string) (Engine, error) {
	switch kind {
	case CipherXChaCha, "":
		return XChaCha{}, nil
	case CipherAge:
		return Age{}, nil
	default:
		return nil, fmt.Errorf("unknown cipher: %q", kind)
	}
}
