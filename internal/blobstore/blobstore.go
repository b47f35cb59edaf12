// Package blobstore stores encrypted document payloads by content id. The
// store is never trusted with confidentiality: it only ever sees sealed
// bytes and metadata that carries no key material.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"
)

var (
	// ErrStoreUnavailable covers transport and provider failures. A failed
	// Put means nothing was committed.
	ErrStoreUnavailable = errors.New("blob store unavailable")
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("blob not found")
)

// Store is the content-addressed blob contract.
type Store interface {
	Put(ctx context.Context, data []byte, meta map[string]string) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete is idempotent: deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// ContentID returns the hex BLAKE3-256 digest used as a blob id.
func ContentID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
