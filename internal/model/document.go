// Package model contains the lifecycle types shared across packages.
package model

import (
	"time"
)

// DocumentState describes where a record sits in the one-time-access
// lifecycle.
type DocumentState string

const (
	StateActive   DocumentState = "active"
	StateConsumed DocumentState = "consumed"
	StateExpired  DocumentState = "expired"
	StateDeleted  DocumentState = "deleted"
)

// DocumentDraft is what the lifecycle hands the registry when a blob has
// been stored and a code should be issued for it.
type DocumentDraft struct {
	BlobID        string
	EncryptionKey KeyMaterial
	FileName      string
	MimeType      string
	Size          int64
	RecipientName string
	Notes         string
	// Cipher names the engine that sealed the blob.
	Cipher string
}

// DocumentRecord is the unit of lifecycle state. EncryptionKey is only ever
// populated on copies returned by a successful consume; JSON output never
// carries it.
type DocumentRecord struct {
	BlobID        string        `json:"blobId"`
	AccessCode    string        `json:"accessCode"`
	EncryptionKey KeyMaterial   `json:"-"`
	FileName      string        `json:"fileName"`
	MimeType      string        `json:"mimeType"`
	Size          int64         `json:"size"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiryTime    time.Time     `json:"expiryTime"`
	State         DocumentState `json:"state"`
	RecipientName string        `json:"recipientName,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	Cipher        string        `json:"cipher"`
}

// Expired reports whether the record is past its expiry at now.
func (r *DocumentRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiryTime)
}

// Clone returns a deep copy so callers cannot reach the registry's key
// buffer.
func (r *DocumentRecord) Clone() DocumentRecord {
	out := *r
	out.EncryptionKey = r.EncryptionKey.Clone()
	return out
}

// WithoutKey returns a copy with no key material attached.
func (r *DocumentRecord) WithoutKey() DocumentRecord {
	out := *r
	out.EncryptionKey = nil
	return out
}
