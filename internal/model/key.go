package model

import (
	"log/slog"
)

const redacted = "[redacted]"

// KeyMaterial holds a per-document symmetric key. Every textual rendering
// is redacted so a key cannot leak through fmt, slog or encoding/json.
type KeyMaterial []byte

func (k KeyMaterial) String() string   { return redacted }
func (k KeyMaterial) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (k KeyMaterial) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON implements json.Marshaler.
func (k KeyMaterial) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Clone copies the key into a fresh buffer.
func (k KeyMaterial) Clone() KeyMaterial {
	if k == nil {
		return nil
	}
	out := make(KeyMaterial, len(k))
	copy(out, k)
	return out
}

// Wipe zeroes the key in place. Safe on nil.
func (k KeyMaterial) Wipe() {
	clear(k)
}
