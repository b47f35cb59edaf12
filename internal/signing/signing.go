// Package signing produces HMAC-SHA256 signatures over ordered string
// fields. The audit trail uses it to chain events so any edit or deletion
// breaks every later signature.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// fieldSeparator cannot appear in any signed field without changing the
// signature, so ("ab","c") and ("a","bc") sign differently.
const fieldSeparator = 0x1f

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature over fields.
func (s *Signer) Sign(fields ...string) string {
	// hmac.New takes the hash constructor and the secret; the returned
	// hash.Hash is fed incrementally, so fields are never concatenated into
	// one intermediate string.
	mac := hmac.New(sha256.New, s.secret)
	for i, f := range fields {
		if i > 0 {
			mac.Write([]byte{fieldSeparator})
		}
		// Write on a hash never returns an error.
		mac.Write([]byte(f))
	}
	// Sum(nil) appends the digest to a fresh slice; hex keeps it printable
	// for log lines and TEXT columns.
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares signature with the expected value in constant time.
func (s *Signer) Validate(signature string, fields ...string) bool {
	expected := s.Sign(fields...)
	// hmac.Equal compares in constant time so a mismatch position is not
	// observable through timing.
	return hmac.Equal([]byte(expected), []byte(signature))
}
