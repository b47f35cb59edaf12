package sealing

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// Age seals documents as standard age files addressed to a throwaway X25519
// identity generated per document. The identity string is the key material.
type Age struct{}

var _ Engine = Age{}

func (Age) Name() string { return CipherAge }

func (Age) Encrypt(plaintext []byte) ([]byte, model.KeyMaterial, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, nil, fmt.Errorf("generating identity: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return nil, nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, nil, fmt.Errorf("encrypting data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), model.KeyMaterial(identity.String()), nil
}

func (Age) Decrypt(ciphertext []byte, key model.KeyMaterial) ([]byte, error) {
	identity, err := age.ParseX25519Identity(string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing identity: %v", ErrDecryption, err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
