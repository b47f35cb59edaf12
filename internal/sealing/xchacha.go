package sealing

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// KeySize is the size in bytes of a per-document XChaCha20-Poly1305 key.
const KeySize = chacha20poly1305.KeySize

// blobVersion prefixes every sealed blob and is authenticated as AAD, so
// flipping it fails decryption.
const blobVersion byte = 0x01

// Overhead is the number of bytes a sealed blob adds to its plaintext:
// version, nonce and Poly1305 tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// XChaCha seals documents with XChaCha20-Poly1305. The 24-byte nonce is
// random per call and stored in front of the ciphertext.
type XChaCha struct{}

var _ Engine = XChaCha{}

func (XChaCha) Name() string { return CipherXChaCha }

func (XChaCha) Encrypt(plaintext []byte) ([]byte, model.KeyMaterial, error) {
	key := make(model.KeyMaterial, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		key.Wipe()
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	out[0] = blobVersion
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		key.Wipe()
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	out = aead.Seal(out, nonce, plaintext, out[:1])
	return out, key, nil
}

func (XChaCha) Decrypt(ciphertext []byte, key model.KeyMaterial) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrDecryption, len(key), KeySize)
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: blob truncated (%d bytes)", ErrDecryption, len(ciphertext))
	}
	if ciphertext[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %#x", ErrDecryption, ciphertext[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	nonce := ciphertext[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[1+chacha20poly1305.NonceSizeX:], ciphertext[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
