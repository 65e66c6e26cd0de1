// Package crypto seals secret payloads at rest with AES-256-GCM. The secret
// name is bound into every ciphertext as additional data, so a version copied
// under another name fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("crypto: authentication or integrity check failed")

// Sealer encrypts and authenticates payloads for a named secret.
type Sealer interface {
	Seal(name string, plaintext []byte) ([]byte, error)
	Open(name string, ciphertext []byte) ([]byte, error)
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key, e.g. the
// output of `openssl rand -base64 32`.
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESSealer{aead: gcm}, nil
}

// Seal returns nonce || ciphertext || tag. Empty payloads are allowed; a
// secret version may legitimately hold zero bytes.
func (s *AESSealer) Seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

// Open reverses Seal for the same name.
func (s *AESSealer) Open(name string, ciphertext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns+s.aead.Overhead(), len(ciphertext))
	}
	out, err := s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], []byte(name))
	if err != nil {
		// don't leak gcm internals
		return nil, ErrOpen
	}
	return out, nil
}
