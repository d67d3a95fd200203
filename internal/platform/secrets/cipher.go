// Package secrets protects EDM token material at rest. It provides
// AES-256-GCM encryption for token values and an unsalted SHA-256
// fingerprint used as an equality/dedup key for refresh tokens.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrIntegrity is returned when a ciphertext fails authentication:
// the blob was tampered with, truncated, or sealed under a different key.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

// TokenCipher provides AES-256-GCM encryption and decryption for token values.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a TokenCipher from a 32-byte AES-256 key. The key is
// validated here, once, so a misconfigured key fails at startup rather than on
// the first token operation.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cipher: create GCM: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a single base64 blob with the nonce
// prepended. A fresh random nonce is drawn on every call; GCM nonce reuse
// under one key voids the authentication guarantee.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext + tag.
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decodes the blob, splits off the nonce, and opens the remainder.
// Authentication failure is reported as ErrIntegrity.
func (c *TokenCipher) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("token decrypt: base64 decode: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("token decrypt: blob too short: %w", ErrIntegrity)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("token decrypt: %w", ErrIntegrity)
	}
	return string(plaintext), nil
}

// Fingerprint returns the hex-encoded SHA-256 of the value. It is deliberately
// unsalted: the fingerprint exists only for equality lookups on refresh
// tokens, not for authentication, so it must be reproducible across processes.
func Fingerprint(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}
