package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Cipher seals token columns with AES-256-GCM. Sealed values are
// base64(nonce || ciphertext || tag).
type Cipher struct {
	aead  cipher.AEAD
	KeyID string
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key, as produced by
// `openssl rand -base64 32`.
func NewCipher(base64Key, keyID string) (*Cipher, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: need 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &Cipher{aead: aead, KeyID: keyID}, nil
}

// Seal encrypts s. The empty string stays empty.
func (c *Cipher) Seal(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nonce, nonce, []byte(s), nil)), nil
}

// Open reverses Seal. Tampered or foreign ciphertext fails without detail.
func (c *Cipher) Open(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
