package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sealer encrypts TOTP secrets before they reach storage. The key is held by
// the server process only; plaintext secrets are never persisted.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256-GCM sealer from the configured key material.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, errors.New("mfa: encryption key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 blob of nonce||ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(blob)
	if err != nil {
		return "", errors.New("mfa: malformed secret blob")
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("mfa: malformed secret blob")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("mfa: secret decryption failed")
	}
	return string(plaintext), nil
}
