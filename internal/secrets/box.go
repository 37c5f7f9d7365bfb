// Package secrets seals provider credentials before they are written to the database.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	prefix    = "enc:v1:"
	keySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned when a sealed value cannot be opened with the configured key
var ErrDecrypt = errors.New("secrets: cannot decrypt value")

// Box seals and opens credential strings. A nil Box stores values in the clear.
type Box struct {
	key [keySize]byte
}

// New creates a Box from a base64-encoded 32-byte key.
// An empty key returns a nil Box.
func New(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: key is not valid base64: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", keySize, len(raw))
	}

	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a new random key in the encoding New expects
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("secrets: failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Seal encrypts plain. Empty strings stay empty.
func (b *Box) Seal(plain string) (string, error) {
	if b == nil || plain == "" {
		return plain, nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: failed to read nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed
// prefix are returned unchanged so existing clear-text rows keep working.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b == nil {
		return "", fmt.Errorf("%w: no key configured", ErrDecrypt)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < nonceSize {
		return "", ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}
