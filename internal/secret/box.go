// Package secret seals long-lived SSO refresh tokens before they are written
// to the store.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	prefix    = "sb1:"
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrNoKey is returned when a sealed value is opened without a key.
	ErrNoKey = errors.New("secret: value is sealed but no key is configured")
	// ErrMalformed is returned for sealed values that fail to decode or
	// authenticate.
	ErrMalformed = errors.New("secret: malformed sealed value")
)

// Box seals strings with NaCl secretbox. A nil *Box is valid and stores
// values as plaintext, so deployments without TOKEN_SEAL_KEY keep working.
type Box struct {
	key [keySize]byte
}

// New parses a hex-encoded 32 byte key. An empty key returns a nil Box.
func New(hexKey string) (*Box, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret: decoding key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", keySize, len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts plain. Empty strings stay empty.
func (b *Box) Seal(plain string) (string, error) {
	if b == nil || plain == "" {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secret: generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is
// so rows written before a key was configured still open.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b == nil {
		return "", ErrNoKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrMalformed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}
