package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey        = errors.New("keyvault: encryption key must be 32 bytes hex")
	ErrMalformedEnvelope = errors.New("keyvault: malformed envelope")
)

// Vault seals per-row key material with a process-wide key.
type Vault struct {
	key []byte
}

// New parses a 32 byte hex key.
func New(hexKey string) (*Vault, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Vault{key: raw}, nil
}

// Seal encrypts plaintext; additional binds the envelope to a row (e.g. the deposit address).
func (v *Vault) Seal(plaintext []byte, additional string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("keyvault: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keyvault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(additional))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (v *Vault) Open(envelope string, additional string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformedEnvelope
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, []byte(additional))
	if err != nil {
		return nil, fmt.Errorf("keyvault: open: %w", err)
	}
	return plain, nil
}
