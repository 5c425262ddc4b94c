// Package vault seals the session cookie or password before it is stored.
// Keys are derived from an operator passphrase with HKDF-SHA256 and used
// with XChaCha20-Poly1305; the random nonce is prepended to the ciphertext.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptyPassphrase = errors.New("vault: empty passphrase")
	ErrMalformed       = errors.New("vault: sealed value too short")
)

const info = "leadscout auth session v1"

// Vault seals and opens small secrets. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from passphrase.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plain, nil
}
