// Package vault seals OAuth tokens before they are written to the database.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1."

// ErrCrypto is matched by every vault failure
var ErrCrypto = errors.New("vault: crypto failure")

// CryptoError describes why a seal or open failed
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("vault %s: %s", e.Op, e.Reason)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Vault encrypts strings with XChaCha20-Poly1305
type Vault struct {
	key []byte
}

// New creates a vault from a 32 byte key
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, &CryptoError{Op: "init", Reason: fmt.Sprintf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Vault{key: k}, nil
}

// ParseKey accepts 32 raw bytes or the standard/url base64 encoding of 32 bytes
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &CryptoError{Op: "init", Reason: "encryption key is empty"}
	}
	if len(s) == chacha20poly1305.KeySize {
		return []byte(s), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, &CryptoError{Op: "init", Reason: "key is neither 32 bytes nor base64 of 32 bytes"}
}

// Encrypt seals plaintext with a fresh random nonce
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", &CryptoError{Op: "encrypt", Reason: "no key configured"}
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Reason: "cipher init", Err: err}
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Reason: "nonce", Err: err}
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", &CryptoError{Op: "decrypt", Reason: "no key configured"}
	}
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", &CryptoError{Op: "decrypt", Reason: "unknown format"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "encoding", Err: err}
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "cipher init", Err: err}
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", &CryptoError{Op: "decrypt", Reason: "payload too short"}
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}
