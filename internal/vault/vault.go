// internal/vault/vault.go
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey          = errors.New("vault key must be 32 bytes")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Vault encrypts personal data at rest and derives lookup hashes for it.
type Vault struct {
	aead    cipher.AEAD
	hashKey []byte
}

// New creates a vault from a 32-byte key. The same key seeds the keyed hash.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	hk := blake2b.Sum256(append([]byte("covernexus/vault/hash:"), key...))
	return &Vault{aead: aead, hashKey: hk[:]}, nil
}

// NewFromBase64 decodes a standard base64 key and creates a vault.
func NewFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext. Empty input stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return string(plain), nil
}

// Hash returns a deterministic keyed hash suitable for equality lookups.
func (v *Vault) Hash(data string) string {
	h, _ := blake2b.New256(v.hashKey)
	h.Write([]byte(strings.TrimSpace(data)))
	return hex.EncodeToString(h.Sum(nil))
}

// MaskIDNumber hides the middle of an ID number, e.g. 12345678 -> 123****8.
func MaskIDNumber(id string, reveal bool) string {
	if id == "" {
		return ""
	}
	if reveal || len(id) <= 4 {
		return id
	}
	return id[:3] + strings.Repeat("*", len(id)-4) + id[len(id)-1:]
}
