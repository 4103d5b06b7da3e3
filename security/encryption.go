package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required key length for AES-256
const KeySize = 32

// ErrDecrypt is returned when a ciphertext cannot be authenticated or decoded
var ErrDecrypt = errors.New("failed to decrypt value")

// Encryptor seals short values (refresh tokens, stored secrets) with AES-256-GCM.
// Output is unpadded base64url so it can travel in form bodies and URLs unchanged.
// An Encryptor built from an empty key is disabled and passes values through.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor.
// If key is nil or empty, encryption is disabled.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext, binding it to associatedData, and returns the encoded
// [nonce][ciphertext] blob.
func (e *Encryptor) Seal(plaintext, associatedData []byte) (string, error) {
	if !e.IsEnabled() {
		return string(plaintext), nil
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, associatedData)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any tampering or a mismatched associatedData yields ErrDecrypt.
func (e *Encryptor) Open(encoded string, associatedData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return []byte(encoded), nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize+e.aead.Overhead() {
		return nil, ErrDecrypt
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], associatedData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Encrypt is Seal for strings without associated data
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	return e.Seal([]byte(plaintext), nil)
}

// Decrypt is Open for strings without associated data
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	plaintext, err := e.Open(encoded, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
