package storage

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Sentinel errors for connection URI encryption.
var (
	// ErrInvalidEncryptionKey is returned when the key is not 32 bytes after base64 decoding.
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes, base64 encoded")

	// ErrDecryptionFailed is returned when a ciphertext cannot be authenticated or decoded.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	keySize   = 32
	nonceSize = 24
)

// Cipher encrypts connection URIs at rest using NaCl secretbox
// (XSalsa20-Poly1305). Ciphertexts are base64 strings carrying the nonce
// followed by the sealed payload.
type Cipher struct {
	key [keySize]byte
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEncryptionKey, err)
	}

	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidEncryptionKey, len(raw))
	}

	cipher := &Cipher{}
	copy(cipher.key[:], raw)

	return cipher, nil
}

// Encrypt seals plaintext with a random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecryptionFailed
	}

	return string(opened), nil
}
