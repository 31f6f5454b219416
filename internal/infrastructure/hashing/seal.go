package hashing

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnseal is returned when a sealed value cannot be opened with the given secret
var ErrUnseal = errors.New("unable to open sealed value")

// Seal encrypts plaintext under a key derived from secret. Only a caller holding
// the same secret and purpose can Open the result.
func Seal(secret, purpose string, plaintext []byte) (string, error) {
	aead, err := newAEAD(secret, purpose)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(purpose))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func Open(secret, purpose, sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrUnseal
	}
	aead, err := newAEAD(secret, purpose)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrUnseal
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}

func newAEAD(secret, purpose string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// Digest returns the hex SHA-256 of value, used to key short-lived single-use codes
func Digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
