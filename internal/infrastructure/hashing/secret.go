package hashing

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch is returned when a client secret does not match its hash
var ErrSecretMismatch = errors.New("invalid client secret")

// dummyHash is compared against when no hash exists so that unknown clients take
// as long to reject as known ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-client-secret"), bcrypt.DefaultCost)

// HashSecret hashes a client secret using bcrypt
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckSecret checks if a client secret matches its hash
func CheckSecret(secret, hash string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return ErrSecretMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return err
	}
	return nil
}

// RandomString returns n bytes from crypto/rand encoded as unpadded base64url
func RandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
