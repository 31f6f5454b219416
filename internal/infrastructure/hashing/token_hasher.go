package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes the argon2id cost
type Argon2Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
	SaltLen   uint32
	KeyLen    uint32
}

// DefaultArgon2Params follows the OWASP minimum for argon2id
var DefaultArgon2Params = Argon2Params{
	MemoryKiB: 19 * 1024,
	Time:      2,
	Threads:   1,
	SaltLen:   16,
	KeyLen:    32,
}

// Argon2Hasher is a salted, memory-hard TokenHasher. Its output differs on every
// call, so records hashed with it cannot be looked up by hash.
type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(params Argon2Params) *Argon2Hasher {
	if params.SaltLen == 0 {
		params.SaltLen = DefaultArgon2Params.SaltLen
	}
	if params.KeyLen == 0 {
		params.KeyLen = DefaultArgon2Params.KeyLen
	}
	if params.Threads == 0 {
		params.Threads = 1
	}
	return &Argon2Hasher{params: params}
}

// Hash encodes the token in the PHC string format
func (h *Argon2Hasher) Hash(token string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}
	key := argon2.IDKey([]byte(token), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(token, encoded string) bool {
	params, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(token), salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

func (h *Argon2Hasher) Deterministic() bool { return false }

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, errors.New("not an argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errors.New("unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Threads); err != nil {
		return params, nil, nil, fmt.Errorf("parsing argon2 parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, err
	}
	return params, salt, key, nil
}

// HMACHasher is a keyed, deterministic TokenHasher. Records hashed with it are
// keyed by the digest, which makes verification a single lookup.
type HMACHasher struct {
	key []byte
}

func NewHMACHasher(key []byte) *HMACHasher {
	return &HMACHasher{key: key}
}

func (h *HMACHasher) Hash(token string) (string, error) {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (h *HMACHasher) Verify(token, hash string) bool {
	expected, _ := h.Hash(token)
	return hmac.Equal([]byte(expected), []byte(hash))
}

func (h *HMACHasher) Deterministic() bool { return true }

var (
	_ domain.TokenHasher = (*Argon2Hasher)(nil)
	_ domain.TokenHasher = (*HMACHasher)(nil)
)
