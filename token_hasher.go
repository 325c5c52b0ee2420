package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// TokenHasher digests opaque token values before they are persisted or
// looked up. Raw tokens never reach the datastore.
type TokenHasher interface {
	Hash(raw string) string
}

// TokenHasherFunc adapts a function to the TokenHasher interface.
type TokenHasherFunc func(raw string) string

// Hash implements TokenHasher.
func (f TokenHasherFunc) Hash(raw string) string {
	return f(raw)
}

// NewTokenHasher returns a hasher for the named algorithm. Supported
// values are "sha256" (default when empty) and "sha512".
func NewTokenHasher(algorithm string) (TokenHasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "sha256", "sha-256":
		return TokenHasherFunc(HashToken), nil
	case "sha512", "sha-512":
		return TokenHasherFunc(func(raw string) string {
			sum := sha512.Sum512([]byte(raw))
			return hex.EncodeToString(sum[:])
		}), nil
	default:
		return nil, ErrUnsupportedHashAlgorithm
	}
}

// HashToken returns the hex encoded SHA-256 digest of raw.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

const opaqueTokenBytes = 32

// GenerateOpaqueToken returns a URL safe random token with 256 bits of entropy.
func GenerateOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
