// Package auth implements password hashing and opaque session token
// generation/verification. Session tokens are random values stored hashed
// (never JWTs): the spec requires that revoking a session or changing a
// password immediately invalidates it, which a self-describing signed token
// cannot do without a server-side denylist that reintroduces exactly the
// state an opaque token avoids.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPBKDF2Iterations is the floor the spec requires (≥100,000).
	MinPBKDF2Iterations = 100_000
	saltBytes           = 16
	keyBytes            = 32
)

// HashPassword derives a PBKDF2-HMAC-SHA256 hash for password using a fresh
// random salt and the given iteration count (clamped to the required floor).
func HashPassword(password string, iterations int) (hash string, salt string, iters int, err error) {
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	saltBuf := make([]byte, saltBytes)
	if _, err := rand.Read(saltBuf); err != nil {
		return "", "", 0, fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), saltBuf, iterations, keyBytes, sha256.New)
	return hex.EncodeToString(derived), hex.EncodeToString(saltBuf), iterations, nil
}

// VerifyPassword recomputes the hash for password with the stored salt and
// iteration count and compares in constant time.
func VerifyPassword(password, storedHashHex, storedSaltHex string, iterations int) (bool, error) {
	saltBuf, err := hex.DecodeString(storedSaltHex)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	wantBuf, err := hex.DecodeString(storedHashHex)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	gotBuf := pbkdf2.Key([]byte(password), saltBuf, iterations, keyBytes, sha256.New)
	return subtle.ConstantTimeCompare(gotBuf, wantBuf) == 1, nil
}

// GenerateRandomPassword returns a URL-safe random password of at least
// minLength characters, used for the first-boot admin bootstrap.
func GenerateRandomPassword(minLength int) (string, error) {
	if minLength < 20 {
		minLength = 20
	}
	raw := make([]byte, minLength) // base64 expands ~4/3, always >= minLength chars
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) < minLength {
		return "", fmt.Errorf("generated password shorter than requested")
	}
	return encoded[:minLength], nil
}
