package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost. The stored hash records only salt and key, so the cost
// parameters must stay fixed once hashes exist.
const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 2
	argon2KeyLen  = 32
	argon2SaltLen = 16

	minPasswordLength = 8
	refreshTokenBytes = 32
)

// HashPassword returns "<salt hex>:<argon2id hex>".
func HashPassword(password string) (string, error) {
	salt, err := randomBytes(argon2SaltLen)
	if err != nil {
		return "", fmt.Errorf("password salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// verifyPassword is false for any malformed stored value.
func verifyPassword(password, stored string) bool {
	saltHex, keyHex, found := strings.Cut(stored, ":")
	if !found {
		return false
	}
	salt, err1 := hex.DecodeString(saltHex)
	want, err2 := hex.DecodeString(keyHex)
	if err1 != nil || err2 != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// newRefreshToken returns the raw token handed to the client and the digest
// that is stored.
func newRefreshToken() (raw, digest string, err error) {
	b, err := randomBytes(refreshTokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("refresh token: %w", err)
	}
	raw = hex.EncodeToString(b)
	return raw, hashRefreshToken(raw), nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
