package approval

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of a plaintext approval token.
const tokenBytes = 32

// GenerateToken returns a fresh random bearer token, hex encoded. The
// plaintext is handed to the caller exactly once and never persisted.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("approval: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken derives the stored form of a token: SHA-256 over the shared
// secret concatenated with the plaintext, hex encoded.
func HashToken(secret, token string) string {
	sum := sha256.Sum256([]byte(secret + token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to storedHash, comparing in
// constant time.
func VerifyToken(secret, token, storedHash string) bool {
	computed := HashToken(secret, token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
