// Package util provides small shared helpers: key generation, token
// generation and string truncation for log output.
package util

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MinAPIKeyLength is the shortest API key accepted by validation.
const MinAPIKeyLength = 16

// GenerateAPIKey returns a cryptographically random alphanumeric key.
// Length must be at least MinAPIKeyLength.
func GenerateAPIKey(length int) (string, error) {
	if length < MinAPIKeyLength {
		return "", errors.New("api key length must be at least 16")
	}
	buf := make([]byte, length)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidateAPIKey reports whether key has an acceptable length and only
// contains alphanumeric characters.
func ValidateAPIKey(key string) bool {
	if len(key) < MinAPIKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// GenerateSecureToken returns a URL-safe random token built from n random bytes.
func GenerateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Truncate shortens s to at most n runes for log output, appending an
// ellipsis when trimmed.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
