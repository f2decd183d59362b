// Package token provides opaque token generation.
//
// Tokens are read from crypto/rand and Base64 RawURL encoded, so they
// are safe to embed in URLs and HTTP headers without further escaping.
package token

import (
	"crypto/rand"
	"encoding/base64"
)

// DefaultLength is the default token length in bytes (256 bits).
const DefaultLength = 32

// Generate generates a cryptographically secure random token of the
// default length.
func Generate() (string, error) {
	return GenerateWithLength(DefaultLength)
}

// GenerateWithLength generates a token with the specified byte length.
// The encoded string is longer than length (4/3 expansion).
func GenerateWithLength(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// EncodedLength returns the encoded string length for a given byte
// length.
func EncodedLength(byteLength int) int {
	return base64.RawURLEncoding.EncodedLen(byteLength)
}

// IsEncoded reports whether s consists only of the Base64 RawURL
// alphabet. It does not check length.
func IsEncoded(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
