package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// ConstantTimeEquals compares two strings without leaking timing information
// about how far the comparison got. Used for verification nonces, which are
// attacker-suppliable via emailed links.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
