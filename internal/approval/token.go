package approval

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// tokenLen is the encoded length of a 32-byte base64url token (unpadded).
const tokenLen = 43

// NewToken returns 32 bytes of CSPRNG output, base64url-encoded.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate approval token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidTokenShape reports whether a string looks like an approval token.
// Checked before any store lookup so malformed input is rejected cheaply.
func ValidTokenShape(token string) bool {
	if len(token) != tokenLen {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
