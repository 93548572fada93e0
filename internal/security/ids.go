package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const sessionIDBytes = 32

var sessionIDLen = base64.RawURLEncoding.EncodedLen(sessionIDBytes)

// NewSessionID returns 256 random bits encoded as unpadded base64url.
func NewSessionID() (string, error) {
	return randomString(sessionIDBytes)
}

// NewCSRFSecret returns the per-session salt used to derive CSRF signing keys.
func NewCSRFSecret() (string, error) {
	return randomString(32)
}

// ValidSessionID reports whether id has the exact shape NewSessionID produces.
// Anything else, including ids minted by another mechanism, is rejected.
func ValidSessionID(id string) bool {
	if len(id) != sessionIDLen {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil && len(raw) == sessionIDBytes
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
