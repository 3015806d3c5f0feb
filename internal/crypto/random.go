package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// StateTokenBytes is the number of random bytes behind a state token.
const StateTokenBytes = 32

// GenerateStateToken creates a cryptographically secure random token,
// hex encoded, suitable for use as an OAuth state parameter.
func GenerateStateToken() (string, error) {
	b := make([]byte, StateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EqualStrings compares two strings in constant time with respect to their contents.
func EqualStrings(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
