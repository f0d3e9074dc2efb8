package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the full sha256 hex digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex characters of the sha256 digest of s.
// Used for session keys and log-friendly identifiers.
func ShortHash(s string) string {
	return HashString(s)[:16]
}
