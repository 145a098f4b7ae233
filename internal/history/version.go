// Package history implements the content-addressed edit chain: version
// hashing, diff creation and application, and reconstruction of article text
// at any recorded version.
package history

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sentinel is the version of an article before its first edit: the hash of
// the empty string. Every article's chain starts here.
const Sentinel = "e3b0c44298fc1c149afbf4c8996fb924"

// VersionOf computes the EditVersion of a diff: the first 16 bytes of the
// SHA-256 digest, hex encoded. Identical diff text yields identical versions;
// a collision therefore implies an identical change, which is accepted.
func VersionOf(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:16])
}

// ValidVersion reports whether s is a well-formed external version: 32
// lowercase hex characters.
func ValidVersion(s string) bool {
	if len(s) != 32 {
		return false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return false
	}
	for _, r := range s {
		if r >= 'A' && r <= 'F' {
			return false
		}
	}
	return true
}
