// Package hashutil provides SHA-256 hashing over RFC 8785 canonical JSON,
// so structurally equal values always hash identically regardless of map
// ordering or encoder quirks.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalHash canonicalizes raw JSON per RFC 8785 and returns the
// SHA-256 hex digest of the canonical form.
func CanonicalHash(rawJSON []byte) (string, error) {
	canonical, err := jcs.Transform(rawJSON)
	if err != nil {
		return "", fmt.Errorf("CanonicalHash: %w", err)
	}
	return HashBytes(canonical), nil
}

// CanonicalHashValue marshals v and returns its canonical hash.
func CanonicalHashValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("CanonicalHashValue: %w", err)
	}
	return CanonicalHash(raw)
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the SHA-256 hex digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
