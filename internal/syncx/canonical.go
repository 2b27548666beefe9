package syncx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonicalize serializes a JSON-shaped value tree to its canonical byte
// form. encoding/json emits map keys in sorted order at every nesting level,
// so two structurally identical payloads canonicalize identically regardless
// of the order keys were inserted.
func Canonicalize(data map[string]any) ([]byte, error) {
	return json.Marshal(data)
}

// Checksum computes the hex SHA-256 digest of the canonical form of data.
// Used to detect storage corruption of version snapshots.
func Checksum(data map[string]any) (string, error) {
	b, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
