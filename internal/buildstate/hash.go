// File: internal/buildstate/hash.go
// Brief: Canonical config hashing and snapshot trees.

package buildstate

import (
	_ "crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ConfigHash returns the canonical sha256 digest of v's JSON encoding.
// encoding/json sorts map keys, so equal trees hash equally.
func ConfigHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	return digest.Canonical.FromBytes(raw).String(), nil
}

// ToTree converts v into a plain map tree suitable for a snapshot.
func ToTree(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
