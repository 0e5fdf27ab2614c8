// File: internal/buildstate/diff.go
// Brief: Unified diffs between recorded and current config.

package buildstate

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"sigs.k8s.io/yaml"
)

// DiffSnapshots renders a unified diff between two configuration snapshots.
// It returns "" when they are equal.
func DiffSnapshots(previous, next map[string]any) (string, error) {
	a, err := snapshotText(previous)
	if err != nil {
		return "", err
	}
	b, err := snapshotText(next)
	if err != nil {
		return "", err
	}
	if a == b {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "recorded",
		ToFile:   "current",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return text, nil
}

func snapshotText(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(raw), nil
}
