// File: internal/stack/names.go
// Brief: Namespace and release name policy.

package stack

import (
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
)

// UnitNamespace returns the target namespace of u: the unit override, then the
// stack namespace, then the stack name with underscores replaced by dashes.
func (s *Stack) UnitNamespace(u *UnitDefinition) (string, error) {
	ns := strings.TrimSpace(u.Namespace)
	field := "namespace"
	if ns == "" {
		ns = strings.TrimSpace(s.Namespace)
		field = "stack namespace"
	}
	if ns == "" {
		ns = strings.ToLower(strings.ReplaceAll(s.Name, "_", "-"))
		field = "stack name"
	}
	if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
		return "", &SchemaError{Unit: u.Name, Field: field, Reason: "invalid namespace " + ns + ": " + strings.Join(errs, "; ")}
	}
	return ns, nil
}

// maxReleaseName matches Helm's release name limit.
const maxReleaseName = 53

// GenerateReleaseName returns a fresh release name for a stack without an explicit one.
func GenerateReleaseName(stackName string) string {
	base := strings.ToLower(stackName)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, base)
	base = strings.Trim(base, "-")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if base == "" {
		return "release-" + suffix
	}
	if len(base) > maxReleaseName-len(suffix)-1 {
		base = strings.TrimRight(base[:maxReleaseName-len(suffix)-1], "-")
	}
	return base + "-" + suffix
}

// ValidateReleaseName checks an explicit release name.
func ValidateReleaseName(name string) error {
	if len(name) > maxReleaseName {
		return &SchemaError{Field: "release", Reason: "release name exceeds 53 characters"}
	}
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return &SchemaError{Field: "release", Reason: "invalid release name " + name + ": " + strings.Join(errs, "; ")}
	}
	return nil
}
