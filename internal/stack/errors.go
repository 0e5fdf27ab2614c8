// File: internal/stack/errors.go
// Brief: Structural and phase-level error types.

package stack

import (
	"fmt"
	"strings"
)

// SchemaError reports a malformed unit definition.
type SchemaError struct {
	Unit   string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("invalid stack: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid unit %q: %s: %s", e.Unit, e.Field, e.Reason)
}

// DuplicateNameError reports a name declared twice, or an unqualified
// dependency that matches both a service and a project.
type DuplicateNameError struct {
	Name  string
	Kinds []UnitKind
	// Dependent is set when the ambiguity came from a dependency list.
	Dependent string
}

func (e *DuplicateNameError) Error() string {
	kinds := make([]string, 0, len(e.Kinds))
	for _, k := range e.Kinds {
		kinds = append(kinds, string(k))
	}
	if e.Dependent != "" {
		return fmt.Sprintf("dependency %q of %s is ambiguous: declared as %s", e.Name, e.Dependent, strings.Join(kinds, " and "))
	}
	return fmt.Sprintf("duplicate unit name %q (%s)", e.Name, strings.Join(kinds, ", "))
}

type UnknownUnitError struct {
	Unit string
	Ref  string
}

func (e *UnknownUnitError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("unknown unit %q", e.Ref)
	}
	return fmt.Sprintf("%s depends on unknown unit %q", e.Unit, e.Ref)
}

// DependencyCycleError carries the cycle path, first node repeated at the end.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Contains reports whether fqn takes part in the cycle.
func (e *DependencyCycleError) Contains(fqn string) bool {
	for _, p := range e.Path {
		if p == fqn {
			return true
		}
	}
	return false
}

// UnresolvedReferenceError means a unit entered Deploy before a referenced output existed.
type UnresolvedReferenceError struct {
	Unit  string
	Ref   Reference
	Field string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s: unresolved reference %s at %s", e.Unit, e.Ref, e.Field)
}

type DuplicateOutputError struct {
	Unit string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("outputs for %s already recorded in this run", e.Unit)
}

// ExecutorFailure is a phase-level failure reported by an executor.
type ExecutorFailure struct {
	Unit  string
	Phase Phase
	Err   error
}

func (e *ExecutorFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Unit, e.Phase, e.Err)
}

func (e *ExecutorFailure) Unwrap() error { return e.Err }
