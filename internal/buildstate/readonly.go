// File: internal/buildstate/readonly.go
// Brief: Store wrapper that drops writes for dry runs.

package buildstate

import (
	"context"
	"errors"
)

// ReadOnly wraps a store so that runs can read recorded state without
// persisting anything. Used for dry runs.
func ReadOnly(s Store) Store { return readOnly{s} }

type readOnly struct{ Store }

func (readOnly) Save(context.Context, string, *State) error { return nil }

func (readOnly) Reset(context.Context, string) error {
	return errors.New("buildstate is read-only")
}
