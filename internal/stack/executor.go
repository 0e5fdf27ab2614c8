// File: internal/stack/executor.go
// Brief: Phase executor contracts.

package stack

import (
	"context"
	"time"
)

// UnitRequest is what a phase executor receives for one unit. For Init and
// Build, Config is the configuration as authored; for Deploy, every
// reference has been substituted.
type UnitRequest struct {
	FQN       string          `json:"fqn"`
	Name      string          `json:"name"`
	Kind      UnitKind        `json:"kind"`
	Stack     string          `json:"stack"`
	Root      string          `json:"-"`
	Unit      *UnitDefinition `json:"-"`
	Build     BuildSpec       `json:"build,omitempty"`
	Chart     ChartSource     `json:"chart"`
	Config    ResolvedConfig  `json:"config"`
	Namespace string          `json:"namespace"`
	Release   string          `json:"release"`
}

type InitExecutor interface {
	Init(ctx context.Context, req UnitRequest) error
}

type BuildExecutor interface {
	Build(ctx context.Context, req UnitRequest) error
}

type DeployExecutor interface {
	Deploy(ctx context.Context, req UnitRequest) (UnitOutput, error)
}

// Timeouter is implemented by executors that bound each invocation.
type Timeouter interface {
	Timeout() time.Duration
}

type Executors struct {
	Init   InitExecutor
	Build  BuildExecutor
	Deploy DeployExecutor
}

func (e Executors) timeout(phase Phase, req UnitRequest) time.Duration {
	if phase == PhaseDeploy && req.Unit != nil && req.Unit.Deploy.Timeout > 0 {
		return req.Unit.Deploy.Timeout
	}
	var x any
	switch phase {
	case PhaseInit:
		x = e.Init
	case PhaseBuild:
		x = e.Build
	case PhaseDeploy:
		x = e.Deploy
	}
	if t, ok := x.(Timeouter); ok {
		return t.Timeout()
	}
	return 0
}

// InitFunc, BuildFunc and DeployFunc adapt plain functions to executors.
type InitFunc func(ctx context.Context, req UnitRequest) error

func (f InitFunc) Init(ctx context.Context, req UnitRequest) error { return f(ctx, req) }

type BuildFunc func(ctx context.Context, req UnitRequest) error

func (f BuildFunc) Build(ctx context.Context, req UnitRequest) error { return f(ctx, req) }

type DeployFunc func(ctx context.Context, req UnitRequest) (UnitOutput, error)

func (f DeployFunc) Deploy(ctx context.Context, req UnitRequest) (UnitOutput, error) {
	return f(ctx, req)
}
