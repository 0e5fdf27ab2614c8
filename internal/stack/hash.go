// File: internal/stack/hash.go
// Brief: Phase input hashing for buildstate idempotence.

package stack

import (
	"github.com/example/stackctl/internal/buildstate"
)

// Init and Build only see inputs; values belong to the deploy layer.
type initHashInput struct {
	APIVersion string         `json:"apiVersion"`
	FQN        string         `json:"fqn"`
	Steps      []string       `json:"steps,omitempty"`
	Files      []string       `json:"files,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

type buildHashInput struct {
	APIVersion string         `json:"apiVersion"`
	FQN        string         `json:"fqn"`
	Build      BuildSpec      `json:"build"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

type deployHashInput struct {
	APIVersion string            `json:"apiVersion"`
	FQN        string            `json:"fqn"`
	Chart      ChartSource       `json:"chart"`
	Namespace  string            `json:"namespace"`
	Release    string            `json:"release"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	IaC        *IaCBlock         `json:"iac,omitempty"`
	Config     ResolvedConfig    `json:"config"`
}

// phaseHash digests everything the executor of phase will see for req.
func phaseHash(phase Phase, req UnitRequest) (string, error) {
	switch phase {
	case PhaseInit:
		in := initHashInput{APIVersion: "stackctl.dev/init-input/v1", FQN: req.FQN, Inputs: req.Config.Inputs}
		if req.Unit != nil {
			in.Steps = req.Unit.Init
			in.Files = req.Unit.Files
		}
		return buildstate.ConfigHash(in)
	case PhaseBuild:
		return buildstate.ConfigHash(buildHashInput{
			APIVersion: "stackctl.dev/build-input/v1",
			FQN:        req.FQN,
			Build:      req.Build,
			Inputs:     req.Config.Inputs,
		})
	default:
		in := deployHashInput{
			APIVersion: "stackctl.dev/deploy-input/v1",
			FQN:        req.FQN,
			Chart:      req.Chart,
			Namespace:  req.Namespace,
			Release:    req.Release,
			Config:     req.Config,
		}
		if req.Unit != nil {
			in.Outputs = req.Unit.Deploy.Outputs
			in.IaC = req.Unit.Deploy.IaC
		}
		return buildstate.ConfigHash(in)
	}
}
