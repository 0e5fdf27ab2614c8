// File: internal/stack/plan.go
// Brief: Dry evaluation of the graph against recorded buildstate.

package stack

import (
	"context"
	"fmt"

	"github.com/example/stackctl/internal/buildstate"
)

// Phase states reported by a plan.
const (
	PlanUpToDate = "up-to-date"
	PlanChanged  = "changed"
	PlanPending  = "pending"
	PlanNone     = "-"
)

type PlanUnit struct {
	FQN        string           `json:"fqn"`
	Kind       UnitKind         `json:"kind"`
	Wave       int              `json:"wave"`
	Namespace  string           `json:"namespace"`
	Build      string           `json:"build,omitempty"`
	Chart      string           `json:"chart"`
	Needs      []Edge           `json:"needs,omitempty"`
	Phases     map[Phase]string `json:"phases"`
	Diff       string           `json:"diff,omitempty"`
	Unresolved []string         `json:"unresolved,omitempty"`
}

type Plan struct {
	Stack   string     `json:"stack"`
	Release string     `json:"release"`
	Waves   [][]string `json:"waves"`
	Units   []PlanUnit `json:"units"`
}

// BuildPlan compares every unit's current configuration with buildstate
// without executing anything. References resolve against recorded outputs.
func BuildPlan(ctx context.Context, s *Stack, g *Graph, sites []ReferenceSite, store buildstate.Store, withDiff bool) (*Plan, error) {
	state := buildstate.NewState(s.Name)
	if store != nil {
		var err error
		if state, err = store.Load(ctx, s.Name); err != nil {
			return nil, fmt.Errorf("load buildstate: %w", err)
		}
	}
	release := s.ReleaseName
	if release == "" {
		release = state.ReleaseName()
	}
	res := NewResolver(g, sites)
	for _, fqn := range g.Order() {
		if rec, ok := state.Get(fqn); ok && rec.Deployed {
			res.SeedOutputs(fqn, UnitOutput(rec.Outputs))
		}
	}

	p := &Plan{Stack: s.Name, Release: release, Waves: g.Waves()}
	wave := map[string]int{}
	for i, w := range p.Waves {
		for _, fqn := range w {
			wave[fqn] = i
		}
	}
	for _, fqn := range g.Order() {
		n, _ := g.Node(fqn)
		ns, err := s.UnitNamespace(n.Unit)
		if err != nil {
			return nil, err
		}
		pu := PlanUnit{
			FQN:       fqn,
			Kind:      n.Kind(),
			Wave:      wave[fqn],
			Namespace: ns,
			Chart:     n.Chart.String(),
			Needs:     g.Incoming(fqn),
			Phases:    map[Phase]string{},
		}
		if n.Build != nil {
			pu.Build = n.Build.Describe()
		}
		rec, hasRec := state.Get(fqn)
		req := UnitRequest{FQN: fqn, Name: n.Unit.Name, Kind: n.Kind(), Stack: s.Name, Unit: n.Unit, Build: n.Build, Chart: n.Chart, Namespace: ns, Release: release}

		status := func(phase Phase, cfg ResolvedConfig) string {
			r := req
			r.Config = cfg
			hash, err := phaseHash(phase, r)
			switch {
			case err != nil || !hasRec:
				return PlanPending
			case rec.Completed(string(phase), hash):
				return PlanUpToDate
			}
			done := map[Phase]bool{PhaseInit: rec.Initialized, PhaseBuild: rec.Built, PhaseDeploy: rec.Deployed}
			if done[phase] {
				return PlanChanged
			}
			return PlanPending
		}

		authored, _ := res.Unresolved(fqn)
		pu.Phases[PhaseInit] = status(PhaseInit, authored)
		pu.Phases[PhaseBuild] = PlanNone
		if n.Kind() == KindProject {
			pu.Phases[PhaseBuild] = status(PhaseBuild, authored)
		}
		resolved, err := res.Resolve(fqn)
		switch {
		case err != nil:
			pu.Phases[PhaseDeploy] = PlanPending
			for _, site := range res.Sites(fqn) {
				if _, ok := res.Outputs(site.Target); !ok {
					pu.Unresolved = append(pu.Unresolved, site.Ref.String())
				}
			}
		case release == "":
			pu.Phases[PhaseDeploy] = PlanPending
		default:
			pu.Phases[PhaseDeploy] = status(PhaseDeploy, resolved)
		}
		if withDiff && err == nil && pu.Phases[PhaseDeploy] == PlanChanged {
			next, terr := buildstate.ToTree(resolved)
			if terr == nil {
				if d, derr := buildstate.DiffSnapshots(rec.Snapshot, next); derr == nil {
					pu.Diff = d
				}
			}
		}
		p.Units = append(p.Units, pu)
	}
	return p, nil
}
