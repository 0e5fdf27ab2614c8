// File: internal/stack/resolver.go
// Brief: Output recording and deploy-time reference substitution.

package stack

import (
	"sync"
)

// Resolver holds unit outputs and the pending reference sites found while
// building the graph. Outputs are guarded per unit.
type Resolver struct {
	graph *Graph
	sites map[string][]ReferenceSite

	mu      sync.RWMutex
	outputs map[string]*outputSlot
}

type outputSlot struct {
	mu       sync.RWMutex
	output   UnitOutput
	recorded bool
	seeded   bool
}

func NewResolver(g *Graph, sites []ReferenceSite) *Resolver {
	r := &Resolver{
		graph:   g,
		sites:   map[string][]ReferenceSite{},
		outputs: map[string]*outputSlot{},
	}
	for _, s := range sites {
		r.sites[s.Unit] = append(r.sites[s.Unit], s)
	}
	for _, id := range g.Order() {
		r.outputs[id] = &outputSlot{}
	}
	return r
}

func (r *Resolver) slot(fqn string) *outputSlot {
	r.mu.RLock()
	s, ok := r.outputs[fqn]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.outputs[fqn]; ok {
		return s
	}
	s = &outputSlot{}
	r.outputs[fqn] = s
	return s
}

// RecordOutputs stores the outputs of a unit whose Deploy just succeeded.
// A second call for the same unit fails with DuplicateOutputError.
func (r *Resolver) RecordOutputs(fqn string, out UnitOutput) error {
	s := r.slot(fqn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded {
		return &DuplicateOutputError{Unit: fqn}
	}
	s.recorded = true
	s.seeded = false
	s.output = copyOutput(out)
	return nil
}

// SeedOutputs loads previously persisted outputs for a unit that is not
// deployed in this run. It never replaces outputs recorded in this run.
func (r *Resolver) SeedOutputs(fqn string, out UnitOutput) {
	if out == nil {
		return
	}
	s := r.slot(fqn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded {
		return
	}
	s.seeded = true
	s.output = copyOutput(out)
}

// Outputs returns a copy of the outputs known for fqn.
func (r *Resolver) Outputs(fqn string) (UnitOutput, bool) {
	s := r.slot(fqn)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.recorded && !s.seeded {
		return nil, false
	}
	return copyOutput(s.output), true
}

// Sites returns the reference sites belonging to fqn.
func (r *Resolver) Sites(fqn string) []ReferenceSite {
	return append([]ReferenceSite(nil), r.sites[fqn]...)
}

// Unresolved returns the unit configuration as authored, for Init and Build.
func (r *Resolver) Unresolved(fqn string) (ResolvedConfig, error) {
	n, ok := r.graph.Node(fqn)
	if !ok {
		return ResolvedConfig{}, &UnknownUnitError{Unit: fqn, Ref: fqn}
	}
	return ResolvedConfig{Inputs: cloneMap(n.Unit.Inputs, true), Values: cloneMap(n.Unit.Values, true)}, nil
}

// Resolve substitutes every reference site of fqn with the referenced output value.
func (r *Resolver) Resolve(fqn string) (ResolvedConfig, error) {
	cfg, err := r.Unresolved(fqn)
	if err != nil {
		return ResolvedConfig{}, err
	}
	for _, site := range r.sites[fqn] {
		out, ok := r.Outputs(site.Target)
		if !ok {
			return ResolvedConfig{}, &UnresolvedReferenceError{Unit: fqn, Ref: site.Ref, Field: site.Path.String()}
		}
		value, ok := out[site.Ref.Field]
		if !ok {
			return ResolvedConfig{}, &UnresolvedReferenceError{Unit: fqn, Ref: site.Ref, Field: site.Path.String()}
		}
		var root map[string]any
		switch site.Path[0].Key {
		case "inputs":
			root = cfg.Inputs
		case "values":
			root = cfg.Values
		}
		if root == nil || !setAt(root, site.Path[1:], value) {
			return ResolvedConfig{}, &UnresolvedReferenceError{Unit: fqn, Ref: site.Ref, Field: site.Path.String()}
		}
	}
	return cfg, nil
}

func copyOutput(out UnitOutput) UnitOutput {
	if out == nil {
		return UnitOutput{}
	}
	return UnitOutput(cloneMap(map[string]any(out), false))
}
