// File: internal/stack/graph.go
// Brief: Dependency graph construction from explicit and inferred dependencies.

package stack

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeTag is the phase at which an edge must be satisfied.
type EdgeTag string

const (
	// EdgeDeploy edges come from reference expressions: the dependent needs the dependency's outputs.
	EdgeDeploy EdgeTag = "Deploy"
	// EdgeArtifact edges come from explicit deps with no reference.
	EdgeArtifact EdgeTag = "Artifact"
)

// Edge runs from a dependency to its dependent.
type Edge struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Tag  EdgeTag `json:"tag"`
}

// Node is a unit registered in the graph.
type Node struct {
	FQN   string          `json:"fqn"`
	Unit  *UnitDefinition `json:"-"`
	Build BuildSpec       `json:"build,omitempty"`
	Chart ChartSource     `json:"chart"`
	index int
}

func (n *Node) Kind() UnitKind { return n.Unit.Kind }

// ReferenceSite is a pending substitution: the leaf at Path inside Unit's config holds Ref.
type ReferenceSite struct {
	Unit string    `json:"unit"`
	Path Path      `json:"path"`
	Ref  Reference `json:"ref"`
	// Target is the FQN of the referenced unit.
	Target string `json:"target"`
}

type Graph struct {
	stack string
	nodes map[string]*Node
	order []string

	// deps is keyed by dependent, dependents by dependency.
	deps       map[string][]Edge
	dependents map[string][]Edge
}

// BuildGraph registers every unit, links explicit and inferred dependencies,
// and rejects cycles. Sites are returned in declaration order.
func BuildGraph(s *Stack) (*Graph, []ReferenceSite, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("stack is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return nil, nil, &SchemaError{Field: "name", Reason: "stack name is required"}
	}
	g := &Graph{
		stack:      s.Name,
		nodes:      map[string]*Node{},
		deps:       map[string][]Edge{},
		dependents: map[string][]Edge{},
	}

	services := map[string]*UnitDefinition{}
	projects := map[string]*UnitDefinition{}
	register := func(u *UnitDefinition, kind UnitKind, byName map[string]*UnitDefinition) error {
		if u == nil || strings.TrimSpace(u.Name) == "" {
			return &SchemaError{Field: string(kind) + "s", Reason: "unit name is required"}
		}
		if u.Kind == "" {
			u.Kind = kind
		}
		if u.Kind != kind {
			return &SchemaError{Unit: u.Name, Field: "kind", Reason: fmt.Sprintf("declared under %ss but kind is %q", kind, u.Kind)}
		}
		if _, ok := byName[u.Name]; ok {
			return &DuplicateNameError{Name: u.Name, Kinds: []UnitKind{kind, kind}}
		}
		build, err := u.BuildSpec()
		if err != nil {
			return err
		}
		chart, err := u.Deploy.Source(u.Name)
		if err != nil {
			return err
		}
		byName[u.Name] = u
		n := &Node{FQN: s.FQN(kind, u.Name), Unit: u, Build: build, Chart: chart, index: len(g.order)}
		g.nodes[n.FQN] = n
		g.order = append(g.order, n.FQN)
		return nil
	}
	for _, u := range s.Services {
		if err := register(u, KindService, services); err != nil {
			return nil, nil, err
		}
	}
	for _, u := range s.Projects {
		if err := register(u, KindProject, projects); err != nil {
			return nil, nil, err
		}
	}

	lookup := func(dependent string, name string, kinds ...UnitKind) (string, error) {
		var found []UnitKind
		for _, k := range kinds {
			switch k {
			case KindService:
				if _, ok := services[name]; ok {
					found = append(found, k)
				}
			case KindProject:
				if _, ok := projects[name]; ok {
					found = append(found, k)
				}
			}
		}
		switch len(found) {
		case 0:
			return "", &UnknownUnitError{Unit: dependent, Ref: name}
		case 1:
			return s.FQN(found[0], name), nil
		default:
			return "", &DuplicateNameError{Name: name, Kinds: found, Dependent: dependent}
		}
	}

	tags := map[[2]string]EdgeTag{}
	var edgeOrder [][2]string
	addEdge := func(from, to string, tag EdgeTag) {
		key := [2]string{from, to}
		prev, ok := tags[key]
		if !ok {
			edgeOrder = append(edgeOrder, key)
			tags[key] = tag
			return
		}
		if prev == EdgeArtifact && tag == EdgeDeploy {
			tags[key] = EdgeDeploy
		}
	}

	var sites []ReferenceSite
	for _, fqn := range g.order {
		n := g.nodes[fqn]
		u := n.Unit
		explicit := func(names []string, kinds ...UnitKind) error {
			for _, name := range names {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				dep, err := lookup(fqn, name, kinds...)
				if err != nil {
					return err
				}
				addEdge(dep, fqn, EdgeArtifact)
			}
			return nil
		}
		if err := explicit(u.Deps.Services, KindService); err != nil {
			return nil, nil, err
		}
		if err := explicit(u.Deps.Projects, KindProject); err != nil {
			return nil, nil, err
		}
		if err := explicit(u.Deps.Any, KindService, KindProject); err != nil {
			return nil, nil, err
		}

		var scanErr error
		scan := func(root string, tree map[string]any) {
			walkStrings(tree, Path{{Key: root}}, func(p Path, leaf string) {
				if scanErr != nil {
					return
				}
				ref, ok := ParseReference(leaf)
				if !ok {
					return
				}
				dep, err := lookup(fqn, ref.Unit, ref.Kind)
				if err != nil {
					scanErr = err
					return
				}
				addEdge(dep, fqn, EdgeDeploy)
				sites = append(sites, ReferenceSite{Unit: fqn, Path: p, Ref: ref, Target: dep})
			})
		}
		scan("inputs", u.Inputs)
		scan("values", u.Values)
		if scanErr != nil {
			return nil, nil, scanErr
		}
	}

	for _, key := range edgeOrder {
		e := Edge{From: key[0], To: key[1], Tag: tags[key]}
		g.deps[e.To] = append(g.deps[e.To], e)
		g.dependents[e.From] = append(g.dependents[e.From], e)
	}
	for id := range g.deps {
		g.sortEdges(g.deps[id], func(e Edge) string { return e.From })
	}
	for id := range g.dependents {
		g.sortEdges(g.dependents[id], func(e Edge) string { return e.To })
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, nil, &DependencyCycleError{Path: cycle}
	}
	return g, sites, nil
}

func (g *Graph) sortEdges(edges []Edge, key func(Edge) string) {
	sort.SliceStable(edges, func(i, j int) bool {
		return g.nodes[key(edges[i])].index < g.nodes[key(edges[j])].index
	})
}

func (g *Graph) StackName() string { return g.stack }

// Order returns FQNs in declaration order: services first, then projects.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Node(fqn string) (*Node, bool) {
	n, ok := g.nodes[fqn]
	return n, ok
}

func (g *Graph) Len() int { return len(g.order) }

// Incoming returns the edges whose dependent is fqn.
func (g *Graph) Incoming(fqn string) []Edge {
	return append([]Edge(nil), g.deps[fqn]...)
}

// Outgoing returns the edges whose dependency is fqn.
func (g *Graph) Outgoing(fqn string) []Edge {
	return append([]Edge(nil), g.dependents[fqn]...)
}

// DependenciesOf returns the transitive dependencies of fqn in declaration order.
func (g *Graph) DependenciesOf(fqn string) []string {
	return g.walk(fqn, g.deps, func(e Edge) string { return e.From }, nil)
}

// DependentsOf returns the transitive dependents of fqn in declaration order.
func (g *Graph) DependentsOf(fqn string) []string {
	return g.walk(fqn, g.dependents, func(e Edge) string { return e.To }, nil)
}

// DeployDescendants follows only Deploy edges from fqn.
func (g *Graph) DeployDescendants(fqn string) []string {
	return g.walk(fqn, g.dependents, func(e Edge) string { return e.To }, func(e Edge) bool { return e.Tag == EdgeDeploy })
}

func (g *Graph) walk(id string, adj map[string][]Edge, next func(Edge) string, keep func(Edge) bool) []string {
	seen := map[string]struct{}{}
	var visit func(string)
	visit = func(cur string) {
		for _, e := range adj[cur] {
			if keep != nil && !keep(e) {
				continue
			}
			to := next(e)
			if _, ok := seen[to]; ok {
				continue
			}
			seen[to] = struct{}{}
			visit(to)
		}
	}
	visit(id)
	return g.inOrder(seen)
}

func (g *Graph) inOrder(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for _, id := range g.order {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Edges returns every edge ordered by dependency then dependent declaration order.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, from := range g.order {
		edges = append(edges, g.dependents[from]...)
	}
	return edges
}

// Lookup accepts an FQN or a bare unit name and returns the FQN.
func (g *Graph) Lookup(name string) (string, error) {
	name = strings.TrimSpace(name)
	if _, ok := g.nodes[name]; ok {
		return name, nil
	}
	var found []UnitKind
	for _, k := range []UnitKind{KindService, KindProject} {
		if _, ok := g.nodes[FQN(g.stack, k, name)]; ok {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 0:
		return "", &UnknownUnitError{Ref: name}
	case 1:
		return FQN(g.stack, found[0], name), nil
	default:
		return "", &DuplicateNameError{Name: name, Kinds: found}
	}
}
