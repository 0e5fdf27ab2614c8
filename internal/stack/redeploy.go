// File: internal/stack/redeploy.go
// Brief: Incremental redeploy of units affected by changed paths.

package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/patternmatcher"
)

type RedeployOptions struct {
	RunOptions
	// ChangedPaths are absolute or relative to the stack root.
	ChangedPaths []string
}

// Affected is the outcome of matching changed paths against unit artifacts.
type Affected struct {
	// Changed lists units whose own artifacts matched, in declaration order.
	Changed []string `json:"changed"`
	// Units is Changed plus every Deploy-edge descendant, in declaration order.
	Units []string `json:"units"`
}

func (a Affected) Empty() bool { return len(a.Units) == 0 }

// ArtifactPatterns returns the root-relative patterns whose changes affect u.
func ArtifactPatterns(n *Node) []string {
	var out []string
	switch b := n.Build.(type) {
	case DockerBuild:
		out = append(out, b.Context)
	case ScriptBuild:
		out = append(out, b.Path, filepath.Dir(b.Path))
	}
	if n.Chart.Custom() {
		out = append(out, n.Chart.Path)
	}
	out = append(out, n.Unit.Files...)
	return out
}

// AffectedUnits returns the units whose artifacts derive from one of changed.
func AffectedUnits(g *Graph, root string, changed []string) (Affected, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return Affected{}, fmt.Errorf("resolve stack root: %w", err)
	}
	rels := make([]string, 0, len(changed))
	for _, p := range changed {
		rel, ok := relativeTo(rootAbs, p)
		if ok {
			rels = append(rels, rel)
		}
	}

	direct := map[string]struct{}{}
	for _, fqn := range g.Order() {
		n, _ := g.Node(fqn)
		patterns := normalizePatterns(rootAbs, ArtifactPatterns(n))
		if len(patterns) == 0 {
			continue
		}
		pm, err := patternmatcher.New(patterns)
		if err != nil {
			return Affected{}, fmt.Errorf("%s: artifact patterns: %w", fqn, err)
		}
		for _, rel := range rels {
			ok, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return Affected{}, fmt.Errorf("%s: match %s: %w", fqn, rel, err)
			}
			if ok {
				direct[fqn] = struct{}{}
				break
			}
		}
	}

	all := map[string]struct{}{}
	for fqn := range direct {
		all[fqn] = struct{}{}
		for _, d := range g.DeployDescendants(fqn) {
			all[d] = struct{}{}
		}
	}
	return Affected{Changed: g.inOrder(direct), Units: g.inOrder(all)}, nil
}

func relativeTo(rootAbs, p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(rootAbs, p)
		if err != nil {
			return "", false
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

func normalizePatterns(rootAbs string, in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		exclude := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		rel, ok := relativeTo(rootAbs, p)
		if !ok {
			continue
		}
		if rel == "." {
			rel = "**"
		}
		if exclude {
			rel = "!" + rel
		}
		out = append(out, rel)
	}
	return out
}

// Redeploy rebuilds projects whose artifacts changed and, when the stack's
// watcher patches, redeploys them together with their Deploy-edge
// descendants. Everything else is left alone and contributes outputs from
// buildstate.
func Redeploy(ctx context.Context, opts RedeployOptions) (*RunReport, error) {
	if opts.Stack == nil {
		return nil, fmt.Errorf("stack is required")
	}
	if opts.Graph == nil {
		g, sites, err := BuildGraph(opts.Stack)
		if err != nil {
			return nil, err
		}
		opts.Graph, opts.Sites = g, sites
	}
	g := opts.Graph
	root := opts.Stack.Root
	if root == "" {
		root = "."
	}
	aff, err := AffectedUnits(g, root, opts.ChangedPaths)
	if err != nil {
		return nil, err
	}

	patch := opts.Stack.Watcher.PatchEnabled()
	run := opts.RunOptions
	run.Force = map[string][]Phase{}
	for name, ps := range opts.Force {
		run.Force[name] = append([]Phase(nil), ps...)
	}

	var only []string
	buildChanged := false
	for _, fqn := range aff.Changed {
		if n, _ := g.Node(fqn); n.Kind() == KindProject {
			buildChanged = true
			run.Force[fqn] = append(run.Force[fqn], PhaseBuild)
		}
	}
	if patch {
		only = aff.Units
		for _, fqn := range aff.Units {
			run.Force[fqn] = append(run.Force[fqn], PhaseDeploy)
		}
		run.Phases = []Phase{PhaseBuild, PhaseDeploy}
		if !buildChanged {
			run.Phases = []Phase{PhaseDeploy}
		}
	} else {
		for _, fqn := range aff.Changed {
			if n, _ := g.Node(fqn); n.Kind() == KindProject {
				only = append(only, fqn)
			}
		}
		run.Phases = []Phase{PhaseBuild}
	}

	if len(only) == 0 {
		now := opts.Now
		if now == nil {
			now = time.Now
		}
		at := now()
		report := &RunReport{RunID: uuid.NewString(), Stack: opts.Stack.Name, Phases: run.Phases, StartedAt: at, FinishedAt: at}
		report.summarize()
		return report, nil
	}
	run.Only = only
	log := run.Log
	if log.GetSink() != nil {
		run.Log = log.WithValues("redeploy", true)
		run.Log.Info("redeploying", "changed", aff.Changed, "affected", aff.Units, "patch", patch)
	}
	return Run(ctx, run)
}
