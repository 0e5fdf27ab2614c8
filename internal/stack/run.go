// File: internal/stack/run.go
// Brief: Phase orchestration over the dependency graph.

package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/example/stackctl/internal/buildstate"
)

type RunOptions struct {
	Stack *Stack
	// Graph and Sites are built from Stack when Graph is nil.
	Graph *Graph
	Sites []ReferenceSite

	Phases    []Phase
	Executors Executors
	Store     buildstate.Store

	// MaxParallel bounds concurrently executing pairs. Values below 1 mean 1.
	MaxParallel int
	// MaxParallelBuilds additionally bounds concurrent Build pairs when positive.
	MaxParallelBuilds int

	// Only restricts the run to these units (FQNs or bare names). Units outside
	// the selection count as satisfied; their outputs come from buildstate.
	Only []string
	// Force bypasses the buildstate check for the listed phases of a unit.
	Force map[string][]Phase

	// ReleaseName overrides the stack release name.
	ReleaseName string
	RunID       string

	Observers []Observer
	Log       logr.Logger
	Now       func() time.Time
}

// pairWork is the gate payload handed to the worker that executes the pair.
type pairWork struct {
	req  UnitRequest
	hash string
}

type runner struct {
	opts      RunOptions
	graph     *Graph
	resolver  *Resolver
	state     *buildstate.State
	store     buildstate.Store
	stackName string
	release   string
	force     map[PairID]bool
	log       logr.Logger
	now       func() time.Time

	requests map[string]UnitRequest

	saveMu   sync.Mutex
	errMu    sync.Mutex
	saveErrs []error
}

// Run executes the requested phases for every selected unit. The returned
// report lists every scheduled pair. The error is non-nil when the run could
// not start, when a reference could not be resolved, or when buildstate could
// not be persisted; executor failures only show up in the report.
func Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if opts.Stack == nil {
		return nil, fmt.Errorf("stack is required")
	}
	g, sites := opts.Graph, opts.Sites
	if g == nil {
		var err error
		g, sites, err = BuildGraph(opts.Stack)
		if err != nil {
			return nil, err
		}
	}
	phases, err := normalizePhases(opts.Phases)
	if err != nil {
		return nil, err
	}
	if err := checkExecutors(opts.Executors, phases, g); err != nil {
		return nil, err
	}
	scope, err := selectUnits(g, opts.Only)
	if err != nil {
		return nil, err
	}
	force := map[PairID]bool{}
	for name, ps := range opts.Force {
		fqn, err := g.Lookup(name)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			force[PairID{Unit: fqn, Phase: p}] = true
		}
	}

	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("stack", opts.Stack.Name)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	state := buildstate.NewState(opts.Stack.Name)
	if opts.Store != nil {
		state, err = opts.Store.Load(ctx, opts.Stack.Name)
		if err != nil {
			return nil, fmt.Errorf("load buildstate: %w", err)
		}
	}
	release, err := releaseFor(opts, state)
	if err != nil {
		return nil, err
	}

	r := &runner{
		opts:      opts,
		graph:     g,
		resolver:  NewResolver(g, sites),
		state:     state,
		store:     opts.Store,
		stackName: opts.Stack.Name,
		release:   release,
		force:     force,
		log:       log.WithValues("run", runID),
		now:       now,
		requests:  map[string]UnitRequest{},
	}
	report := &RunReport{
		RunID:      runID,
		Stack:      opts.Stack.Name,
		Release:    release,
		Namespaces: map[string]string{},
		Phases:     phases,
		StartedAt:  now(),
	}
	for _, fqn := range g.Order() {
		n, _ := g.Node(fqn)
		ns, err := opts.Stack.UnitNamespace(n.Unit)
		if err != nil {
			return nil, err
		}
		r.requests[fqn] = UnitRequest{
			FQN:       fqn,
			Name:      n.Unit.Name,
			Kind:      n.Kind(),
			Stack:     opts.Stack.Name,
			Root:      opts.Stack.Root,
			Unit:      n.Unit,
			Build:     n.Build,
			Chart:     n.Chart,
			Namespace: ns,
			Release:   release,
		}
		if _, ok := scope[fqn]; ok {
			report.Namespaces[fqn] = ns
			continue
		}
		if rec, ok := state.Get(fqn); ok && rec.Deployed {
			r.resolver.SeedOutputs(fqn, UnitOutput(rec.Outputs))
		}
	}

	specs := planPairs(g, phases, scope)
	obs := append([]Observer{r.logTransition()}, opts.Observers...)
	s := newScheduler(specs, r.gate, fanout(obs), now)

	r.log.Info("run starting", "release", release, "phases", phases, "units", len(scope), "pairs", len(specs))

	finished := make(chan struct{})
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		select {
		case <-ctx.Done():
			s.Stop("context canceled")
		case <-finished:
		}
	}()

	s.Start()

	workers := opts.MaxParallel
	if workers < 1 {
		workers = 1
	}
	var buildSem *semaphore.Weighted
	if opts.MaxParallelBuilds > 0 {
		buildSem = semaphore.NewWeighted(int64(opts.MaxParallelBuilds))
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, s, buildSem)
		}()
	}
	wg.Wait()
	close(finished)
	watchWG.Wait()
	s.Finalize()

	report.FinishedAt = now()
	report.Results = s.Results()
	report.summarize()
	report.Outputs = map[string]UnitOutput{}
	for _, fqn := range g.Order() {
		if out, ok := r.resolver.Outputs(fqn); ok {
			report.Outputs[fqn] = out
		}
	}

	state.SetRun(runID, release, report.FinishedAt)
	r.save(ctx)

	r.log.Info("run finished", "status", report.Status, "succeeded", report.Totals.Succeeded, "cached", report.Totals.Cached, "failed", report.Totals.Failed, "skipped", report.Totals.Skipped)

	errs := s.Fatal()
	r.errMu.Lock()
	errs = append(errs, r.saveErrs...)
	r.errMu.Unlock()
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return report, errors.Join(errs...)
}

func normalizePhases(in []Phase) ([]Phase, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}
	want := map[Phase]bool{}
	for _, p := range in {
		if p.rank() > PhaseDeploy.rank() {
			return nil, fmt.Errorf("unknown phase %q", p)
		}
		want[p] = true
	}
	var out []Phase
	for _, p := range AllPhases {
		if want[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

func checkExecutors(e Executors, phases []Phase, g *Graph) error {
	hasProjects := false
	for _, fqn := range g.Order() {
		if n, _ := g.Node(fqn); n.Kind() == KindProject {
			hasProjects = true
			break
		}
	}
	for _, p := range phases {
		switch {
		case p == PhaseInit && e.Init == nil:
			return fmt.Errorf("no executor configured for phase %s", p)
		case p == PhaseBuild && e.Build == nil && hasProjects:
			return fmt.Errorf("no executor configured for phase %s", p)
		case p == PhaseDeploy && e.Deploy == nil:
			return fmt.Errorf("no executor configured for phase %s", p)
		}
	}
	return nil
}

func selectUnits(g *Graph, only []string) (map[string]struct{}, error) {
	scope := map[string]struct{}{}
	if len(only) == 0 {
		for _, fqn := range g.Order() {
			scope[fqn] = struct{}{}
		}
		return scope, nil
	}
	for _, name := range only {
		fqn, err := g.Lookup(name)
		if err != nil {
			return nil, err
		}
		scope[fqn] = struct{}{}
	}
	return scope, nil
}

// releaseFor picks the explicit release name, then the one recorded by a
// previous run, then a generated one.
func releaseFor(opts RunOptions, state *buildstate.State) (string, error) {
	for _, name := range []string{opts.ReleaseName, opts.Stack.ReleaseName} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := ValidateReleaseName(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if name := state.ReleaseName(); name != "" {
		return name, nil
	}
	return GenerateReleaseName(opts.Stack.Name), nil
}

// unitPhases returns the phases scheduled for a unit of kind.
func unitPhases(kind UnitKind, phases []Phase) []Phase {
	out := make([]Phase, 0, len(phases))
	for _, p := range phases {
		if p == PhaseBuild && kind != KindProject {
			continue
		}
		out = append(out, p)
	}
	return out
}

// planPairs lays out every (unit, phase) pair in scope. A unit's first pair
// waits on the pair of each dependency that the edge tag requires; every
// later pair waits on the unit's previous pair. A Deploy pair also waits on
// the Deploy of every dependency, whatever the edge tag.
func planPairs(g *Graph, phases []Phase, scope map[string]struct{}) []pairSpec {
	n := g.Len()
	scheduled := map[PairID]bool{}
	perUnit := map[string][]Phase{}
	for _, fqn := range g.Order() {
		if _, ok := scope[fqn]; !ok {
			continue
		}
		node, _ := g.Node(fqn)
		ps := unitPhases(node.Kind(), phases)
		perUnit[fqn] = ps
		for _, p := range ps {
			scheduled[PairID{Unit: fqn, Phase: p}] = true
		}
	}

	required := func(e Edge) (PairID, bool) {
		ps := perUnit[e.From]
		if len(ps) == 0 {
			return PairID{}, false
		}
		last := PairID{Unit: e.From, Phase: ps[len(ps)-1]}
		deploy := PairID{Unit: e.From, Phase: PhaseDeploy}
		if e.Tag == EdgeArtifact {
			if build := (PairID{Unit: e.From, Phase: PhaseBuild}); scheduled[build] {
				return build, true
			}
		}
		if scheduled[deploy] {
			return deploy, true
		}
		return last, true
	}

	var specs []pairSpec
	for _, fqn := range g.Order() {
		ps, ok := perUnit[fqn]
		if !ok {
			continue
		}
		node, _ := g.Node(fqn)
		for i, p := range ps {
			spec := pairSpec{id: PairID{Unit: fqn, Phase: p}, rank: p.rank()*n + node.index}
			if i == 0 {
				for _, e := range g.Incoming(fqn) {
					if pred, ok := required(e); ok {
						spec.preds = appendPair(spec.preds, pred)
					}
				}
			} else {
				prev := PairID{Unit: fqn, Phase: ps[i-1]}
				spec.preds = appendPair(spec.preds, prev)
				spec.invalidators = appendPair(spec.invalidators, prev)
			}
			if p == PhaseDeploy {
				for _, e := range g.Incoming(fqn) {
					dep := PairID{Unit: e.From, Phase: PhaseDeploy}
					if !scheduled[dep] {
						continue
					}
					spec.preds = appendPair(spec.preds, dep)
					if e.Tag == EdgeDeploy {
						spec.invalidators = appendPair(spec.invalidators, dep)
					}
				}
				if build := (PairID{Unit: fqn, Phase: PhaseBuild}); scheduled[build] {
					spec.invalidators = appendPair(spec.invalidators, build)
				}
			}
			specs = append(specs, spec)
		}
	}
	return specs
}

func appendPair(list []PairID, id PairID) []PairID {
	for _, p := range list {
		if p == id {
			return list
		}
	}
	return append(list, id)
}

// gate runs under the scheduler lock once every predecessor succeeded.
func (r *runner) gate(id PairID, upstreamExecuted bool) gateResult {
	req := r.requests[id.Unit]
	var err error
	if id.Phase == PhaseDeploy {
		req.Config, err = r.resolver.Resolve(id.Unit)
	} else {
		req.Config, err = r.resolver.Unresolved(id.Unit)
	}
	if err != nil {
		return gateResult{err: err}
	}
	hash, err := phaseHash(id.Phase, req)
	if err != nil {
		return gateResult{err: fmt.Errorf("%s: hash %s inputs: %w", id.Unit, id.Phase, err)}
	}
	work := &pairWork{req: req, hash: hash}
	if r.force[id] || upstreamExecuted {
		return gateResult{payload: work}
	}
	rec, ok := r.state.Get(id.Unit)
	if !ok || !rec.Completed(string(id.Phase), hash) {
		return gateResult{payload: work}
	}
	if id.Phase == PhaseDeploy {
		r.resolver.SeedOutputs(id.Unit, UnitOutput(rec.Outputs))
	}
	return gateResult{cached: true, payload: work}
}

func (r *runner) work(ctx context.Context, s *scheduler, buildSem *semaphore.Weighted) {
	for {
		id, payload, ok := s.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			s.Abort(id, "context canceled")
			continue
		}
		if id.Phase == PhaseBuild && buildSem != nil {
			if err := buildSem.Acquire(ctx, 1); err != nil {
				s.Abort(id, "context canceled")
				continue
			}
		}
		err := r.execute(ctx, id, payload.(*pairWork))
		if id.Phase == PhaseBuild && buildSem != nil {
			buildSem.Release(1)
		}
		s.Complete(id, err)
	}
}

func (r *runner) execute(ctx context.Context, id PairID, w *pairWork) error {
	timeout := r.opts.Executors.timeout(id.Phase, w.req)
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	log := r.log.WithValues("unit", id.Unit, "phase", id.Phase)
	log.V(1).Info("executing", "namespace", w.req.Namespace)

	var (
		out UnitOutput
		err error
	)
	switch id.Phase {
	case PhaseInit:
		err = r.opts.Executors.Init.Init(callCtx, w.req)
	case PhaseBuild:
		err = r.opts.Executors.Build.Build(callCtx, w.req)
	case PhaseDeploy:
		out, err = r.opts.Executors.Deploy.Deploy(callCtx, w.req)
	}
	if err == nil && timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = callCtx.Err()
	}
	if err != nil && timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	if err == nil && id.Phase == PhaseDeploy {
		err = r.resolver.RecordOutputs(id.Unit, out)
	}
	if err != nil {
		r.state.Update(id.Unit, func(rec *buildstate.Record) {
			rec.Invalidate(string(id.Phase))
		})
		r.save(ctx)
		log.Error(err, "phase failed")
		return &ExecutorFailure{Unit: id.Unit, Phase: id.Phase, Err: err}
	}

	snapshot, snapErr := buildstate.ToTree(w.req.Config)
	if snapErr != nil {
		log.Error(snapErr, "snapshot config")
	}
	at := r.now()
	r.state.Update(id.Unit, func(rec *buildstate.Record) {
		rec.Mark(string(id.Phase), w.hash, at)
		if id.Phase == PhaseDeploy {
			rec.Snapshot = snapshot
			rec.Outputs = map[string]any(copyOutput(out))
		}
	})
	r.save(ctx)
	log.V(1).Info("phase succeeded")
	return nil
}

// save persists the current state. Saving outlives cancellation so completed
// work is never lost.
func (r *runner) save(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.store.Save(context.WithoutCancel(ctx), r.stackName, r.state); err != nil {
		r.log.Error(err, "save buildstate")
		r.errMu.Lock()
		r.saveErrs = append(r.saveErrs, fmt.Errorf("save buildstate: %w", err))
		r.errMu.Unlock()
	}
}

func (r *runner) logTransition() Observer {
	return ObserverFunc(func(t Transition) {
		kv := []any{"pair", t.Pair.String(), "from", t.From, "to", t.To}
		if t.Cached {
			kv = append(kv, "cached", true)
		}
		if t.Cause != "" {
			kv = append(kv, "cause", t.Cause)
		}
		r.log.V(2).Info("transition", kv...)
	})
}

type observers []Observer

func (o observers) ObserveTransition(t Transition) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveTransition(t)
		}
	}
}

func fanout(list []Observer) Observer { return observers(list) }
