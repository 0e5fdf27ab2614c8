// File: internal/stack/scheduler.go
// Brief: Per-(unit, phase) state machine with dependency-gated promotion.

package stack

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type PairStatus string

const (
	StatusPending   PairStatus = "Pending"
	StatusReady     PairStatus = "Ready"
	StatusRunning   PairStatus = "Running"
	StatusSucceeded PairStatus = "Succeeded"
	StatusFailed    PairStatus = "Failed"
	StatusSkipped   PairStatus = "Skipped"
)

func (s PairStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// PairID identifies one phase of one unit.
type PairID struct {
	Unit  string `json:"unit"`
	Phase Phase  `json:"phase"`
}

func (p PairID) String() string { return p.Unit + "/" + string(p.Phase) }

// Transition is emitted for every state change of a pair.
type Transition struct {
	Pair   PairID     `json:"pair"`
	From   PairStatus `json:"from"`
	To     PairStatus `json:"to"`
	Cached bool       `json:"cached,omitempty"`
	Cause  string     `json:"cause,omitempty"`
	At     time.Time  `json:"at"`
}

// Observer receives transitions in the order they happened.
type Observer interface {
	ObserveTransition(Transition)
}

type ObserverFunc func(Transition)

func (f ObserverFunc) ObserveTransition(t Transition) { f(t) }

type pairSpec struct {
	id   PairID
	rank int
	// preds must be terminal before the pair is gated.
	preds []PairID
	// invalidators force re-execution when any of them executed in this run.
	invalidators []PairID
}

type gateResult struct {
	cached  bool
	err     error
	payload any
}

// gateFunc decides, with all predecessors succeeded, whether a pair can be
// satisfied from buildstate. It runs with the scheduler lock held.
type gateFunc func(id PairID, upstreamExecuted bool) gateResult

type pairState struct {
	pairSpec
	status   PairStatus
	cached   bool
	executed bool
	waiting  int
	succs    []PairID
	cause    string
	err      error
	payload  any
	started  time.Time
	finished time.Time
}

type scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	pairs map[PairID]*pairState
	order []PairID
	ready []PairID

	running int
	stopped bool

	gate  gateFunc
	now   func() time.Time
	fatal []error

	emitMu   sync.Mutex
	events   []Transition
	observer Observer
}

func newScheduler(specs []pairSpec, gate gateFunc, observer Observer, now func() time.Time) *scheduler {
	if now == nil {
		now = time.Now
	}
	s := &scheduler{
		pairs:    make(map[PairID]*pairState, len(specs)),
		gate:     gate,
		now:      now,
		observer: observer,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, spec := range specs {
		s.pairs[spec.id] = &pairState{pairSpec: spec, status: StatusPending}
		s.order = append(s.order, spec.id)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.pairs[s.order[i]].rank < s.pairs[s.order[j]].rank
	})
	for _, id := range s.order {
		p := s.pairs[id]
		for _, pred := range p.preds {
			pp, ok := s.pairs[pred]
			if !ok {
				continue
			}
			p.waiting++
			pp.succs = append(pp.succs, id)
		}
	}
	return s
}

// Start gates every pair with no predecessors.
func (s *scheduler) Start() {
	s.mu.Lock()
	for _, id := range s.order {
		p := s.pairs[id]
		if p.status == StatusPending && p.waiting == 0 {
			s.evaluate(p)
		}
	}
	s.mu.Unlock()
	s.flush()
}

// evaluate moves a pair whose predecessors are all terminal out of Pending.
func (s *scheduler) evaluate(p *pairState) {
	if p.status != StatusPending {
		return
	}
	if s.stopped {
		s.skip(p, "context canceled")
		return
	}
	for _, pred := range p.preds {
		pp, ok := s.pairs[pred]
		if !ok {
			continue
		}
		if pp.status == StatusFailed || pp.status == StatusSkipped {
			s.skip(p, fmt.Sprintf("upstream %s %s", pred, pp.status))
			return
		}
	}
	upstreamExecuted := false
	for _, inv := range p.invalidators {
		if pp, ok := s.pairs[inv]; ok && pp.executed {
			upstreamExecuted = true
			break
		}
	}
	res := gateResult{}
	if s.gate != nil {
		res = s.gate(p.id, upstreamExecuted)
	}
	p.payload = res.payload
	switch {
	case res.err != nil:
		s.fatal = append(s.fatal, res.err)
		p.err = res.err
		s.finish(p, StatusFailed, res.err.Error())
	case res.cached:
		p.cached = true
		s.finish(p, StatusSucceeded, "buildstate up to date")
	default:
		s.transition(p, StatusReady, "")
		s.pushReady(p.id)
		s.cond.Signal()
	}
}

func (s *scheduler) skip(p *pairState, cause string) {
	s.finish(p, StatusSkipped, cause)
}

// finish records a terminal status and settles dependents.
func (s *scheduler) finish(p *pairState, to PairStatus, cause string) {
	if p.status.Terminal() {
		return
	}
	p.cause = cause
	p.finished = s.now()
	s.transition(p, to, cause)
	for _, succ := range p.succs {
		sp := s.pairs[succ]
		sp.waiting--
		if sp.waiting == 0 {
			s.evaluate(sp)
		}
	}
}

func (s *scheduler) transition(p *pairState, to PairStatus, cause string) {
	t := Transition{Pair: p.id, From: p.status, To: to, Cached: p.cached && to == StatusSucceeded, Cause: cause, At: s.now()}
	p.status = to
	s.events = append(s.events, t)
}

func (s *scheduler) pushReady(id PairID) {
	rank := s.pairs[id].rank
	i := sort.Search(len(s.ready), func(i int) bool { return s.pairs[s.ready[i]].rank > rank })
	s.ready = append(s.ready, PairID{})
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = id
}

// Next blocks until a Ready pair is available and marks it Running. It
// returns false once nothing is ready and nothing is running.
func (s *scheduler) Next() (PairID, any, bool) {
	s.mu.Lock()
	for {
		if s.stopped {
			s.mu.Unlock()
			return PairID{}, nil, false
		}
		if len(s.ready) > 0 {
			id := s.ready[0]
			s.ready = s.ready[1:]
			p := s.pairs[id]
			p.started = s.now()
			p.executed = true
			s.transition(p, StatusRunning, "")
			s.running++
			payload := p.payload
			s.mu.Unlock()
			s.flush()
			return id, payload, true
		}
		if s.running == 0 {
			s.mu.Unlock()
			return PairID{}, nil, false
		}
		s.cond.Wait()
	}
}

// Complete records the executor result of a running pair.
func (s *scheduler) Complete(id PairID, err error) {
	s.mu.Lock()
	p := s.pairs[id]
	s.running--
	if err != nil {
		p.err = err
		s.finish(p, StatusFailed, err.Error())
	} else {
		s.finish(p, StatusSucceeded, "")
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.flush()
}

// Abort returns a running pair that never reached its executor.
func (s *scheduler) Abort(id PairID, cause string) {
	s.mu.Lock()
	p := s.pairs[id]
	s.running--
	p.executed = false
	s.skip(p, cause)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.flush()
}

// Stop skips every pair that has not started. Running pairs finish normally.
func (s *scheduler) Stop(cause string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, id := range s.order {
		p := s.pairs[id]
		if p.status == StatusPending || p.status == StatusReady {
			s.skip(p, cause)
		}
	}
	s.ready = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.flush()
}

// Finalize skips anything left non-terminal once the workers are gone.
func (s *scheduler) Finalize() {
	s.mu.Lock()
	for _, id := range s.order {
		p := s.pairs[id]
		if !p.status.Terminal() && p.status != StatusRunning {
			s.skip(p, "not reached")
		}
	}
	s.mu.Unlock()
	s.flush()
}

func (s *scheduler) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	batch := s.events
	s.events = nil
	s.mu.Unlock()
	if s.observer == nil {
		return
	}
	for _, t := range batch {
		s.observer.ObserveTransition(t)
	}
}

func (s *scheduler) Fatal() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.fatal...)
}

// Results returns one entry per pair in rank order.
func (s *scheduler) Results() []PairResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairResult, 0, len(s.order))
	for _, id := range s.order {
		p := s.pairs[id]
		r := PairResult{
			Unit:       id.Unit,
			Phase:      id.Phase,
			Status:     p.status,
			Cached:     p.cached,
			Cause:      p.cause,
			Err:        p.err,
			StartedAt:  p.started,
			FinishedAt: p.finished,
		}
		if p.err != nil {
			r.Error = p.err.Error()
		}
		out = append(out, r)
	}
	return out
}
