// File: internal/buildstate/state.go
// Brief: Per-unit phase completion records.

// Package buildstate persists per-unit phase completion, the last resolved
// configuration snapshot, and last known outputs, so that re-running a phase
// is a no-op for units whose configuration did not change.
package buildstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

const APIVersion = "stackctl.dev/buildstate/v1"

// Phase names as recorded in the store.
const (
	PhaseInit   = "init"
	PhaseBuild  = "build"
	PhaseDeploy = "deploy"
)

// Store loads and saves the buildstate of one stack.
type Store interface {
	// Load returns an empty state when nothing was saved for stack.
	Load(ctx context.Context, stack string) (*State, error)
	// Save replaces the persisted state atomically.
	Save(ctx context.Context, stack string, st *State) error
	Reset(ctx context.Context, stack string) error
	Close() error
}

// Record is the persisted state of a single unit.
type Record struct {
	Initialized bool `yaml:"initialized" json:"initialized"`
	Built       bool `yaml:"built" json:"built"`
	Deployed    bool `yaml:"deployed" json:"deployed"`

	InitHash   string `yaml:"initHash,omitempty" json:"initHash,omitempty"`
	BuildHash  string `yaml:"buildHash,omitempty" json:"buildHash,omitempty"`
	DeployHash string `yaml:"deployHash,omitempty" json:"deployHash,omitempty"`

	Snapshot map[string]any `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	Outputs  map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	UpdatedAt time.Time `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// Completed reports whether phase finished with the given config hash.
func (r Record) Completed(phase string, hash string) bool {
	switch phase {
	case PhaseInit:
		return r.Initialized && r.InitHash == hash
	case PhaseBuild:
		return r.Built && r.BuildHash == hash
	case PhaseDeploy:
		return r.Deployed && r.DeployHash == hash
	}
	return false
}

// Mark records phase as completed with hash.
func (r *Record) Mark(phase string, hash string, at time.Time) {
	switch phase {
	case PhaseInit:
		r.Initialized, r.InitHash = true, hash
	case PhaseBuild:
		r.Built, r.BuildHash = true, hash
	case PhaseDeploy:
		r.Deployed, r.DeployHash = true, hash
	}
	r.UpdatedAt = at.UTC()
}

// Invalidate clears completion for phase.
func (r *Record) Invalidate(phase string) {
	switch phase {
	case PhaseInit:
		r.Initialized, r.InitHash = false, ""
	case PhaseBuild:
		r.Built, r.BuildHash = false, ""
	case PhaseDeploy:
		r.Deployed, r.DeployHash = false, ""
	}
}

// Persisted is the serialized form of a State.
type Persisted struct {
	APIVersion  string            `yaml:"apiVersion" json:"apiVersion"`
	Stack       string            `yaml:"stack" json:"stack"`
	ReleaseName string            `yaml:"releaseName,omitempty" json:"releaseName,omitempty"`
	LastRunID   string            `yaml:"lastRunId,omitempty" json:"lastRunId,omitempty"`
	UpdatedAt   time.Time         `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
	Units       map[string]Record `yaml:"units" json:"units"`
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// State is the in-memory buildstate shared by workers during a run.
// Access to each unit's record is synchronized per unit.
type State struct {
	stack string

	mu          sync.RWMutex
	units       map[string]*entry
	releaseName string
	lastRunID   string
	updatedAt   time.Time
}

func NewState(stack string) *State {
	return &State{stack: stack, units: map[string]*entry{}}
}

func FromPersisted(p Persisted) *State {
	s := NewState(p.Stack)
	s.releaseName = p.ReleaseName
	s.lastRunID = p.LastRunID
	s.updatedAt = p.UpdatedAt
	for id, rec := range p.Units {
		s.units[id] = &entry{rec: rec}
	}
	return s
}

func (s *State) Stack() string { return s.stack }

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

func (s *State) entry(unit string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.units[unit]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.units[unit]; ok {
		return e
	}
	e = &entry{}
	s.units[unit] = e
	return e
}

// Get returns a copy of unit's record.
func (s *State) Get(unit string) (Record, bool) {
	e := s.entry(unit, false)
	if e == nil {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyRecord(e.rec), true
}

// Update applies fn to unit's record under that unit's lock.
func (s *State) Update(unit string, fn func(*Record)) {
	e := s.entry(unit, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
}

func (s *State) ReleaseName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releaseName
}

func (s *State) SetRun(runID string, releaseName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunID = runID
	s.releaseName = releaseName
	s.updatedAt = at.UTC()
}

func (s *State) LastRunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRunID
}

// Units returns the recorded unit ids in sorted order.
func (s *State) Units() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.units))
	for id := range s.units {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Persisted snapshots the state for encoding.
func (s *State) Persisted() Persisted {
	s.mu.RLock()
	p := Persisted{
		APIVersion:  APIVersion,
		Stack:       s.stack,
		ReleaseName: s.releaseName,
		LastRunID:   s.lastRunID,
		UpdatedAt:   s.updatedAt,
		Units:       make(map[string]Record, len(s.units)),
	}
	entries := make(map[string]*entry, len(s.units))
	for id, e := range s.units {
		entries[id] = e
	}
	s.mu.RUnlock()
	for id, e := range entries {
		e.mu.Lock()
		p.Units[id] = copyRecord(e.rec)
		e.mu.Unlock()
	}
	return p
}

func copyRecord(r Record) Record {
	out := r
	out.Snapshot = copyTree(r.Snapshot)
	out.Outputs = copyTree(r.Outputs)
	return out
}

func copyTree(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
