// File: internal/stack/report.go
// Brief: Run report and aggregate status.

package stack

import (
	"time"
)

type RunStatus string

const (
	RunSucceeded      RunStatus = "Succeeded"
	RunPartialFailure RunStatus = "PartialFailure"
	RunFailed         RunStatus = "Failed"
)

// PairResult is the terminal state of one (unit, phase) pair.
type PairResult struct {
	Unit       string     `json:"unit"`
	Phase      Phase      `json:"phase"`
	Status     PairStatus `json:"status"`
	Cached     bool       `json:"cached,omitempty"`
	Cause      string     `json:"cause,omitempty"`
	Error      string     `json:"error,omitempty"`
	Err        error      `json:"-"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

func (r PairResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type RunTotals struct {
	Pairs     int `json:"pairs"`
	Succeeded int `json:"succeeded"`
	Cached    int `json:"cached"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunReport enumerates the terminal status of every scheduled pair.
type RunReport struct {
	RunID      string            `json:"runId"`
	Stack      string            `json:"stack"`
	Release    string            `json:"release"`
	Namespaces map[string]string `json:"namespaces,omitempty"`
	Phases     []Phase           `json:"phases"`
	Status     RunStatus         `json:"status"`
	Results    []PairResult      `json:"results"`
	Totals     RunTotals         `json:"totals"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`

	// Outputs holds every output known at the end of the run, recorded or seeded.
	Outputs map[string]UnitOutput `json:"outputs,omitempty"`
}

func (r *RunReport) Result(unit string, phase Phase) (PairResult, bool) {
	for _, res := range r.Results {
		if res.Unit == unit && res.Phase == phase {
			return res, true
		}
	}
	return PairResult{}, false
}

// ByUnit returns the results of unit in phase order.
func (r *RunReport) ByUnit(unit string) []PairResult {
	var out []PairResult
	for _, res := range r.Results {
		if res.Unit == unit {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns every Failed pair.
func (r *RunReport) Failed() []PairResult {
	var out []PairResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

func (r *RunReport) summarize() {
	t := RunTotals{Pairs: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusSucceeded:
			t.Succeeded++
			if res.Cached {
				t.Cached++
			}
		case StatusFailed:
			t.Failed++
		case StatusSkipped:
			t.Skipped++
		}
	}
	r.Totals = t
	r.Status = aggregateStatus(t)
}

func aggregateStatus(t RunTotals) RunStatus {
	switch {
	case t.Failed+t.Skipped == 0:
		return RunSucceeded
	case t.Succeeded == 0:
		return RunFailed
	default:
		return RunPartialFailure
	}
}
