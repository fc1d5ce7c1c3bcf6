package model

import (
	"errors"
	"time"
)

// RunState is the lifecycle state of one unit's merge run
type RunState string

const (
	RunStatePending             RunState = "PENDING"
	RunStateRunning             RunState = "RUNNING"
	RunStateCompleted           RunState = "COMPLETED"
	RunStateCompletedWithErrors RunState = "COMPLETED_WITH_ERRORS"
	RunStateAborted             RunState = "ABORTED"
)

// IsTerminal reports whether no further transition can happen
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateCompletedWithErrors, RunStateAborted:
		return true
	}
	return false
}

// KeyError records one key that could not be merged
type KeyError struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult is the report for one structure's merge
type RunResult struct {
	StructureID   string        `json:"structure_id"`
	Policy        string        `json:"policy,omitempty"`
	KeysProcessed int           `json:"keys_processed"`
	KeysFailed    int           `json:"keys_failed"`
	Errors        []KeyError    `json:"errors,omitempty"`
	FinalState    RunState      `json:"final_state"`
	Cause         string        `json:"cause,omitempty"`
	CauseKind     string        `json:"cause_kind,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Report aggregates the unit results of one merge run
type Report struct {
	RunID     string        `json:"run_id"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
	Units     []*RunResult  `json:"units"`
}

// Succeeded reports whether every unit completed without errors
func (r *Report) Succeeded() bool {
	if r.Cancelled {
		return false
	}
	for _, u := range r.Units {
		if u.FinalState != RunStateCompleted {
			return false
		}
	}
	return true
}

// CountByState tallies units per final state
func (r *Report) CountByState() map[RunState]int {
	counts := make(map[RunState]int)
	for _, u := range r.Units {
		counts[u.FinalState]++
	}
	return counts
}

// TotalKeys returns processed and failed key counts across all units
func (r *Report) TotalKeys() (processed, failed int) {
	for _, u := range r.Units {
		processed += u.KeysProcessed
		failed += u.KeysFailed
	}
	return processed, failed
}

// Unit returns the first result for a structure, nil if absent
func (r *Report) Unit(structureID string) *RunResult {
	for _, u := range r.Units {
		if u.StructureID == structureID {
			return u
		}
	}
	return nil
}

// ErrReportNotFound is returned by report stores for an unknown run ID
var ErrReportNotFound = errors.New("merge report not found")
