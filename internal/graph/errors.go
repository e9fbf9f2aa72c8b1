package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for the planning engine. Non-fatal errors are resolved
// by looping within the session state machine; fatal errors terminate
// the session in ABORT.
var (
	ErrRequestInfeasible   = errors.New("request infeasible")
	ErrPlanInconsistent    = errors.New("plan inconsistent")
	ErrValidationFailed    = errors.New("validation failed")
	ErrRoundBudgetExceeded = errors.New("round budget exceeded")
	ErrDriftDetected       = errors.New("drift detected")
	ErrCommitConflict      = errors.New("commit conflict")
	ErrSessionActive       = errors.New("a session is already active")
	ErrNoActiveSession     = errors.New("no active session")
	ErrNodeNotFound        = errors.New("node not found")
	ErrAmbiguousPrefix     = errors.New("ambiguous node prefix")
)

// InfeasibleError reports why a change request was rejected up front.
type InfeasibleError struct {
	Reason    string
	Radius    int
	Threshold int
}

func (e *InfeasibleError) Error() string {
	if e.Radius > 0 {
		return fmt.Sprintf("%v: %s (blast radius %d, threshold %d)", ErrRequestInfeasible, e.Reason, e.Radius, e.Threshold)
	}
	return fmt.Sprintf("%v: %s", ErrRequestInfeasible, e.Reason)
}

func (e *InfeasibleError) Unwrap() error { return ErrRequestInfeasible }

// BudgetError is raised when the session exhausts its round budget.
type BudgetError struct {
	Rounds int
	Budget int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: %d rounds used of %d", ErrRoundBudgetExceeded, e.Rounds, e.Budget)
}

func (e *BudgetError) Unwrap() error { return ErrRoundBudgetExceeded }

// DriftError reports a mismatch between the promoted graph and the
// freshly re-ingested codebase.
type DriftError struct {
	Missing    []string // node ids promoted but absent after re-ingestion
	Unexpected []string // node ids present after re-ingestion but never promoted
	Changed    []string // node ids whose code differs
}

func (e *DriftError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing", len(e.Missing)))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected", len(e.Unexpected)))
	}
	if len(e.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("%d changed", len(e.Changed)))
	}
	return fmt.Sprintf("%v: %s", ErrDriftDetected, strings.Join(parts, ", "))
}

func (e *DriftError) Unwrap() error { return ErrDriftDetected }

// Empty reports whether any drift was actually found.
func (e *DriftError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Unexpected) == 0 && len(e.Changed) == 0
}
