// Package review defines the interface to the external reasoning
// collaborator. The engine's termination does not depend on the
// reviewer's behavior: the verdict type is closed and the session
// round budget bounds how often a reviewer can send the loop back.
package review

import (
	"context"

	"isg/internal/graph"
	"isg/internal/mincontext"
	"isg/internal/planner"
)

// VerdictKind is the closed set of review outcomes.
type VerdictKind string

const (
	// RefineSolution keeps the request and mutates the proposal.
	RefineSolution VerdictKind = "refine-solution"
	// RefineRequest revises the change request itself.
	RefineRequest VerdictKind = "refine-request"
	// Confident accepts the proposal and moves on to code generation.
	Confident VerdictKind = "confident"
)

// Verdict is a reviewer's decision for one round.
type Verdict struct {
	Kind VerdictKind `json:"kind"`
	// Directives replaces the proposal when Kind is RefineSolution.
	Directives []planner.Directive `json:"directives,omitempty"`
	// RequestText replaces the request when Kind is RefineRequest.
	RequestText string `json:"requestText,omitempty"`
	// Note is free-form reviewer commentary, recorded in session history.
	Note string `json:"note,omitempty"`
}

// Input is everything a reviewer sees for one round.
type Input struct {
	Request graph.ChangeRequest
	// Actions is the node-level action list of the current proposal.
	Actions []graph.NodeChange
	// Context is the minimal subgraph needed to judge the proposal.
	Context *mincontext.Context
	// Diagnostics carries the previous round's validation failures, if
	// the loop came back from VALIDATE.
	Diagnostics []string
}

// Reviewer is the external reasoning collaborator.
type Reviewer interface {
	Review(ctx context.Context, input Input) (*Verdict, error)
}

// Codegen is the external collaborator that writes proposed code into
// the working codebase. The engine only marks the session as
// materialized; file contents are the collaborator's business.
type Codegen interface {
	Materialize(ctx context.Context, changed []*graph.Node) error
}
