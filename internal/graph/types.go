// Package graph provides the core types for the interface signature
// graph: nodes are interface-level units, edges are caller-to-callee
// dependencies, and each node carries a committed baseline state plus an
// optional proposed future state.
package graph

import (
	"fmt"

	"isg/internal/cas"
)

// NodeKind classifies an interface unit.
type NodeKind string

const (
	KindInterface     NodeKind = "Interface"
	KindTestInterface NodeKind = "TestInterface"
)

// Action is the proposed operation on a node within the active session.
// The taxonomy is total: an ambiguous edit-plus-move is expressed as
// Delete of the old node and Create of the new one.
type Action string

const (
	ActionNone   Action = "None"
	ActionCreate Action = "Create"
	ActionEdit   Action = "Edit"
	ActionDelete Action = "Delete"
)

// EdgeState tags which snapshot(s) an edge belongs to.
type EdgeState string

const (
	StateCurrent EdgeState = "current"
	StateFuture  EdgeState = "future"
	StateBoth    EdgeState = "both"
)

// InCurrent reports whether the edge is part of the baseline graph.
func (s EdgeState) InCurrent() bool { return s == StateCurrent || s == StateBoth }

// InFuture reports whether the edge is part of the proposed graph.
func (s EdgeState) InFuture() bool { return s == StateFuture || s == StateBoth }

// Node represents one interface-level unit.
//
// CurrentCode and CurrentInd are owned by the baseline and mutated only
// during commit promotion. FutureCode, FutureInd, and FutureAction are
// owned by the active session and cleared on abort or commit.
type Node struct {
	ID           []byte
	Kind         NodeKind
	Signature    string
	CurrentCode  string
	CurrentInd   bool
	FutureCode   string
	FutureAction Action
	FutureInd    bool
	Diagnostics  []string
	CreatedAt    int64
	UpdatedAt    int64
}

// HexID returns the node ID as a hex string.
func (n *Node) HexID() string { return cas.BytesToHex(n.ID) }

// Validate checks the per-node future-state invariants.
func (n *Node) Validate() error {
	switch n.FutureAction {
	case ActionNone:
		if n.FutureCode != "" {
			return fmt.Errorf("node %s: %w: action None with future code", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
		if n.FutureInd != n.CurrentInd {
			return fmt.Errorf("node %s: %w: action None with future_ind != current_ind", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
	case ActionCreate:
		if n.CurrentInd {
			return fmt.Errorf("node %s: %w: Create of a node already in baseline", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
		if n.FutureCode == "" || !n.FutureInd {
			return fmt.Errorf("node %s: %w: Create without future code", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
	case ActionEdit:
		if !n.CurrentInd {
			return fmt.Errorf("node %s: %w: Edit of a node missing from baseline", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
		if n.FutureCode == "" || !n.FutureInd {
			return fmt.Errorf("node %s: %w: Edit without future code", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
	case ActionDelete:
		if !n.CurrentInd {
			return fmt.Errorf("node %s: %w: Delete of a node missing from baseline", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
		if n.FutureCode != "" || n.FutureInd {
			return fmt.Errorf("node %s: %w: Delete with residual future state", cas.ShortHex(n.ID), ErrPlanInconsistent)
		}
	default:
		return fmt.Errorf("node %s: %w: unknown action %q", cas.ShortHex(n.ID), ErrPlanInconsistent, n.FutureAction)
	}
	return nil
}

// Edge is a directed caller-to-callee dependency between two nodes.
type Edge struct {
	Src       []byte
	Dst       []byte
	State     EdgeState
	CreatedAt int64
}

// NodeChange describes the proposed future state for one node.
type NodeChange struct {
	ID         []byte
	Kind       NodeKind
	Signature  string
	Action     Action
	FutureCode string
}

// EdgeChange adds or retires an edge in the proposed graph.
type EdgeChange struct {
	Src    []byte
	Dst    []byte
	Remove bool
}

// Delta is the complete proposed change for one planning round. It is
// applied to the store as a single all-or-nothing batch.
type Delta struct {
	Nodes []NodeChange
	Edges []EdgeChange
}

// ActedIDs returns the ids of all nodes with a non-None action.
func (d *Delta) ActedIDs() [][]byte {
	ids := make([][]byte, 0, len(d.Nodes))
	for _, nc := range d.Nodes {
		if nc.Action != ActionNone {
			ids = append(ids, nc.ID)
		}
	}
	return ids
}

// ChangeRequest is the externally supplied description of desired
// behavior driving a planning session. The text is immutable per
// revision; revising the request mid-session bumps Rev.
type ChangeRequest struct {
	ID   string
	Rev  int
	Text string
}

// CommitEntry records one promoted change in the commit log.
type CommitEntry struct {
	ID        string
	RequestID string
	Actions   []ActionRecord
	GitHash   string
	CreatedAt int64
}

// ActionRecord is one (node, action) pair in a commit entry.
type ActionRecord struct {
	NodeID string   `json:"nodeId"`
	Action Action   `json:"action"`
	Kind   NodeKind `json:"kind"`
}
