package planner

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/store"
)

func nodeID(t *testing.T, path, name string) []byte {
	t.Helper()
	id, err := cas.NodeID(string(graph.KindInterface), map[string]interface{}{
		"path": path, "name": name,
	})
	if err != nil {
		t.Fatalf("computing node id: %v", err)
	}
	return id
}

// setupChain seeds alpha -> beta -> gamma (caller -> callee).
func setupChain(t *testing.T) (*store.DB, map[string][]byte) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ids := make(map[string][]byte)
	snap := graph.NewSnapshot()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		id := nodeID(t, "a.js", name)
		ids[name] = id
		snap.AddNode(&graph.SnapshotNode{
			ID:        id,
			Kind:      graph.KindInterface,
			Signature: "a.js: function " + name + "()",
			Code:      "function " + name + "() {}",
		})
	}
	snap.AddEdge(ids["alpha"], ids["beta"])
	snap.AddEdge(ids["beta"], ids["gamma"])

	if err := db.SeedBaseline(snap); err != nil {
		t.Fatalf("seeding baseline: %v", err)
	}
	return db, ids
}

// setupFan seeds one hub called by n distinct callers.
func setupFan(t *testing.T, n int) (*store.DB, []byte) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	snap := graph.NewSnapshot()
	hub := nodeID(t, "hub.js", "hub")
	snap.AddNode(&graph.SnapshotNode{
		ID: hub, Kind: graph.KindInterface,
		Signature: "hub.js: function hub()", Code: "function hub() {}",
	})
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("caller%d", i)
		id := nodeID(t, "callers.js", name)
		snap.AddNode(&graph.SnapshotNode{
			ID: id, Kind: graph.KindInterface,
			Signature: "callers.js: function " + name + "()",
			Code:      "function " + name + "() { hub() }",
		})
		snap.AddEdge(id, hub)
	}

	if err := db.SeedBaseline(snap); err != nil {
		t.Fatalf("seeding baseline: %v", err)
	}
	return db, hub
}

func TestPlanEditIncludesCallerClosure(t *testing.T) {
	db, ids := setupChain(t)
	p := New(db, 50)

	proposal, err := p.Plan([]Directive{{
		Op:     graph.ActionEdit,
		Target: cas.BytesToHex(ids["beta"]),
		Code:   "function beta() { return 1 }",
	}})
	if err != nil {
		t.Fatalf("planning: %v", err)
	}

	// Editing beta puts beta and its transitive caller alpha in the
	// blast radius; gamma is downstream and unaffected.
	if proposal.BlastRadius != 2 {
		t.Errorf("blast radius = %d, want 2", proposal.BlastRadius)
	}
	if len(proposal.NonTestActions) != 1 || len(proposal.TestActions) != 0 {
		t.Errorf("action buckets = %d non-test, %d test", len(proposal.NonTestActions), len(proposal.TestActions))
	}
}

func TestPlanInfeasibleLeavesNoFutureState(t *testing.T) {
	db, hub := setupFan(t, 120)
	p := New(db, 50)

	_, err := p.Plan([]Directive{{
		Op:     graph.ActionEdit,
		Target: cas.BytesToHex(hub),
		Code:   "function hub() { return 1 }",
	}})
	if !errors.Is(err, graph.ErrRequestInfeasible) {
		t.Fatalf("error = %v, want ErrRequestInfeasible", err)
	}

	var infeasible *graph.InfeasibleError
	if !errors.As(err, &infeasible) {
		t.Fatalf("error %v is not an InfeasibleError", err)
	}
	if infeasible.Radius != 121 || infeasible.Threshold != 50 {
		t.Errorf("radius/threshold = %d/%d, want 121/50", infeasible.Radius, infeasible.Threshold)
	}

	// Rejection happens before any proposal row is written.
	changed, err := db.ChangedNodes()
	if err != nil {
		t.Fatalf("listing changed nodes: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("%d future rows exist after rejection", len(changed))
	}
}

func TestPlanDeleteStrandsCaller(t *testing.T) {
	db, ids := setupChain(t)
	p := New(db, 50)

	_, err := p.Plan([]Directive{{
		Op:     graph.ActionDelete,
		Target: cas.BytesToHex(ids["gamma"]),
	}})
	if !errors.Is(err, graph.ErrRequestInfeasible) {
		t.Fatalf("error = %v, want ErrRequestInfeasible", err)
	}
}

func TestPlanDeleteWithCallerEdit(t *testing.T) {
	db, ids := setupChain(t)
	p := New(db, 50)

	proposal, err := p.Plan([]Directive{
		{
			Op:        graph.ActionEdit,
			Target:    cas.BytesToHex(ids["beta"]),
			Code:      "function beta() { return 1 }",
			DropCalls: []string{cas.BytesToHex(ids["gamma"])},
		},
		{
			Op:     graph.ActionDelete,
			Target: cas.BytesToHex(ids["gamma"]),
		},
	})
	if err != nil {
		t.Fatalf("planning: %v", err)
	}
	if len(proposal.Delta.Nodes) != 2 {
		t.Errorf("delta has %d node changes, want 2", len(proposal.Delta.Nodes))
	}
}

func TestPlanSignatureChangeRewritesAsDeleteCreate(t *testing.T) {
	db, ids := setupChain(t)
	p := New(db, 50)

	proposal, err := p.Plan([]Directive{{
		Op:           graph.ActionEdit,
		Target:       cas.BytesToHex(ids["gamma"]),
		Path:         "a.js",
		Name:         "gammaV2",
		NewSignature: "a.js: function gammaV2()",
		Code:         "function gammaV2() {}",
	}, {
		// beta must follow the move or gamma's deletion strands it.
		Op:     graph.ActionEdit,
		Target: cas.BytesToHex(ids["beta"]),
		Code:   "function beta() { gammaV2() }",
	}})
	if err != nil {
		t.Fatalf("planning: %v", err)
	}

	actions := make(map[graph.Action]int)
	for _, nc := range proposal.Delta.Nodes {
		actions[nc.Action]++
	}
	if actions[graph.ActionCreate] != 1 || actions[graph.ActionDelete] != 1 || actions[graph.ActionEdit] != 1 {
		t.Errorf("actions = %v, want one Create, one Delete, one Edit", actions)
	}
}

func TestPlanConflictingDirectives(t *testing.T) {
	db, ids := setupChain(t)
	p := New(db, 50)

	_, err := p.Plan([]Directive{
		{Op: graph.ActionEdit, Target: cas.BytesToHex(ids["gamma"]), Code: "x"},
		{Op: graph.ActionDelete, Target: cas.BytesToHex(ids["gamma"])},
	})
	if !errors.Is(err, graph.ErrPlanInconsistent) {
		t.Errorf("error = %v, want ErrPlanInconsistent", err)
	}
}

func TestPlanCreateNeedsIdentity(t *testing.T) {
	db, _ := setupChain(t)
	p := New(db, 50)

	_, err := p.Plan([]Directive{{Op: graph.ActionCreate, Code: "function x() {}"}})
	if !errors.Is(err, graph.ErrPlanInconsistent) {
		t.Errorf("error = %v, want ErrPlanInconsistent", err)
	}
}
