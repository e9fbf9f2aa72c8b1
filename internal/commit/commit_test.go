package commit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/ingest"
	"isg/internal/store"
)

const greetV1 = `function greet(name) {
  return name
}
`

const greetV2 = `function greet(name) {
  return "hi " + name
}
`

// setupWorkdir writes a one-function codebase, ingests it, and seeds
// the store with it.
func setupWorkdir(t *testing.T) (*store.DB, *ingest.Ingester, string, []byte) {
	t.Helper()

	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "a.js"), []byte(greetV1), 0644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ing := ingest.NewIngester(nil, nil)
	snap, err := ing.Ingest(workdir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if err := db.SeedBaseline(snap); err != nil {
		t.Fatalf("seeding baseline: %v", err)
	}

	id, err := cas.NodeID(string(graph.KindInterface), map[string]interface{}{
		"path": "a.js", "name": "greet",
	})
	if err != nil {
		t.Fatalf("computing node id: %v", err)
	}
	return db, ing, workdir, id
}

// futureCodeFor extracts the unit body the ingester would observe for
// the given file content, so promoted code matches re-ingestion.
func futureCodeFor(t *testing.T, ing *ingest.Ingester, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.js"), []byte(content), 0644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	for _, n := range snap.Nodes {
		return n.Code
	}
	t.Fatal("no unit extracted")
	return ""
}

func applyEdit(t *testing.T, db *store.DB, id []byte, code string) {
	t.Helper()
	err := db.ApplyDelta(&graph.Delta{Nodes: []graph.NodeChange{{
		ID:         id,
		Kind:       graph.KindInterface,
		Signature:  "a.js: function greet(name)",
		Action:     graph.ActionEdit,
		FutureCode: code,
	}}})
	if err != nil {
		t.Fatalf("applying delta: %v", err)
	}
}

func testSession() *store.Session {
	return &store.Session{
		ID:           "s-1",
		Request:      graph.ChangeRequest{ID: "r-1", Rev: 1, Text: "greet should say hi"},
		State:        store.StateAwaitConfirm,
		Materialized: true,
	}
}

func TestCommitNoDrift(t *testing.T) {
	db, ing, workdir, id := setupWorkdir(t)

	applyEdit(t, db, id, futureCodeFor(t, ing, greetV2))

	// The collaborator has written the change to the working tree.
	if err := os.WriteFile(filepath.Join(workdir, "a.js"), []byte(greetV2), 0644); err != nil {
		t.Fatalf("writing updated source: %v", err)
	}

	mgr := New(db, ing, workdir)
	entry, err := mgr.Commit(context.Background(), testSession())
	if err != nil {
		t.Fatalf("committing: %v", err)
	}
	if entry.RequestID != "r-1" || len(entry.Actions) != 1 || entry.Actions[0].Action != graph.ActionEdit {
		t.Errorf("commit entry = %+v", entry)
	}

	n, err := db.GetNode(id)
	if err != nil {
		t.Fatalf("getting node: %v", err)
	}
	if n.CurrentCode != futureCodeFor(t, ing, greetV2) {
		t.Errorf("baseline code = %q", n.CurrentCode)
	}
	if n.FutureAction != graph.ActionNone {
		t.Error("promotion left residual future state")
	}

	entries, err := db.ListCommits(10)
	if err != nil {
		t.Fatalf("listing commits: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Errorf("commit log = %+v", entries)
	}
}

func TestCommitDetectsDrift(t *testing.T) {
	db, ing, workdir, id := setupWorkdir(t)

	// The promoted graph will say greet returns a greeting, but the
	// working tree still holds the old body.
	applyEdit(t, db, id, futureCodeFor(t, ing, greetV2))

	mgr := New(db, ing, workdir)
	entry, err := mgr.Commit(context.Background(), testSession())
	if !errors.Is(err, graph.ErrDriftDetected) {
		t.Fatalf("error = %v, want ErrDriftDetected", err)
	}
	if !IsDrift(err) {
		t.Error("IsDrift = false for a drift error")
	}
	if entry == nil {
		t.Fatal("drift must not roll back the promotion")
	}

	var drift *graph.DriftError
	if !errors.As(err, &drift) {
		t.Fatalf("error %v is not a DriftError", err)
	}
	if len(drift.Changed) != 1 || drift.Changed[0] != cas.BytesToHex(id) {
		t.Errorf("drift changed = %v", drift.Changed)
	}

	// The promotion itself stands; the report is advisory.
	entries, err := db.ListCommits(10)
	if err != nil {
		t.Fatalf("listing commits: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("commit log has %d entries, want 1", len(entries))
	}
}

func TestCommitNothingToPromote(t *testing.T) {
	db, ing, workdir, _ := setupWorkdir(t)

	mgr := New(db, ing, workdir)
	_, err := mgr.Commit(context.Background(), testSession())
	if !errors.Is(err, graph.ErrCommitConflict) {
		t.Errorf("error = %v, want ErrCommitConflict", err)
	}

	entries, err := db.ListCommits(10)
	if err != nil {
		t.Fatalf("listing commits: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty promotion wrote %d commit entries", len(entries))
	}
}
