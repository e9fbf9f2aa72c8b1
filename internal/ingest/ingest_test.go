package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"isg/internal/cas"
	"isg/internal/graph"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func findNode(t *testing.T, snap *graph.Snapshot, kind graph.NodeKind, path, name string) *graph.SnapshotNode {
	t.Helper()
	id, err := cas.NodeID(string(kind), map[string]interface{}{
		"path": path, "name": name,
	})
	if err != nil {
		t.Fatalf("computing node id: %v", err)
	}
	n, ok := snap.Nodes[cas.BytesToHex(id)]
	if !ok {
		t.Fatalf("node %s %s:%s not in snapshot", kind, path, name)
	}
	return n
}

func hasEdge(snap *graph.Snapshot, src, dst *graph.SnapshotNode) bool {
	return snap.Edges[[2]string{cas.BytesToHex(src.ID), cas.BytesToHex(dst.ID)}]
}

func TestIngestJavaScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", `function greet(name) {
  return format(name)
}

function format(name) {
  return "hi " + name
}

const shout = (name) => {
  return greet(name).toUpperCase()
}
`)

	ing := NewIngester(nil, nil)
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	greet := findNode(t, snap, graph.KindInterface, "app.js", "greet")
	format := findNode(t, snap, graph.KindInterface, "app.js", "format")
	shout := findNode(t, snap, graph.KindInterface, "app.js", "shout")

	if greet.Signature != "app.js: function greet(name)" {
		t.Errorf("greet signature = %q", greet.Signature)
	}
	if !hasEdge(snap, greet, format) {
		t.Error("missing edge greet -> format")
	}
	if !hasEdge(snap, shout, greet) {
		t.Error("missing edge shout -> greet")
	}
	if hasEdge(snap, format, greet) {
		t.Error("spurious edge format -> greet")
	}
}

func TestIngestJavaScriptClasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "svc.js", `class Service {
  start(port) {
    listen(port)
  }
}

function listen(port) {
  return port
}
`)

	ing := NewIngester(nil, nil)
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	findNode(t, snap, graph.KindInterface, "svc.js", "Service")
	method := findNode(t, snap, graph.KindInterface, "svc.js", "Service.start")
	listen := findNode(t, snap, graph.KindInterface, "svc.js", "listen")

	if method.Signature != "svc.js: function Service.start(port)" {
		t.Errorf("method signature = %q", method.Signature)
	}
	if !hasEdge(snap, method, listen) {
		t.Error("missing edge Service.start -> listen")
	}
}

func TestIngestPython(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.py", `def helper():
    return 1

class Greeter:
    def greet(self):
        return helper()
`)

	ing := NewIngester(nil, nil)
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	helper := findNode(t, snap, graph.KindInterface, "lib.py", "helper")
	findNode(t, snap, graph.KindInterface, "lib.py", "Greeter")
	method := findNode(t, snap, graph.KindInterface, "lib.py", "Greeter.greet")

	if method.Signature != "lib.py: def Greeter.greet(self)" {
		t.Errorf("method signature = %q", method.Signature)
	}
	if !hasEdge(snap, method, helper) {
		t.Error("missing edge Greeter.greet -> helper")
	}
}

func TestIngestClassifiesTests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", `function greet(name) { return name }
`)
	writeFile(t, dir, "app.test.js", `function checkGreet() {
  greet("x")
}
`)

	ing := NewIngester(nil, []string{"**/*.test.*"})
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	greet := findNode(t, snap, graph.KindInterface, "app.js", "greet")
	check := findNode(t, snap, graph.KindTestInterface, "app.test.js", "checkGreet")
	if !hasEdge(snap, check, greet) {
		t.Error("missing edge from test interface to subject")
	}
}

func TestIngestHonorsIgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", `function keep() { return 1 }
`)
	writeFile(t, dir, "node_modules/dep/index.js", `function dropped() { return 2 }
`)
	writeFile(t, dir, "README.md", "not source\n")

	ing := NewIngester([]string{"**/node_modules/**"}, nil)
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	if len(snap.Nodes) != 1 {
		t.Errorf("snapshot has %d nodes, want 1", len(snap.Nodes))
	}
	findNode(t, snap, graph.KindInterface, "app.js", "keep")
}

func TestIngestSelfRecursionIsNotAnEdge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rec.js", `function fib(n) {
  if (n < 2) return n
  return fib(n - 1) + fib(n - 2)
}
`)

	ing := NewIngester(nil, nil)
	snap, err := ing.Ingest(dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if len(snap.Edges) != 0 {
		t.Errorf("snapshot has %d edges, want 0", len(snap.Edges))
	}
}
