// Package ingest is the parsing frontend: it walks a source tree,
// extracts interface-level units with tree-sitter, and produces the
// signature graph snapshot the store is seeded from and re-validated
// against after every commit.
package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"isg/internal/cas"
	"isg/internal/graph"
)

// Ingester turns a directory tree into a graph snapshot.
type Ingester struct {
	parser       *Parser
	ignore       []string
	testPatterns []string
}

// NewIngester creates an ingester with the given ignore and
// test-classification patterns (doublestar globs over relative paths).
func NewIngester(ignore, testPatterns []string) *Ingester {
	return &Ingester{
		parser:       NewParser(),
		ignore:       ignore,
		testPatterns: testPatterns,
	}
}

// Ingest walks dir and returns the interface signature graph of the
// codebase: one node per function/method/class, call edges resolved by
// name within the snapshot.
func (ing *Ingester) Ingest(dir string) (*graph.Snapshot, error) {
	snap := graph.NewSnapshot()

	type unit struct {
		node  *graph.SnapshotNode
		calls []string
		path  string
	}
	var units []unit
	byName := make(map[string][][]byte)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		lang := langForPath(rel)
		if lang == "" || ing.ignored(rel) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		extracted, err := ing.parser.ExtractUnits(content, lang)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", rel, err)
		}

		kind := graph.KindInterface
		if ing.isTestPath(rel) {
			kind = graph.KindTestInterface
		}

		for _, u := range extracted {
			id, err := cas.NodeID(string(kind), map[string]interface{}{
				"path": rel,
				"name": u.Name,
			})
			if err != nil {
				return fmt.Errorf("computing node id: %w", err)
			}
			node := &graph.SnapshotNode{
				ID:        id,
				Kind:      kind,
				Signature: rel + ": " + u.Signature,
				Code:      u.Code,
			}
			snap.AddNode(node)
			byName[u.Name] = append(byName[u.Name], id)
			units = append(units, unit{node: node, calls: u.Calls, path: rel})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	// Resolve call edges by callee name. Ambiguous names resolve to all
	// candidates; unresolved names (externals, builtins) are dropped.
	for _, u := range units {
		for _, callee := range u.calls {
			for _, dst := range byName[callee] {
				if cas.BytesToHex(dst) == cas.BytesToHex(u.node.ID) {
					continue // self recursion is not a dependency edge
				}
				snap.AddEdge(u.node.ID, dst)
			}
		}
	}

	return snap, nil
}

func (ing *Ingester) ignored(rel string) bool {
	for _, pattern := range ing.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (ing *Ingester) isTestPath(rel string) bool {
	for _, pattern := range ing.testPatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func langForPath(rel string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs":
		return "js"
	case ".py":
		return "py"
	default:
		return ""
	}
}
