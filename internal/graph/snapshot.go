package graph

import "isg/internal/cas"

// SnapshotNode is one interface unit as observed in a single graph
// snapshot (a freshly ingested codebase or the committed baseline).
type SnapshotNode struct {
	ID        []byte
	Kind      NodeKind
	Signature string
	Code      string
}

// Snapshot is a whole-graph view keyed by hex node id. The ingestion
// frontend produces one per pass; the commit manager compares the
// promoted baseline against a post-commit re-ingestion to detect drift.
type Snapshot struct {
	Nodes map[string]*SnapshotNode
	Edges map[[2]string]bool // [src hex, dst hex]
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Nodes: make(map[string]*SnapshotNode),
		Edges: make(map[[2]string]bool),
	}
}

// AddNode inserts or replaces a node in the snapshot.
func (s *Snapshot) AddNode(n *SnapshotNode) {
	s.Nodes[cas.BytesToHex(n.ID)] = n
}

// AddEdge records a caller -> callee dependency.
func (s *Snapshot) AddEdge(src, dst []byte) {
	s.Edges[[2]string{cas.BytesToHex(src), cas.BytesToHex(dst)}] = true
}

// HasNode reports whether the snapshot contains the given hex id.
func (s *Snapshot) HasNode(hexID string) bool {
	_, ok := s.Nodes[hexID]
	return ok
}

// Compare diffs this snapshot (expected) against another (observed) and
// returns the drift between them. A nil result means the snapshots are
// identical at the node level.
func (s *Snapshot) Compare(observed *Snapshot) *DriftError {
	drift := &DriftError{}

	for hexID, want := range s.Nodes {
		got, ok := observed.Nodes[hexID]
		if !ok {
			drift.Missing = append(drift.Missing, hexID)
			continue
		}
		if got.Code != want.Code || got.Signature != want.Signature {
			drift.Changed = append(drift.Changed, hexID)
		}
	}
	for hexID := range observed.Nodes {
		if !s.HasNode(hexID) {
			drift.Unexpected = append(drift.Unexpected, hexID)
		}
	}

	if drift.Empty() {
		return nil
	}
	return drift
}
