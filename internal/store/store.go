// Package store provides the SQLite-backed graph store. One durable
// database holds the committed baseline and, while a session is active,
// the proposed future state in per-row columns. Batch application and
// promotion are each a single transaction: readers never observe a
// half-written proposal.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "embed"

	_ "modernc.org/sqlite"

	"isg/internal/cas"
	"isg/internal/graph"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const nodeColumns = `id, kind, signature, current_code, current_ind,
	future_code, future_ind, future_action, diagnostics, created_at, updated_at`

func scanNode(scan func(dest ...interface{}) error) (*graph.Node, error) {
	var n graph.Node
	var kind, action, diagsJSON string
	var curInd, futInd int
	if err := scan(&n.ID, &kind, &n.Signature, &n.CurrentCode, &curInd,
		&n.FutureCode, &futInd, &action, &diagsJSON, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Kind = graph.NodeKind(kind)
	n.FutureAction = graph.Action(action)
	n.CurrentInd = curInd != 0
	n.FutureInd = futInd != 0
	if err := json.Unmarshal([]byte(diagsJSON), &n.Diagnostics); err != nil {
		return nil, fmt.Errorf("unmarshaling diagnostics: %w", err)
	}
	return &n, nil
}

// GetNode retrieves a node by ID. Returns ErrNodeNotFound if absent.
func (db *DB) GetNode(id []byte) (*graph.Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, cas.ShortHex(id))
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return n, nil
}

// GetNodes retrieves the given nodes, erroring on the first missing id.
func (db *DB) GetNodes(ids [][]byte) ([]*graph.Node, error) {
	nodes := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		n, err := db.GetNode(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ResolvePrefix resolves a unique hex prefix to a full node ID.
func (db *DB) ResolvePrefix(prefix string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if full, err := cas.HexToBytes(prefix); err == nil && len(full) == 32 {
		return full, nil
	}

	rows, err := db.conn.Query(`SELECT id FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var matches [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		hexID := cas.BytesToHex(id)
		if len(prefix) <= len(hexID) && hexID[:len(prefix)] == prefix {
			matches = append(matches, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d nodes", graph.ErrAmbiguousPrefix, prefix, len(matches))
	}
}

// ListNodes returns all nodes, optionally filtered by kind.
func (db *DB) ListNodes(kind graph.NodeKind) ([]*graph.Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY signature`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ChangedNodes returns all nodes with a non-None future action.
func (db *DB) ChangedNodes() ([]*graph.Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT `+nodeColumns+` FROM nodes WHERE future_action != 'None' ORDER BY signature`)
	if err != nil {
		return nil, fmt.Errorf("querying changed nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Edges returns all edges, optionally restricted to those belonging to
// the given snapshot ("current" or "future"; empty means all rows).
func (db *DB) Edges(state graph.EdgeState) ([]*graph.Edge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT src, dst, state, created_at FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, err
		}
		if !edgeInState(e, state) {
			continue
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanEdge(scan func(dest ...interface{}) error) (*graph.Edge, error) {
	var e graph.Edge
	var state string
	if err := scan(&e.Src, &e.Dst, &state, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.State = graph.EdgeState(state)
	return &e, nil
}

func edgeInState(e *graph.Edge, state graph.EdgeState) bool {
	switch state {
	case graph.StateCurrent:
		return e.State.InCurrent()
	case graph.StateFuture:
		return e.State.InFuture()
	default:
		return true
	}
}

// Callers returns the source ids of edges pointing at the given node
// under the given snapshot.
func (db *DB) Callers(id []byte, state graph.EdgeState) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT src, dst, state, created_at FROM edges WHERE dst = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying callers: %w", err)
	}
	defer rows.Close()

	var callers [][]byte
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, err
		}
		if edgeInState(e, state) {
			callers = append(callers, e.Src)
		}
	}
	return callers, rows.Err()
}

// Callees returns the destination ids of edges leaving the given node
// under the given snapshot.
func (db *DB) Callees(id []byte, state graph.EdgeState) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT src, dst, state, created_at FROM edges WHERE src = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying callees: %w", err)
	}
	defer rows.Close()

	var callees [][]byte
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, err
		}
		if edgeInState(e, state) {
			callees = append(callees, e.Dst)
		}
	}
	return callees, rows.Err()
}

// GetSubgraph returns all nodes reachable from the seed set within the
// given traversal depth, following edges in both directions under the
// given snapshot.
func (db *DB) GetSubgraph(ids [][]byte, depth int, state graph.EdgeState) ([]*graph.Node, error) {
	seen := make(map[string]bool, len(ids))
	frontier := ids
	for _, id := range ids {
		seen[cas.BytesToHex(id)] = true
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next [][]byte
		for _, id := range frontier {
			callers, err := db.Callers(id, state)
			if err != nil {
				return nil, err
			}
			callees, err := db.Callees(id, state)
			if err != nil {
				return nil, err
			}
			for _, neighbor := range append(callers, callees...) {
				key := cas.BytesToHex(neighbor)
				if !seen[key] {
					seen[key] = true
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}

	var all [][]byte
	for key := range seen {
		id, err := cas.HexToBytes(key)
		if err != nil {
			return nil, err
		}
		all = append(all, id)
	}
	return db.GetNodes(all)
}

// LoadBaseline materializes the committed graph as a snapshot.
func (db *DB) LoadBaseline() (*graph.Snapshot, error) {
	snap := graph.NewSnapshot()

	nodes, err := db.ListNodes("")
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if !n.CurrentInd {
			continue
		}
		snap.AddNode(&graph.SnapshotNode{
			ID:        n.ID,
			Kind:      n.Kind,
			Signature: n.Signature,
			Code:      n.CurrentCode,
		})
	}

	edges, err := db.Edges(graph.StateCurrent)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		snap.AddEdge(e.Src, e.Dst)
	}

	return snap, nil
}

// AttachDiagnostics appends validation diagnostics to a node. They are
// session-transient and cleared with the rest of the future state.
func (db *DB) AttachDiagnostics(id []byte, diags []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var existing []string
	row := db.conn.QueryRow(`SELECT diagnostics FROM nodes WHERE id = ?`, id)
	var diagsJSON string
	if err := row.Scan(&diagsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, cas.ShortHex(id))
		}
		return fmt.Errorf("querying diagnostics: %w", err)
	}
	if err := json.Unmarshal([]byte(diagsJSON), &existing); err != nil {
		return fmt.Errorf("unmarshaling diagnostics: %w", err)
	}

	merged, err := json.Marshal(append(existing, diags...))
	if err != nil {
		return fmt.Errorf("marshaling diagnostics: %w", err)
	}

	_, err = db.conn.Exec(`UPDATE nodes SET diagnostics = ?, updated_at = ? WHERE id = ?`,
		string(merged), cas.NowMs(), id)
	if err != nil {
		return fmt.Errorf("updating diagnostics: %w", err)
	}
	return nil
}
