package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"isg/internal/cas"
	"isg/internal/graph"
)

// SeedBaseline writes an ingested snapshot into the current_* columns.
// It refuses to run against a non-empty store: the baseline is created
// once, and afterwards mutated only by promotion.
func (db *DB) SeedBaseline(snap *graph.Snapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count); err != nil {
		return fmt.Errorf("counting nodes: %w", err)
	}
	if count > 0 {
		return errors.New("store already has a baseline")
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := cas.NowMs()
	for _, n := range snap.Nodes {
		_, err := tx.Exec(`
			INSERT INTO nodes (id, kind, signature, current_code, current_ind, future_ind, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, 1, ?, ?)
		`, n.ID, string(n.Kind), n.Signature, n.Code, now, now)
		if err != nil {
			return fmt.Errorf("inserting node: %w", err)
		}
	}

	for key := range snap.Edges {
		src, err := cas.HexToBytes(key[0])
		if err != nil {
			return err
		}
		dst, err := cas.HexToBytes(key[1])
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO edges (src, dst, state, created_at)
			VALUES (?, ?, 'current', ?)
		`, src, dst, now)
		if err != nil {
			return fmt.Errorf("inserting edge: %w", err)
		}
	}

	return tx.Commit()
}

// ApplyDelta replaces the proposed state with the given delta in a
// single transaction. The previous round's future state is cleared
// first, so readers always observe baseline plus exactly one complete
// proposal. Any invariant violation rolls the whole batch back.
func (db *DB) ApplyDelta(delta *graph.Delta) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := clearFutureTx(tx); err != nil {
		return err
	}
	if err := applyNodeChanges(tx, delta.Nodes); err != nil {
		return err
	}
	if err := recomputeEdgeStates(tx, delta); err != nil {
		return err
	}
	if err := checkFutureInvariants(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// ClearFuture discards all proposed state: future columns reset, future
// edges dropped, baseline edges restored to 'current'.
func (db *DB) ClearFuture() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := clearFutureTx(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func clearFutureTx(tx *sql.Tx) error {
	now := cas.NowMs()
	// Nodes that only existed in the proposal disappear entirely.
	if _, err := tx.Exec(`DELETE FROM nodes WHERE current_ind = 0`); err != nil {
		return fmt.Errorf("dropping proposed nodes: %w", err)
	}
	_, err := tx.Exec(`
		UPDATE nodes SET future_code = '', future_ind = current_ind,
			future_action = 'None', diagnostics = '[]', updated_at = ?
	`, now)
	if err != nil {
		return fmt.Errorf("clearing future columns: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE state = 'future'`); err != nil {
		return fmt.Errorf("dropping future edges: %w", err)
	}
	if _, err := tx.Exec(`UPDATE edges SET state = 'current' WHERE state = 'both'`); err != nil {
		return fmt.Errorf("resetting edge states: %w", err)
	}
	return nil
}

func applyNodeChanges(tx *sql.Tx, changes []graph.NodeChange) error {
	now := cas.NowMs()
	for _, nc := range changes {
		switch nc.Action {
		case graph.ActionCreate:
			_, err := tx.Exec(`
				INSERT INTO nodes (id, kind, signature, current_ind,
					future_code, future_ind, future_action, created_at, updated_at)
				VALUES (?, ?, ?, 0, ?, 1, 'Create', ?, ?)
			`, nc.ID, string(nc.Kind), nc.Signature, nc.FutureCode, now, now)
			if err != nil {
				return fmt.Errorf("inserting created node %s: %w", cas.ShortHex(nc.ID), err)
			}
		case graph.ActionEdit:
			res, err := tx.Exec(`
				UPDATE nodes SET future_code = ?, future_ind = 1,
					future_action = 'Edit', updated_at = ?
				WHERE id = ? AND current_ind = 1
			`, nc.FutureCode, now, nc.ID)
			if err != nil {
				return fmt.Errorf("marking edit on %s: %w", cas.ShortHex(nc.ID), err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return fmt.Errorf("%w: Edit targets %s which is not in baseline", graph.ErrPlanInconsistent, cas.ShortHex(nc.ID))
			}
		case graph.ActionDelete:
			res, err := tx.Exec(`
				UPDATE nodes SET future_code = '', future_ind = 0,
					future_action = 'Delete', updated_at = ?
				WHERE id = ? AND current_ind = 1
			`, now, nc.ID)
			if err != nil {
				return fmt.Errorf("marking delete on %s: %w", cas.ShortHex(nc.ID), err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return fmt.Errorf("%w: Delete targets %s which is not in baseline", graph.ErrPlanInconsistent, cas.ShortHex(nc.ID))
			}
		case graph.ActionNone:
			// Carried for completeness; nothing to write.
		default:
			return fmt.Errorf("%w: unknown action %q", graph.ErrPlanInconsistent, nc.Action)
		}
	}
	return nil
}

// recomputeEdgeStates derives edge membership for the proposed graph:
// baseline edges whose endpoints survive and are not explicitly removed
// become 'both'; explicitly added edges become 'future' (or 'both' when
// they already exist in the baseline); everything else stays 'current'.
func recomputeEdgeStates(tx *sql.Tx, delta *graph.Delta) error {
	removed := make(map[[2]string]bool)
	for _, ec := range delta.Edges {
		if ec.Remove {
			removed[[2]string{cas.BytesToHex(ec.Src), cas.BytesToHex(ec.Dst)}] = true
		}
	}

	// Baseline edges carry forward unless removed or orphaned.
	rows, err := tx.Query(`SELECT src, dst FROM edges WHERE state = 'current'`)
	if err != nil {
		return fmt.Errorf("querying baseline edges: %w", err)
	}
	type pair struct{ src, dst []byte }
	var baseline []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.src, &p.dst); err != nil {
			rows.Close()
			return err
		}
		baseline = append(baseline, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := cas.NowMs()
	for _, p := range baseline {
		if removed[[2]string{cas.BytesToHex(p.src), cas.BytesToHex(p.dst)}] {
			continue
		}
		surviving, err := endpointsInFuture(tx, p.src, p.dst)
		if err != nil {
			return err
		}
		if !surviving {
			continue
		}
		if _, err := tx.Exec(`UPDATE edges SET state = 'both' WHERE src = ? AND dst = ?`, p.src, p.dst); err != nil {
			return fmt.Errorf("carrying edge forward: %w", err)
		}
	}

	for _, ec := range delta.Edges {
		if ec.Remove {
			continue
		}
		surviving, err := endpointsInFuture(tx, ec.Src, ec.Dst)
		if err != nil {
			return err
		}
		if !surviving {
			return fmt.Errorf("%w: proposed edge %s -> %s has a missing endpoint",
				graph.ErrPlanInconsistent, cas.ShortHex(ec.Src), cas.ShortHex(ec.Dst))
		}
		var state string
		row := tx.QueryRow(`SELECT state FROM edges WHERE src = ? AND dst = ?`, ec.Src, ec.Dst)
		switch err := row.Scan(&state); {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.Exec(`INSERT INTO edges (src, dst, state, created_at) VALUES (?, ?, 'future', ?)`,
				ec.Src, ec.Dst, now); err != nil {
				return fmt.Errorf("inserting proposed edge: %w", err)
			}
		case err != nil:
			return fmt.Errorf("querying edge: %w", err)
		default:
			if _, err := tx.Exec(`UPDATE edges SET state = 'both' WHERE src = ? AND dst = ?`, ec.Src, ec.Dst); err != nil {
				return fmt.Errorf("updating proposed edge: %w", err)
			}
		}
	}

	return nil
}

func endpointsInFuture(tx *sql.Tx, src, dst []byte) (bool, error) {
	for _, id := range [][]byte{src, dst} {
		var futInd int
		row := tx.QueryRow(`SELECT future_ind FROM nodes WHERE id = ?`, id)
		switch err := row.Scan(&futInd); {
		case errors.Is(err, sql.ErrNoRows):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("querying endpoint: %w", err)
		}
		if futInd == 0 {
			return false, nil
		}
	}
	return true, nil
}

// checkFutureInvariants re-reads the whole batch inside the transaction
// and verifies the node invariants plus the no-dangling-edge rule for
// both snapshots.
func checkFutureInvariants(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT ` + nodeColumns + ` FROM nodes`)
	if err != nil {
		return fmt.Errorf("querying nodes: %w", err)
	}
	current := make(map[string]bool)
	future := make(map[string]bool)
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			rows.Close()
			return err
		}
		if err := n.Validate(); err != nil {
			rows.Close()
			return err
		}
		key := cas.BytesToHex(n.ID)
		current[key] = n.CurrentInd
		future[key] = n.FutureInd
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	edgeRows, err := tx.Query(`SELECT src, dst, state, created_at FROM edges`)
	if err != nil {
		return fmt.Errorf("querying edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		e, err := scanEdge(edgeRows.Scan)
		if err != nil {
			return err
		}
		srcKey, dstKey := cas.BytesToHex(e.Src), cas.BytesToHex(e.Dst)
		if e.State.InCurrent() && (!current[srcKey] || !current[dstKey]) {
			return fmt.Errorf("%w: dangling baseline edge %s -> %s",
				graph.ErrPlanInconsistent, cas.ShortHex(e.Src), cas.ShortHex(e.Dst))
		}
		if e.State.InFuture() && (!future[srcKey] || !future[dstKey]) {
			return fmt.Errorf("%w: dangling proposed edge %s -> %s",
				graph.ErrPlanInconsistent, cas.ShortHex(e.Src), cas.ShortHex(e.Dst))
		}
	}
	return edgeRows.Err()
}

// PromoteFutureToCurrent folds the proposed state into the baseline and
// appends the commit-log entry, filling entry.Actions with the promoted
// actions sorted by node id. This is the only mutator of the current_*
// columns. The whole promotion runs in one transaction under the
// store's write lock, so it excludes ApplyDelta and ClearFuture and is
// observed atomically. With no proposed state the store is untouched
// and ErrCommitConflict is returned.
func (db *DB) PromoteFutureToCurrent(entry *graph.CommitEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	actions, err := promoteFutureTx(tx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: nothing to promote", graph.ErrCommitConflict)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].NodeID < actions[j].NodeID })
	entry.Actions = actions

	if err := insertCommitTx(tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", graph.ErrCommitConflict, err)
	}
	return nil
}

func promoteFutureTx(tx *sql.Tx) ([]graph.ActionRecord, error) {
	rows, err := tx.Query(`SELECT ` + nodeColumns + ` FROM nodes WHERE future_action != 'None'`)
	if err != nil {
		return nil, fmt.Errorf("querying changed nodes: %w", err)
	}
	var changed []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		changed = append(changed, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := cas.NowMs()
	records := make([]graph.ActionRecord, 0, len(changed))
	for _, n := range changed {
		records = append(records, graph.ActionRecord{
			NodeID: n.HexID(),
			Action: n.FutureAction,
			Kind:   n.Kind,
		})
		switch n.FutureAction {
		case graph.ActionDelete:
			if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, n.ID); err != nil {
				return nil, fmt.Errorf("deleting node %s: %w", cas.ShortHex(n.ID), err)
			}
		case graph.ActionCreate, graph.ActionEdit:
			_, err := tx.Exec(`
				UPDATE nodes SET current_code = future_code, current_ind = future_ind,
					future_code = '', future_action = 'None', diagnostics = '[]', updated_at = ?
				WHERE id = ?
			`, now, n.ID)
			if err != nil {
				return nil, fmt.Errorf("promoting node %s: %w", cas.ShortHex(n.ID), err)
			}
		}
	}

	// Retired edges (current-only rows) leave the graph; surviving and
	// added edges become the new baseline.
	if _, err := tx.Exec(`DELETE FROM edges WHERE state = 'current'`); err != nil {
		return nil, fmt.Errorf("retiring edges: %w", err)
	}
	if _, err := tx.Exec(`UPDATE edges SET state = 'current' WHERE state IN ('both','future')`); err != nil {
		return nil, fmt.Errorf("promoting edges: %w", err)
	}
	if _, err := tx.Exec(`UPDATE nodes SET future_ind = current_ind WHERE future_action = 'None'`); err != nil {
		return nil, fmt.Errorf("resetting future indicators: %w", err)
	}

	return records, nil
}
