package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"isg/internal/cas"
	"isg/internal/graph"
)

// insertCommitTx appends a commit-log entry inside the promotion
// transaction so it lands atomically with the promotion it records.
func insertCommitTx(tx *sql.Tx, entry *graph.CommitEntry) error {
	actionsJSON, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}

	entry.CreatedAt = cas.NowMs()
	_, err = tx.Exec(`
		INSERT INTO commits (id, request_id, actions, git_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.RequestID, string(actionsJSON), entry.GitHash, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting commit entry: %w", err)
	}
	return nil
}

// SetCommitGitHash records the version-control hash after the external
// commit lands.
func (db *DB) SetCommitGitHash(commitID, gitHash string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`UPDATE commits SET git_hash = ? WHERE id = ?`, gitHash, commitID)
	if err != nil {
		return fmt.Errorf("updating commit entry: %w", err)
	}
	return nil
}

// ListCommits returns the commit log, newest first.
func (db *DB) ListCommits(limit int) ([]*graph.CommitEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `SELECT id, request_id, actions, git_hash, created_at FROM commits ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commits: %w", err)
	}
	defer rows.Close()

	var entries []*graph.CommitEntry
	for rows.Next() {
		var e graph.CommitEntry
		var actionsJSON string
		if err := rows.Scan(&e.ID, &e.RequestID, &actionsJSON, &e.GitHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actionsJSON), &e.Actions); err != nil {
			return nil, fmt.Errorf("unmarshaling actions: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
