package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"isg/internal/cas"
	"isg/internal/graph"
)

// SessionState is a state of the refinement loop controller.
type SessionState string

const (
	StatePlan          SessionState = "PLAN"
	StateSelfReview    SessionState = "SELF_REVIEW"
	StateRevisePlan    SessionState = "REVISE_PLAN"
	StateReviseRequest SessionState = "REVISE_REQUEST"
	StateCodegen       SessionState = "CODEGEN"
	StateValidate      SessionState = "VALIDATE"
	StateAwaitConfirm  SessionState = "AWAIT_CONFIRM"
	StateCommit        SessionState = "COMMIT"
	StateAbort         SessionState = "ABORT"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s == StateCommit || s == StateAbort
}

// HistoryEntry records one (state, verdict) transition of a session.
type HistoryEntry struct {
	Round   int          `json:"round"`
	State   SessionState `json:"state"`
	Verdict string       `json:"verdict,omitempty"`
	NodeIDs []string     `json:"nodeIds,omitempty"`
	Note    string       `json:"note,omitempty"`
	At      int64        `json:"at"`
}

// Session is the persisted form of a refinement session.
type Session struct {
	ID           string
	Request      graph.ChangeRequest
	State        SessionState
	Round        int
	Materialized bool
	History      []HistoryEntry
	CreatedAt    int64
	UpdatedAt    int64
}

// CreateSession inserts a new session row. Exactly one session may be
// active per baseline: if a non-terminal session exists, this fails
// with ErrSessionActive (the advisory lock).
func (db *DB) CreateSession(s *Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE state NOT IN ('COMMIT','ABORT')`).Scan(&active)
	if err != nil {
		return fmt.Errorf("counting active sessions: %w", err)
	}
	if active > 0 {
		return graph.ErrSessionActive
	}

	historyJSON, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	now := cas.NowMs()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err = tx.Exec(`
		INSERT INTO sessions (id, request_id, request_rev, request_text, state,
			round, materialized, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Request.ID, s.Request.Rev, s.Request.Text, string(s.State),
		s.Round, boolToInt(s.Materialized), string(historyJSON), now, now)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	return tx.Commit()
}

// ActiveSession returns the single non-terminal session, or
// ErrNoActiveSession.
func (db *DB) ActiveSession() (*Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, request_id, request_rev, request_text, state, round,
			materialized, history, created_at, updated_at
		FROM sessions WHERE state NOT IN ('COMMIT','ABORT')
	`)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return s, nil
}

// GetSession returns a session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, request_id, request_rev, request_text, state, round,
			materialized, history, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// UpdateSession persists the mutable fields of a session.
func (db *DB) UpdateSession(s *Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	historyJSON, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	s.UpdatedAt = cas.NowMs()
	res, err := db.conn.Exec(`
		UPDATE sessions SET request_rev = ?, request_text = ?, state = ?,
			round = ?, materialized = ?, history = ?, updated_at = ?
		WHERE id = ?
	`, s.Request.Rev, s.Request.Text, string(s.State), s.Round,
		boolToInt(s.Materialized), string(historyJSON), s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("session not found: %s", s.ID)
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	var s Session
	var state, historyJSON string
	var materialized int
	if err := scan(&s.ID, &s.Request.ID, &s.Request.Rev, &s.Request.Text,
		&state, &s.Round, &materialized, &historyJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.State = SessionState(state)
	s.Materialized = materialized != 0
	if err := json.Unmarshal([]byte(historyJSON), &s.History); err != nil {
		return nil, fmt.Errorf("unmarshaling history: %w", err)
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
