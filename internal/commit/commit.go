// Package commit promotes an approved session's future state to the
// committed baseline: one atomic store transaction, a Git anchor, and a
// post-commit drift check against the re-ingested codebase.
package commit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"isg/internal/gitio"
	"isg/internal/graph"
	"isg/internal/ingest"
	"isg/internal/store"
)

// Manager performs commit promotion.
type Manager struct {
	db       *store.DB
	ingester *ingest.Ingester
	repo     *gitio.Repository // nil when the tree is not under Git
	workdir  string
}

// New creates a manager over the working tree at workdir. Opening the
// Git repository is best-effort: a tree outside Git still commits, it
// just records no git hash.
func New(db *store.DB, ing *ingest.Ingester, workdir string) *Manager {
	repo, err := gitio.Open(workdir)
	if err != nil {
		repo = nil
	}
	return &Manager{db: db, ingester: ing, repo: repo, workdir: workdir}
}

// Commit promotes the session's future state. The store folds the
// promotion and the commit-log insert into one locked transaction:
// either the baseline advances and the entry exists, or neither. After
// promotion the codebase is re-ingested and compared against the new
// baseline; a mismatch is returned as a DriftError wrapping
// ErrDriftDetected. Drift is never auto-reconciled: the commit stands
// and the report tells the operator what diverged.
func (m *Manager) Commit(ctx context.Context, sess *store.Session) (*graph.CommitEntry, error) {
	entry := &graph.CommitEntry{
		ID:        uuid.NewString(),
		RequestID: sess.Request.ID,
	}
	if err := m.db.PromoteFutureToCurrent(entry); err != nil {
		return nil, err
	}

	if m.repo != nil {
		hash, err := m.repo.CommitAll(commitMessage(sess, entry.Actions))
		if err != nil {
			return entry, fmt.Errorf("git commit after promotion: %w", err)
		}
		entry.GitHash = hash
		if err := m.db.SetCommitGitHash(entry.ID, hash); err != nil {
			return entry, err
		}
	}

	if err := m.checkDrift(ctx); err != nil {
		return entry, err
	}
	return entry, nil
}

// checkDrift re-ingests the working tree and compares it to the freshly
// promoted baseline.
func (m *Manager) checkDrift(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	observed, err := m.ingester.Ingest(m.workdir)
	if err != nil {
		return fmt.Errorf("re-ingesting after commit: %w", err)
	}
	baseline, err := m.db.LoadBaseline()
	if err != nil {
		return err
	}
	if drift := baseline.Compare(observed); drift != nil {
		return drift
	}
	return nil
}

func commitMessage(sess *store.Session, actions []graph.ActionRecord) string {
	counts := make(map[graph.Action]int)
	for _, a := range actions {
		counts[a.Action]++
	}
	return fmt.Sprintf("isg: %s (create %d, edit %d, delete %d)",
		firstSentence(sess.Request.Text),
		counts[graph.ActionCreate], counts[graph.ActionEdit], counts[graph.ActionDelete])
}

func firstSentence(text string) string {
	for i, r := range text {
		if r == '\n' || r == '.' {
			return text[:i]
		}
		if i > 72 {
			return text[:i] + "..."
		}
	}
	return text
}

// IsDrift reports whether err is a drift report (the commit itself
// succeeded).
func IsDrift(err error) bool {
	return errors.Is(err, graph.ErrDriftDetected)
}
