// Package session drives the bounded refinement loop: plan, review,
// generate, validate, and hand off to commit, with a hard round budget
// so the loop always terminates regardless of collaborator behavior.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"isg/internal/cas"
	"isg/internal/config"
	"isg/internal/graph"
	"isg/internal/mincontext"
	"isg/internal/planner"
	"isg/internal/review"
	"isg/internal/store"
	"isg/internal/validate"
)

// Committer promotes an approved session's future state to baseline.
// Implemented by the commit package; injected to keep this package free
// of git and ingestion concerns.
type Committer interface {
	Commit(ctx context.Context, sess *store.Session) (*graph.CommitEntry, error)
}

// Controller owns the active refinement session.
type Controller struct {
	db       *store.DB
	planner  *planner.Planner
	reviewer review.Reviewer
	codegen  review.Codegen
	gate     validate.Gate
	cfg      *config.Config

	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
}

// New wires a controller from its collaborators.
func New(db *store.DB, pl *planner.Planner, rv review.Reviewer, cg review.Codegen, gate validate.Gate, cfg *config.Config) *Controller {
	return &Controller{db: db, planner: pl, reviewer: rv, codegen: cg, gate: gate, cfg: cfg}
}

// Start creates a session and runs the first planning round. The
// store's advisory lock rejects a second concurrent session. An
// infeasible request fails here, before any future state exists, and
// leaves the session terminated in ABORT.
func (c *Controller) Start(req graph.ChangeRequest, directives []planner.Directive) (*store.Session, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Rev == 0 {
		req.Rev = 1
	}

	sess := &store.Session{
		ID:      uuid.NewString(),
		Request: req,
		State:   store.StatePlan,
	}
	if err := c.db.CreateSession(sess); err != nil {
		return nil, err
	}

	if err := c.plan(sess, directives); err != nil {
		c.terminate(sess, store.StateAbort, err.Error())
		return sess, err
	}
	return sess, nil
}

// plan resolves directives into a proposal and applies it as the
// session's future state. On success the session sits in SELF_REVIEW.
func (c *Controller) plan(sess *store.Session, directives []planner.Directive) error {
	proposal, err := c.planner.Plan(directives)
	if err != nil {
		return err
	}
	if err := c.db.ApplyDelta(proposal.Delta); err != nil {
		return err
	}

	sess.Materialized = false
	sess.State = store.StateSelfReview
	c.record(sess, store.StatePlan, "", actedHexIDs(proposal.Delta),
		fmt.Sprintf("blast radius %d of %d", proposal.BlastRadius, c.cfg.BlastRadiusThreshold))
	return c.db.UpdateSession(sess)
}

// Run drives the loop from SELF_REVIEW until the session reaches
// AWAIT_CONFIRM or a terminal state. The returned error reflects why
// the loop stopped short of AWAIT_CONFIRM; ErrRoundBudgetExceeded
// always coincides with the session ending in ABORT.
func (c *Controller) Run(ctx context.Context, sess *store.Session) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	var diagnostics []string
	for {
		if c.isAborted() || sess.State.Terminal() {
			return nil
		}
		if err := runCtx.Err(); err != nil {
			return err
		}

		switch sess.State {
		case store.StateSelfReview:
			verdict, err := c.selfReview(runCtx, sess, diagnostics)
			if err != nil {
				return c.fail(sess, err)
			}
			diagnostics = nil
			switch verdict.Kind {
			case review.Confident:
				sess.State = store.StateCodegen
				c.record(sess, store.StateSelfReview, string(verdict.Kind), nil, verdict.Note)
				if err := c.db.UpdateSession(sess); err != nil {
					return err
				}
			case review.RefineSolution:
				if err := c.revise(sess, store.StateRevisePlan, verdict, &diagnostics); err != nil {
					if sess.State.Terminal() {
						return err
					}
					return c.fail(sess, err)
				}
			case review.RefineRequest:
				if err := c.revise(sess, store.StateReviseRequest, verdict, &diagnostics); err != nil {
					if sess.State.Terminal() {
						return err
					}
					return c.fail(sess, err)
				}
			}

		case store.StateCodegen:
			if err := c.materialize(runCtx, sess); err != nil {
				return c.fail(sess, err)
			}

		case store.StateValidate:
			result, err := c.gate.Validate(runCtx)
			if err != nil {
				return c.fail(sess, err)
			}
			// An abort that raced the validation run discards the result.
			if c.isAborted() {
				return nil
			}
			if result.Pass {
				sess.State = store.StateAwaitConfirm
				c.record(sess, store.StateValidate, "pass", nil, "")
				return c.db.UpdateSession(sess)
			}
			diagnostics = validate.Messages(result.Diagnostics)
			if err := c.attachDiagnostics(result.Diagnostics); err != nil {
				return err
			}
			c.record(sess, store.StateValidate, "fail", diagnosticNodeIDs(result.Diagnostics), firstLine(diagnostics))
			if err := c.failValidation(sess); err != nil {
				return err
			}

		default:
			return fmt.Errorf("session %s in unexpected state %s", sess.ID, sess.State)
		}
	}
}

// selfReview extracts the minimal context and asks the reviewer.
func (c *Controller) selfReview(ctx context.Context, sess *store.Session, diagnostics []string) (*review.Verdict, error) {
	changed, err := c.db.ChangedNodes()
	if err != nil {
		return nil, err
	}
	actedIDs := make([][]byte, 0, len(changed))
	actions := make([]graph.NodeChange, 0, len(changed))
	for _, n := range changed {
		actedIDs = append(actedIDs, n.ID)
		actions = append(actions, graph.NodeChange{
			ID:         n.ID,
			Kind:       n.Kind,
			Signature:  n.Signature,
			Action:     n.FutureAction,
			FutureCode: n.FutureCode,
		})
	}

	mctx, err := mincontext.Extract(c.db, actedIDs, c.cfg.ContextDepth)
	if err != nil {
		return nil, err
	}

	return c.reviewer.Review(ctx, review.Input{
		Request:     sess.Request,
		Actions:     actions,
		Context:     mctx,
		Diagnostics: diagnostics,
	})
}

// revise spends one round going back through REVISE_PLAN or
// REVISE_REQUEST. With replacement directives the previous future state
// is cleared and replanned; without them the standing proposal is kept
// for the next review round.
func (c *Controller) revise(sess *store.Session, via store.SessionState, verdict *review.Verdict, diagnostics *[]string) error {
	*diagnostics = nil

	if err := c.spendRound(sess, via, verdict); err != nil {
		return err
	}

	if via == store.StateReviseRequest {
		if verdict.RequestText != "" {
			sess.Request.Text = verdict.RequestText
		}
		sess.Request.Rev++
	}
	c.record(sess, via, string(verdict.Kind), nil, verdict.Note)

	if len(verdict.Directives) == 0 {
		sess.State = store.StateSelfReview
		sess.Materialized = false
		return c.db.UpdateSession(sess)
	}
	if err := c.db.ClearFuture(); err != nil {
		return err
	}
	return c.plan(sess, verdict.Directives)
}

// failValidation charges the round a failed validation consumed. The
// failed proposal stays in place, diagnostics attached, for the next
// review round to refine. A failure that spends the last round aborts
// right away: with no rounds left to revise, the gate must not run
// again.
func (c *Controller) failValidation(sess *store.Session) error {
	verdict := &review.Verdict{Kind: review.RefineSolution, Note: "validation failed"}
	if err := c.spendRound(sess, store.StateRevisePlan, verdict); err != nil {
		return err
	}
	if sess.Round >= c.cfg.MaxRounds {
		budgetErr := &graph.BudgetError{Rounds: sess.Round, Budget: c.cfg.MaxRounds}
		c.record(sess, store.StateRevisePlan, string(verdict.Kind), nil, budgetErr.Error())
		if err := c.abortSession(sess, budgetErr.Error()); err != nil {
			return err
		}
		return budgetErr
	}
	c.record(sess, store.StateRevisePlan, string(verdict.Kind), nil, verdict.Note)
	sess.State = store.StateSelfReview
	sess.Materialized = false
	return c.db.UpdateSession(sess)
}

// spendRound charges one round against the budget, aborting the session
// with a BudgetError when it is exhausted.
func (c *Controller) spendRound(sess *store.Session, via store.SessionState, verdict *review.Verdict) error {
	if sess.Round+1 > c.cfg.MaxRounds {
		budgetErr := &graph.BudgetError{Rounds: sess.Round, Budget: c.cfg.MaxRounds}
		c.record(sess, via, string(verdict.Kind), nil, budgetErr.Error())
		if err := c.abortSession(sess, budgetErr.Error()); err != nil {
			return err
		}
		return budgetErr
	}
	sess.Round++
	return nil
}

// materialize hands the changed nodes to the code generator.
func (c *Controller) materialize(ctx context.Context, sess *store.Session) error {
	changed, err := c.db.ChangedNodes()
	if err != nil {
		return err
	}
	if err := c.codegen.Materialize(ctx, changed); err != nil {
		return err
	}
	sess.Materialized = true
	sess.State = store.StateValidate
	c.record(sess, store.StateCodegen, "", nil, fmt.Sprintf("%d nodes materialized", len(changed)))
	return c.db.UpdateSession(sess)
}

// Refine applies a verdict supplied out of band (the CLI acting as
// reviewer) to the active session. It spends a round like any other
// revision.
func (c *Controller) Refine(sess *store.Session, verdict *review.Verdict) error {
	if sess.State.Terminal() {
		return fmt.Errorf("session %s already ended in %s", sess.ID, sess.State)
	}
	via := store.StateRevisePlan
	if verdict.Kind == review.RefineRequest {
		via = store.StateReviseRequest
	}
	var diagnostics []string
	return c.revise(sess, via, verdict, &diagnostics)
}

// Accept marks the standing proposal confident and moves the session to
// CODEGEN without consulting the reviewer.
func (c *Controller) Accept(sess *store.Session) error {
	if sess.State != store.StateSelfReview {
		return fmt.Errorf("session %s is in %s, not %s", sess.ID, sess.State, store.StateSelfReview)
	}
	sess.State = store.StateCodegen
	c.record(sess, store.StateSelfReview, string(review.Confident), nil, "accepted via cli")
	return c.db.UpdateSession(sess)
}

// StepValidate materializes the proposal if needed and runs the gate
// once. Pass parks the session at AWAIT_CONFIRM; fail attaches
// diagnostics, spends a round, and returns to SELF_REVIEW.
func (c *Controller) StepValidate(ctx context.Context, sess *store.Session) (*validate.Result, error) {
	switch sess.State {
	case store.StateCodegen, store.StateValidate:
	default:
		return nil, fmt.Errorf("session %s is in %s; accept the proposal first", sess.ID, sess.State)
	}

	if !sess.Materialized {
		if err := c.materialize(ctx, sess); err != nil {
			return nil, err
		}
	}

	result, err := c.gate.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if result.Pass {
		sess.State = store.StateAwaitConfirm
		c.record(sess, store.StateValidate, "pass", nil, "")
		return result, c.db.UpdateSession(sess)
	}

	diagnostics := validate.Messages(result.Diagnostics)
	if err := c.attachDiagnostics(result.Diagnostics); err != nil {
		return result, err
	}
	c.record(sess, store.StateValidate, "fail", diagnosticNodeIDs(result.Diagnostics), firstLine(diagnostics))
	return result, c.failValidation(sess)
}

// Confirm promotes the session at AWAIT_CONFIRM via the committer.
func (c *Controller) Confirm(ctx context.Context, committer Committer) (*graph.CommitEntry, error) {
	sess, err := c.db.ActiveSession()
	if err != nil {
		return nil, err
	}
	if sess.State != store.StateAwaitConfirm {
		return nil, fmt.Errorf("%w: session %s is in %s, not %s",
			graph.ErrCommitConflict, sess.ID, sess.State, store.StateAwaitConfirm)
	}
	if !sess.Materialized {
		return nil, fmt.Errorf("%w: session %s was never materialized", graph.ErrCommitConflict, sess.ID)
	}

	// A nil entry means nothing was promoted. A non-nil entry with an
	// error means the promotion stands but a post-commit step (git, or
	// the drift check) reported a problem; the session still ends in
	// COMMIT and the error is surfaced alongside the entry.
	entry, err := committer.Commit(ctx, sess)
	if entry == nil {
		return nil, err
	}
	sess.State = store.StateCommit
	c.record(sess, store.StateCommit, "", nil, "promoted as "+entry.ID)
	if updErr := c.db.UpdateSession(sess); updErr != nil {
		return entry, updErr
	}
	return entry, err
}

// Reject discards the proposal at AWAIT_CONFIRM and ends the session.
func (c *Controller) Reject() error {
	sess, err := c.db.ActiveSession()
	if err != nil {
		return err
	}
	if sess.State != store.StateAwaitConfirm {
		return fmt.Errorf("session %s is in %s, not %s", sess.ID, sess.State, store.StateAwaitConfirm)
	}
	return c.abortSession(sess, "rejected at confirmation")
}

// Abort cancels the active session from any non-terminal state. The
// baseline is untouched: all future state is cleared and any in-flight
// validation result is discarded.
func (c *Controller) Abort() error {
	sess, err := c.db.ActiveSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.aborted = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	return c.abortSession(sess, "aborted")
}

func (c *Controller) abortSession(sess *store.Session, note string) error {
	if err := c.db.ClearFuture(); err != nil {
		return err
	}
	return c.terminate(sess, store.StateAbort, note)
}

func (c *Controller) terminate(sess *store.Session, state store.SessionState, note string) error {
	sess.State = state
	c.record(sess, state, "", nil, note)
	return c.db.UpdateSession(sess)
}

// fail aborts the session on an unrecoverable collaborator error and
// returns the original error.
func (c *Controller) fail(sess *store.Session, cause error) error {
	if errors.Is(cause, context.Canceled) && c.isAborted() {
		return nil
	}
	if abortErr := c.abortSession(sess, cause.Error()); abortErr != nil {
		return fmt.Errorf("%w (abort also failed: %v)", cause, abortErr)
	}
	return cause
}

func (c *Controller) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Controller) record(sess *store.Session, state store.SessionState, verdict string, nodeIDs []string, note string) {
	sess.History = append(sess.History, store.HistoryEntry{
		Round:   sess.Round,
		State:   state,
		Verdict: verdict,
		NodeIDs: nodeIDs,
		Note:    note,
		At:      cas.NowMs(),
	})
}

func (c *Controller) attachDiagnostics(diags []validate.Diagnostic) error {
	byNode := make(map[string][]string)
	for _, d := range diags {
		if d.NodeID == "" {
			continue
		}
		byNode[d.NodeID] = append(byNode[d.NodeID], d.Message)
	}
	for hexID, messages := range byNode {
		id, err := cas.HexToBytes(hexID)
		if err != nil {
			continue
		}
		if err := c.db.AttachDiagnostics(id, messages); err != nil {
			return err
		}
	}
	return nil
}

func actedHexIDs(delta *graph.Delta) []string {
	ids := delta.ActedIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, cas.BytesToHex(id))
	}
	return out
}

func diagnosticNodeIDs(diags []validate.Diagnostic) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, d := range diags {
		if d.NodeID != "" && !seen[d.NodeID] {
			seen[d.NodeID] = true
			ids = append(ids, d.NodeID)
		}
	}
	return ids
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}
