// Package approval implements the M-of-N quorum approval workflow that gates
// sensitive actions. Every state transition is recorded in the audit ledger
// in the same write as the state change itself.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

const defaultListLimit = 50

// persistTimeout bounds the writes that record an action which already ran.
// They run detached from the caller's context.
const persistTimeout = 10 * time.Second

// ActionFunc performs the gated action of an approved request. Its result is
// stored on the request and recorded in the ledger.
type ActionFunc func(ctx context.Context, r *Request) (any, error)

// TransitionRecorder is an optional callback invoked after every persisted
// transition with the ledger action and the resulting status.
type TransitionRecorder func(action string, status Status)

// Workflow contains the business logic of approval requests.
type Workflow struct {
	store        Store
	now          func() time.Time
	onTransition TransitionRecorder
	forbidSelf   bool
	logger       *zap.Logger
}

// NewWorkflow creates a Workflow backed by store.
func NewWorkflow(store Store, logger *zap.Logger) *Workflow {
	return &Workflow{store: store, now: time.Now, logger: logger}
}

// SetClock replaces the wall clock. Used by tests to move past deadlines.
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// SetForbidSelfDecision makes Decide refuse votes cast by the request's own
// requester with ErrSelfDecision. Off by default.
func (w *Workflow) SetForbidSelfDecision(forbid bool) {
	w.forbidSelf = forbid
}

// SetTransitionRecorder configures the post-transition callback.
func (w *Workflow) SetTransitionRecorder(fn TransitionRecorder) {
	w.onTransition = fn
}

// Create opens a new pending request that expires after req.TTL.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	switch {
	case req.Requester == "":
		return nil, &ErrValidation{Msg: "requester is required"}
	case req.Action == "":
		return nil, &ErrValidation{Msg: "action is required"}
	case req.RequiredApprovals < 1:
		return nil, &ErrValidation{Msg: "required_approvals must be at least 1"}
	case req.TTL <= 0:
		return nil, &ErrValidation{Msg: "ttl must be positive"}
	}

	details, err := ledger.Canonicalize(req.Details)
	if err != nil {
		return nil, &ErrValidation{Msg: "details: " + err.Error()}
	}

	now := w.now().UTC()
	r := &Request{
		ID:                uuid.New(),
		Requester:         req.Requester,
		Action:            req.Action,
		SubjectType:       req.SubjectType,
		SubjectID:         req.SubjectID,
		Details:           details,
		RequiredApprovals: req.RequiredApprovals,
		Decisions:         []Decision{},
		Status:            StatusPending,
		ExpiresAt:         now.Add(req.TTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	entry, err := w.store.Create(ctx, r, w.record(r, r.Requester, ActionCreated, map[string]any{
		"action":             r.Action,
		"subject_type":       r.SubjectType,
		"subject_id":         r.SubjectID,
		"details":            r.Details,
		"required_approvals": r.RequiredApprovals,
		"expires_at":         r.ExpiresAt,
	}))
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	w.transitioned(ActionCreated, r, entry)
	return r, nil
}

// Decide records approver's vote on request id and recomputes its status.
func (w *Workflow) Decide(ctx context.Context, id uuid.UUID, approver string, approved bool, reason string) (*Request, error) {
	if approver == "" {
		return nil, &ErrValidation{Msg: "approver is required"}
	}

	lk, err := w.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	r, err := w.loadLocked(ctx, lk)
	if err != nil {
		return nil, err
	}

	switch {
	case r.Status == StatusExpired:
		return nil, ErrExpired
	case r.Status != StatusPending:
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyTerminal, r.Status)
	case w.forbidSelf && approver == r.Requester:
		return nil, ErrSelfDecision
	}

	now := w.now().UTC()
	r.upsertDecision(Decision{Approver: approver, Approved: approved, Reason: reason, DecidedAt: now})
	r.Status = r.tally()
	r.UpdatedAt = now

	entry, err := lk.Save(ctx, r, w.record(r, approver, ActionDecided, map[string]any{
		"approver":  approver,
		"approved":  approved,
		"reason":    reason,
		"approvals": r.Approvals(),
		"required":  r.RequiredApprovals,
		"status":    r.Status,
	}))
	if err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}

	w.transitioned(ActionDecided, r, entry)
	return r, nil
}

// Execute runs action for an approved request. The request lock is held
// across the call so the action runs at most once per approval.
//
// On success the request becomes executed. On failure it stays approved, the
// failure is recorded and an *ExecutionError is returned. Once action has
// returned, the outcome is recorded even if ctx is cancelled.
func (w *Workflow) Execute(ctx context.Context, id uuid.UUID, executor string, action ActionFunc) (*Request, error) {
	if executor == "" {
		return nil, &ErrValidation{Msg: "executor is required"}
	}

	lk, err := w.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	r, err := w.loadLocked(ctx, lk)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusApproved {
		return nil, fmt.Errorf("%w: status is %s", ErrNotApproved, r.Status)
	}

	result, actionErr := action(ctx, r.clone())
	now := w.now().UTC()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if actionErr != nil {
		execErr := &ExecutionError{RequestID: r.ID, Err: actionErr}
		r.UpdatedAt = now
		entry, err := lk.Save(pctx, r, w.record(r, executor, ActionExecutionFailed, map[string]any{
			"executor": executor,
			"error":    actionErr.Error(),
		}))
		if err != nil {
			w.logger.Error("failed to record execution failure",
				zap.String("request_id", r.ID.String()), zap.Error(err))
			return nil, errors.Join(execErr, err)
		}
		w.transitioned(ActionExecutionFailed, r, entry)
		return nil, execErr
	}

	res, err := ledger.Canonicalize(result)
	if err != nil {
		res, _ = ledger.Canonicalize(fmt.Sprint(result))
	}
	r.Status = StatusExecuted
	r.ExecutedAt = &now
	r.ExecutedBy = executor
	r.ExecutionResult = res
	r.UpdatedAt = now

	entry, err := lk.Save(pctx, r, w.record(r, executor, ActionExecuted, map[string]any{
		"executor": executor,
		"result":   res,
	}))
	if err != nil {
		// The action already ran; it is not retried automatically.
		w.logger.Error("gated action ran but its execution could not be recorded",
			zap.String("request_id", r.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("record execution: %w", err)
	}

	w.transitioned(ActionExecuted, r, entry)
	return r, nil
}

// Get returns request id. A pending request read past its deadline is
// transitioned to expired first.
func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	r, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.pastDeadline(w.now()) {
		return r, nil
	}

	lk, err := w.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lk.Release()
	return w.loadLocked(ctx, lk)
}

// List returns requests matching f, newest first. Overdue pending requests
// are expired on the way out.
func (w *Workflow) List(ctx context.Context, f ListFilter) ([]*Request, error) {
	rs, err := w.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	now := w.now()
	for i, r := range rs {
		if !r.pastDeadline(now) {
			continue
		}
		fresh, err := w.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		rs[i] = fresh
	}
	return rs, nil
}

// loadLocked reads the locked request and persists a lazy expiry.
func (w *Workflow) loadLocked(ctx context.Context, lk Locked) (*Request, error) {
	r, err := lk.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	if !r.pastDeadline(now) {
		return r, nil
	}

	r.Status = StatusExpired
	r.UpdatedAt = now
	entry, err := lk.Save(ctx, r, w.record(r, ledger.SystemActor, ActionExpired, map[string]any{
		"expires_at": r.ExpiresAt,
		"approvals":  r.Approvals(),
		"required":   r.RequiredApprovals,
		"status":     r.Status,
	}))
	if err != nil {
		return nil, fmt.Errorf("record expiry: %w", err)
	}
	w.transitioned(ActionExpired, r, entry)
	return r, nil
}

func (w *Workflow) record(r *Request, actor, action string, changes map[string]any) ledger.Record {
	return ledger.Record{
		Actor:       actor,
		Action:      action,
		SubjectType: SubjectType,
		SubjectID:   r.ID.String(),
		Changes:     changes,
	}
}

func (w *Workflow) transitioned(action string, r *Request, entry *ledger.Entry) {
	w.logger.Info("approval transition",
		zap.String("request_id", r.ID.String()),
		zap.String("ledger_action", action),
		zap.String("status", string(r.Status)),
		zap.Int64("sequence", entry.Sequence),
	)
	if w.onTransition != nil {
		w.onTransition(action, r.Status)
	}
}
