// Package access issues just-in-time permission grants from approved
// requests. Grants are time-bounded, revocable, and every change to a grant
// is recorded in the audit ledger.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// ApprovalReader looks up approval requests.
// *approval.Workflow satisfies this interface.
type ApprovalReader interface {
	Get(ctx context.Context, id uuid.UUID) (*approval.Request, error)
}

// EventRecorder is an optional callback invoked after every persisted grant
// change with the ledger action.
type EventRecorder func(action string)

// Service contains the business logic of access grants.
type Service struct {
	approvals ApprovalReader
	store     Store
	now       func() time.Time
	onEvent   EventRecorder
	logger    *zap.Logger
}

// NewService creates a Service that reads approvals from approvals.
func NewService(approvals ApprovalReader, store Store, logger *zap.Logger) *Service {
	return &Service{approvals: approvals, store: store, now: time.Now, logger: logger}
}

// SetClock replaces the wall clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetEventRecorder configures the post-write callback.
func (s *Service) SetEventRecorder(fn EventRecorder) {
	s.onEvent = fn
}

// GrantFromApproval issues a grant of permissions to the subject of approved
// request requestID, valid for ttl. An approval yields at most one grant. The
// store rechecks the approval's status atomically with the write, so a
// request that is executed concurrently cannot also be granted.
func (s *Service) GrantFromApproval(ctx context.Context, requestID uuid.UUID, permissions []string, ttl time.Duration) (*Grant, error) {
	if len(permissions) == 0 {
		return nil, &ErrValidation{Msg: "at least one permission is required"}
	}
	for _, p := range permissions {
		if p == "" {
			return nil, &ErrValidation{Msg: "permissions must not be empty strings"}
		}
	}
	if ttl <= 0 {
		return nil, &ErrValidation{Msg: "ttl must be positive"}
	}

	req, err := s.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != approval.StatusApproved {
		return nil, fmt.Errorf("%w: status is %s", approval.ErrNotApproved, req.Status)
	}

	now := s.now().UTC()
	g := &Grant{
		ID:                uuid.New(),
		Subject:           req.SubjectID,
		Permissions:       append([]string(nil), permissions...),
		ApprovalRequestID: req.ID,
		ExpiresAt:         now.Add(ttl),
		CreatedAt:         now,
	}

	entry, err := s.store.Create(ctx, g, s.record(g, ledger.SystemActor, ActionGranted, map[string]any{
		"subject":             g.Subject,
		"permissions":         g.Permissions,
		"approval_request_id": g.ApprovalRequestID.String(),
		"expires_at":          g.ExpiresAt,
	}))
	if err != nil {
		return nil, fmt.Errorf("create access grant: %w", err)
	}

	s.logger.Info("access granted",
		zap.String("grant_id", g.ID.String()),
		zap.String("subject", g.Subject),
		zap.String("approval_request_id", g.ApprovalRequestID.String()),
		zap.Time("expires_at", g.ExpiresAt),
		zap.Int64("sequence", entry.Sequence),
	)
	s.emit(ActionGranted)
	return g, nil
}

// Revoke revokes grant id. Revoking an already revoked grant leaves it
// unchanged but is still recorded, flagged with already_revoked.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, revoker, reason string) (*Grant, error) {
	if revoker == "" {
		return nil, &ErrValidation{Msg: "revoker is required"}
	}

	lk, err := s.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	g, err := lk.Get(ctx)
	if err != nil {
		return nil, err
	}

	already := g.Revoked
	if !already {
		now := s.now().UTC()
		g.Revoked = true
		g.RevokedAt = &now
		g.RevokedBy = revoker
		g.RevokeReason = reason
	}

	entry, err := lk.Save(ctx, g, s.record(g, revoker, ActionRevoked, map[string]any{
		"reason":          reason,
		"already_revoked": already,
	}))
	if err != nil {
		return nil, fmt.Errorf("revoke access grant: %w", err)
	}

	s.logger.Info("access revoked",
		zap.String("grant_id", g.ID.String()),
		zap.String("revoker", revoker),
		zap.Bool("already_revoked", already),
		zap.Int64("sequence", entry.Sequence),
	)
	s.emit(ActionRevoked)
	return g, nil
}

// IsActive reports whether grant id is unrevoked and not past its expiry.
func (s *Service) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return g.ActiveAt(s.now()), nil
}

// Get returns grant id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns the grants of subject that are active now.
func (s *Service) ListActive(ctx context.Context, subject string) ([]*Grant, error) {
	if subject == "" {
		return nil, &ErrValidation{Msg: "subject is required"}
	}
	return s.store.ListActive(ctx, subject, s.now().UTC())
}

func (s *Service) record(g *Grant, actor, action string, changes map[string]any) ledger.Record {
	return ledger.Record{
		Actor:       actor,
		Action:      action,
		SubjectType: SubjectType,
		SubjectID:   g.ID.String(),
		Changes:     changes,
	}
}

func (s *Service) emit(action string) {
	if s.onEvent != nil {
		s.onEvent(action)
	}
}
