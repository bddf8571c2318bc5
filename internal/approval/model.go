package approval

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// SubjectType is the ledger subject type of every entry written for a request.
const SubjectType = "approval_request"

// ActionPrefix namespaces every ledger action written by the workflow.
const ActionPrefix = "approval."

// Ledger actions written by the workflow.
const (
	ActionCreated         = "approval.created"
	ActionDecided         = "approval.decided"
	ActionExpired         = "approval.expired"
	ActionExecuted        = "approval.executed"
	ActionExecutionFailed = "approval.execution_failed"
)

// Decision is one approver's vote. An approver has at most one decision per
// request; deciding again replaces the earlier vote in place.
type Decision struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Request is an M-of-N approval request gating a sensitive action.
type Request struct {
	ID                uuid.UUID       `json:"id"`
	Requester         string          `json:"requester"`
	Action            string          `json:"action"`
	SubjectType       string          `json:"subject_type"`
	SubjectID         string          `json:"subject_id"`
	Details           json.RawMessage `json:"details"`
	RequiredApprovals int             `json:"required_approvals"`
	Decisions         []Decision      `json:"decisions"`
	Status            Status          `json:"status"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	ExecutedBy        string          `json:"executed_by,omitempty"`
	ExecutionResult   json.RawMessage `json:"execution_result,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Approvals counts the approving decisions.
func (r *Request) Approvals() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Approved {
			n++
		}
	}
	return n
}

// pastDeadline reports whether a pending request should be treated as expired at now.
func (r *Request) pastDeadline(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// upsertDecision records d, replacing any earlier decision by the same approver.
func (r *Request) upsertDecision(d Decision) {
	for i := range r.Decisions {
		if r.Decisions[i].Approver == d.Approver {
			r.Decisions[i] = d
			return
		}
	}
	r.Decisions = append(r.Decisions, d)
}

// tally recomputes the status from the decisions. A single veto rejects the
// request; otherwise it is approved once the approvals reach the quorum.
func (r *Request) tally() Status {
	for _, d := range r.Decisions {
		if !d.Approved {
			return StatusRejected
		}
	}
	if r.Approvals() >= r.RequiredApprovals {
		return StatusApproved
	}
	return StatusPending
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Details = append(json.RawMessage(nil), r.Details...)
	cp.Decisions = append([]Decision(nil), r.Decisions...)
	if r.ExecutionResult != nil {
		cp.ExecutionResult = append(json.RawMessage(nil), r.ExecutionResult...)
	}
	if r.ExecutedAt != nil {
		t := *r.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// CreateRequest holds the caller-supplied fields of a new approval request.
type CreateRequest struct {
	Requester         string
	Action            string
	SubjectType       string
	SubjectID         string
	Details           any
	RequiredApprovals int
	TTL               time.Duration
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status    Status
	Requester string
	Limit     int
	Offset    int
}
