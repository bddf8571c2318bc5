package client

import (
	"encoding/json"
	"time"
)

// Entry is a ledger entry.
type Entry struct {
	Sequence       int64           `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	Actor          string          `json:"actor"`
	SubjectType    string          `json:"subject_type"`
	SubjectID      string          `json:"subject_id"`
	Action         string          `json:"action"`
	Changes        json.RawMessage `json:"changes"`
	PreviousDigest string          `json:"previous_digest"`
	Digest         string          `json:"digest"`
}

// Overview is the chain summary returned by GET /ledger.
type Overview struct {
	Entries    int64  `json:"entries"`
	TailDigest string `json:"tail_digest"`
	Genesis    string `json:"genesis"`
}

// EntryPage is one page of a ledger range. NextFrom is 0 on the last page.
type EntryPage struct {
	Entries  []Entry `json:"entries"`
	From     int64   `json:"from"`
	To       int64   `json:"to"`
	NextFrom int64   `json:"next_from,omitempty"`
}

// VerificationResult reports the outcome of replaying a range of the chain.
type VerificationResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt *int64 `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Checked  int64  `json:"checked"`
}

// AppendRequest is the payload for Append. The actor is the caller.
type AppendRequest struct {
	Action      string `json:"action"`
	SubjectType string `json:"subject_type,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	Changes     any    `json:"changes,omitempty"`
}

// Decision is one approver's vote.
type Decision struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ApprovalRequest is an approval request as returned by the server.
type ApprovalRequest struct {
	ID                string          `json:"id"`
	Requester         string          `json:"requester"`
	Action            string          `json:"action"`
	SubjectType       string          `json:"subject_type"`
	SubjectID         string          `json:"subject_id"`
	Details           json.RawMessage `json:"details"`
	RequiredApprovals int             `json:"required_approvals"`
	Decisions         []Decision      `json:"decisions"`
	Status            string          `json:"status"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	ExecutedBy        string          `json:"executed_by,omitempty"`
	ExecutionResult   json.RawMessage `json:"execution_result,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CreateApprovalRequest is the payload for CreateApproval. The requester is the caller.
type CreateApprovalRequest struct {
	Action            string `json:"action"`
	SubjectType       string `json:"subject_type,omitempty"`
	SubjectID         string `json:"subject_id,omitempty"`
	Details           any    `json:"details,omitempty"`
	RequiredApprovals int    `json:"required_approvals"`
	TTLSeconds        int64  `json:"ttl_seconds,omitempty"`
}

// ListApprovalsOptions filters ListApprovals.
type ListApprovalsOptions struct {
	Status    string
	Requester string
	Limit     int
	Offset    int
}

// Grant is a JIT access grant.
type Grant struct {
	ID                string     `json:"id"`
	Subject           string     `json:"subject"`
	Permissions       []string   `json:"permissions"`
	ApprovalRequestID string     `json:"approval_request_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Revoked           bool       `json:"revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedBy         string     `json:"revoked_by,omitempty"`
	RevokeReason      string     `json:"revoke_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// GrantStatus is a grant plus whether it is active now.
type GrantStatus struct {
	Grant  Grant `json:"grant"`
	Active bool  `json:"active"`
}
