package access

import (
	"time"

	"github.com/google/uuid"
)

// SubjectType is the ledger subject type of grant entries.
const SubjectType = "access_grant"

// ActionPrefix namespaces every ledger action written by the service.
const ActionPrefix = "access."

// Ledger actions written by the service.
const (
	ActionGranted = "access.granted"
	ActionRevoked = "access.revoked"
)

// Grant is a time-bounded permission grant issued from an approved request.
type Grant struct {
	ID                uuid.UUID  `json:"id"`
	Subject           string     `json:"subject"`
	Permissions       []string   `json:"permissions"`
	ApprovalRequestID uuid.UUID  `json:"approval_request_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Revoked           bool       `json:"revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedBy         string     `json:"revoked_by,omitempty"`
	RevokeReason      string     `json:"revoke_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ActiveAt reports whether the grant confers its permissions at t.
// A grant is active up to and including its expiry instant.
func (g *Grant) ActiveAt(t time.Time) bool {
	return !g.Revoked && !t.After(g.ExpiresAt)
}

func (g *Grant) clone() *Grant {
	cp := *g
	cp.Permissions = append([]string(nil), g.Permissions...)
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
