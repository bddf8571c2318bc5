package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// Store persists grants. Every write is paired with exactly one ledger record.
// *MemoryStore and *PostgresStore satisfy this interface.
type Store interface {
	// Create inserts g and appends rec. The referenced approval request must
	// still be approved when the write lands, otherwise approval.ErrNotApproved
	// is returned. It returns ErrAlreadyGranted when a grant already
	// references g.ApprovalRequestID.
	Create(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error)

	// Get returns the stored grant or ErrGrantNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Grant, error)

	// ListActive returns the grants of subject active at now, soonest expiry first.
	ListActive(ctx context.Context, subject string, now time.Time) ([]*Grant, error)

	// Lock gives exclusive read-modify-write access to grant id.
	Lock(ctx context.Context, id uuid.UUID) (Locked, error)
}

// Locked is exclusive access to one grant, obtained from Store.Lock.
type Locked interface {
	// Get returns the stored grant or ErrGrantNotFound.
	Get(ctx context.Context) (*Grant, error)

	// Save overwrites the stored grant with g and appends rec.
	Save(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error)

	Release()
}
