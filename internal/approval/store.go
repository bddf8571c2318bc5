package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// Store persists approval requests. Every write is paired with exactly one
// ledger record: both land or neither does.
// *MemoryStore and *PostgresStore satisfy this interface.
type Store interface {
	// Create inserts r and appends rec.
	Create(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error)

	// Get returns the stored request or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Request, error)

	// List returns requests newest first.
	List(ctx context.Context, f ListFilter) ([]*Request, error)

	// Lock gives exclusive read-modify-write access to request id.
	Lock(ctx context.Context, id uuid.UUID) (Locked, error)
}

// Locked is exclusive access to one request, obtained from Store.Lock.
// Release must be called once the caller is done; it is safe to call twice.
type Locked interface {
	// Get returns the stored request or ErrNotFound.
	Get(ctx context.Context) (*Request, error)

	// Save overwrites the stored request with r and appends rec.
	Save(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error)

	Release()
}
