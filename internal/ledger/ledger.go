// Package ledger implements the tamper-evident, append-only audit ledger.
//
// Every entry carries the digest of its predecessor, so the entries form a
// hash chain rooted at GenesisDigest (64 hex zeros). Any retroactive edit,
// deletion or reordering breaks the chain and is reported by Verify.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for tests and single-process deployments.
//   - PostgresLedger: durable, for production use.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// MaxAppendAttempts bounds how many times Append retries after losing the
// reserve/commit race before reporting ErrLedgerUnavailable.
const MaxAppendAttempts = 5

// SystemActor is recorded as the actor of entries the system writes on its
// own behalf (lazy expiry, grant issuance).
const SystemActor = "quorum-system"

var (
	// ErrOutOfOrderCommit is returned by a SequenceAllocator when another
	// writer advanced the tail between Reserve and Commit. Append retries it
	// internally; it never reaches callers of the Ledger interface.
	ErrOutOfOrderCommit = errors.New("out-of-order ledger commit")

	// ErrLedgerUnavailable is returned when the persistence layer fails or
	// the append retry budget is exhausted.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrChainBroken wraps a failed VerificationResult when the caller asks
	// for it as an error via VerificationResult.Err.
	ErrChainBroken = errors.New("ledger chain broken")

	// ErrEntryNotFound is returned by Get for an unknown sequence number.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidRecord is returned by Append when actor or action is empty.
	ErrInvalidRecord = errors.New("invalid ledger record")
)

// Ledger is the append-only audit log.
// Both MemoryLedger and PostgresLedger implement this interface.
type Ledger interface {
	// Append chains a new entry onto the tail and returns it.
	// changes is serialised canonically before hashing.
	Append(ctx context.Context, actor, action, subjectType, subjectID string, changes any) (*Entry, error)

	// Get returns the entry with the given sequence number.
	Get(ctx context.Context, sequence int64) (*Entry, error)

	// Range returns the entries in [from, to] in ascending order.
	// to <= 0 means "up to the current tail".
	Range(ctx context.Context, from, to int64) ([]*Entry, error)

	// Verify replays the chain over [from, to] and reports the first broken
	// link. A broken chain is reported in the result, never as an error.
	Verify(ctx context.Context, from, to int64) (VerificationResult, error)

	// Tail returns the sequence number and digest of the most recent entry.
	Tail(ctx context.Context) (Tail, error)
}

// AppendObserver is an optional callback invoked after every successful
// append with the number of attempts it took.
type AppendObserver func(e *Entry, attempts int)

// AppendRecord is a convenience wrapper that appends rec to l.
func AppendRecord(ctx context.Context, l Ledger, rec Record) (*Entry, error) {
	return l.Append(ctx, rec.Actor, rec.Action, rec.SubjectType, rec.SubjectID, rec.Changes)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}
