package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a single immutable record in the audit ledger.
type Entry struct {
	Sequence       int64           `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	Actor          string          `json:"actor"`
	SubjectType    string          `json:"subject_type"`
	SubjectID      string          `json:"subject_id"`
	Action         string          `json:"action"` // e.g. approval.decided, config.changed
	Changes        json.RawMessage `json:"changes"`
	PreviousDigest string          `json:"previous_digest"`
	Digest         string          `json:"digest"`
}

// Record is the caller-supplied part of an entry.
type Record struct {
	Actor       string
	Action      string
	SubjectType string
	SubjectID   string
	Changes     any
}

func (r Record) validate() error {
	if r.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidRecord)
	}
	if r.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRecord)
	}
	return nil
}

// Tail identifies the head of the chain.
type Tail struct {
	Sequence int64  `json:"sequence"`
	Digest   string `json:"digest"`
}

// BreakReason names the check that failed during verification.
type BreakReason string

const (
	ReasonDigestMismatch         BreakReason = "digest_mismatch"
	ReasonPreviousDigestMismatch BreakReason = "previous_digest_mismatch"
	ReasonSequenceGap            BreakReason = "sequence_gap"
)

// VerificationResult reports the outcome of replaying a range of the chain.
type VerificationResult struct {
	Valid    bool        `json:"valid"`
	BrokenAt *int64      `json:"broken_at"`
	Reason   BreakReason `json:"reason,omitempty"`
	From     int64       `json:"from"`
	To       int64       `json:"to"`
	Checked  int64       `json:"checked"`
}

// Err returns nil for a valid result and an error wrapping ErrChainBroken
// otherwise.
func (r VerificationResult) Err() error {
	if r.Valid || r.BrokenAt == nil {
		return nil
	}
	return fmt.Errorf("%w at sequence %d: %s", ErrChainBroken, *r.BrokenAt, r.Reason)
}

// newEntry builds and hashes the entry for a reservation. The timestamp is
// truncated to microseconds, the resolution Postgres stores.
func newEntry(res Reservation, rec Record, changes json.RawMessage, now time.Time) *Entry {
	e := &Entry{
		Sequence:       res.Sequence,
		Timestamp:      now.UTC().Truncate(time.Microsecond),
		Actor:          rec.Actor,
		SubjectType:    rec.SubjectType,
		SubjectID:      rec.SubjectID,
		Action:         rec.Action,
		Changes:        changes,
		PreviousDigest: res.PreviousDigest,
	}
	e.Digest = Digest(e)
	return e
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Changes = append(json.RawMessage(nil), e.Changes...)
	return &cp
}
