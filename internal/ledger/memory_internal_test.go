package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seeded(t *testing.T, n int) *MemoryLedger {
	t.Helper()
	l := New()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), "alice", "record.touched", "record", "r1", map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func brokenAt(t *testing.T, l *MemoryLedger, from, to int64) (int64, BreakReason) {
	t.Helper()
	res, err := l.Verify(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt == nil {
		t.Fatalf("expected a broken chain, got %+v", res)
	}
	return *res.BrokenAt, res.Reason
}

func TestVerify_detectsEditedField(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(e *Entry)
		reason BreakReason
	}{
		{"sequence", func(e *Entry) { e.Sequence += 100 }, ReasonSequenceGap},
		{"timestamp", func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) }, ReasonDigestMismatch},
		{"actor", func(e *Entry) { e.Actor = "mallory" }, ReasonDigestMismatch},
		{"subject type", func(e *Entry) { e.SubjectType = "dataset" }, ReasonDigestMismatch},
		{"subject id", func(e *Entry) { e.SubjectID = "r2" }, ReasonDigestMismatch},
		{"action", func(e *Entry) { e.Action = "record.deleted" }, ReasonDigestMismatch},
		{"changes", func(e *Entry) { e.Changes = []byte(`{"i":99}`) }, ReasonDigestMismatch},
		{"previous digest", func(e *Entry) { e.PreviousDigest = GenesisDigest[:63] + "1" }, ReasonDigestMismatch},
		{"digest", func(e *Entry) { e.Digest = GenesisDigest }, ReasonDigestMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k := 1; k <= 5; k++ {
				l := seeded(t, 5)
				tt.edit(l.entries[k-1])

				at, reason := brokenAt(t, l, 1, 0)
				if at != int64(k) || reason != tt.reason {
					t.Errorf("edit at %d: broken at %d (%s), want %d (%s)", k, at, reason, k, tt.reason)
				}
			}
		})
	}
}

func TestVerify_detectsRehashedEntry(t *testing.T) {
	// An attacker who edits entry 3 and recomputes its digest still breaks
	// the link from entry 4.
	l := seeded(t, 5)
	l.entries[2].Actor = "mallory"
	l.entries[2].Digest = Digest(l.entries[2])

	at, reason := brokenAt(t, l, 1, 0)
	if at != 4 || reason != ReasonPreviousDigestMismatch {
		t.Errorf("broken at %d (%s), want 4 (previous_digest_mismatch)", at, reason)
	}
}

func TestVerify_detectsDeletedEntry(t *testing.T) {
	l := seeded(t, 5)
	l.entries = append(l.entries[:2:2], l.entries[3:]...)

	at, reason := brokenAt(t, l, 1, 0)
	if at != 3 || reason != ReasonSequenceGap {
		t.Errorf("broken at %d (%s), want 3 (sequence_gap)", at, reason)
	}
}

func TestVerify_detectsSwappedEntries(t *testing.T) {
	l := seeded(t, 5)
	l.entries[1], l.entries[2] = l.entries[2], l.entries[1]

	at, reason := brokenAt(t, l, 1, 0)
	if at != 2 || reason != ReasonSequenceGap {
		t.Errorf("broken at %d (%s), want 2 (sequence_gap)", at, reason)
	}
}

func TestVerify_subRangeAnchoredOnPriorEntry(t *testing.T) {
	l := seeded(t, 6)
	l.entries[3].PreviousDigest = GenesisDigest
	l.entries[3].Digest = Digest(l.entries[3])

	at, reason := brokenAt(t, l, 4, 6)
	if at != 4 || reason != ReasonPreviousDigestMismatch {
		t.Errorf("broken at %d (%s), want 4 (previous_digest_mismatch)", at, reason)
	}
}

// flakyAllocator loses the commit race a fixed number of times.
type flakyAllocator struct {
	*SequenceAllocator
	failures int
	commits  int
}

func (f *flakyAllocator) Commit(sequence int64, digest string) error {
	f.commits++
	if f.failures > 0 {
		f.failures--
		return ErrOutOfOrderCommit
	}
	return f.SequenceAllocator.Commit(sequence, digest)
}

func TestAppend_retriesOutOfOrderCommit(t *testing.T) {
	alloc := &flakyAllocator{SequenceAllocator: NewSequenceAllocator(), failures: MaxAppendAttempts - 1}
	l := newMemoryLedger(alloc)

	var attempts int
	l.SetAppendObserver(func(_ *Entry, n int) { attempts = n })

	e, err := l.Append(context.Background(), "alice", "x.y", "t", "1", nil)
	if err != nil {
		t.Fatalf("append should succeed on the last attempt: %v", err)
	}
	if e.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", e.Sequence)
	}
	if attempts != MaxAppendAttempts {
		t.Errorf("attempts: got %d, want %d", attempts, MaxAppendAttempts)
	}
}

func TestAppend_retryBudgetExhausted(t *testing.T) {
	alloc := &flakyAllocator{SequenceAllocator: NewSequenceAllocator(), failures: MaxAppendAttempts}
	l := newMemoryLedger(alloc)

	_, err := l.Append(context.Background(), "alice", "x.y", "t", "1", nil)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("got %v, want ErrLedgerUnavailable", err)
	}
	if errors.Is(err, ErrOutOfOrderCommit) {
		t.Error("ErrOutOfOrderCommit must not leak to callers")
	}
	if alloc.commits != MaxAppendAttempts {
		t.Errorf("commit attempts: got %d, want %d", alloc.commits, MaxAppendAttempts)
	}
	if len(l.entries) != 0 {
		t.Errorf("failed append left %d entries behind", len(l.entries))
	}
}

func TestAppend_cancelledContext(t *testing.T) {
	l := New()
	c, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Append(c, "alice", "x.y", "t", "1", nil); !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("got %v, want ErrLedgerUnavailable", err)
	}
}
