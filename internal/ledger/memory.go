package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// allocator is the reserve/commit contract MemoryLedger appends through.
// *SequenceAllocator satisfies it.
type allocator interface {
	Reserve() Reservation
	Commit(sequence int64, digest string) error
}

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	// writeMu admits one entry at a time into the chain.
	writeMu sync.Mutex
	alloc   allocator

	mu      sync.RWMutex
	entries []*Entry // entries[i].Sequence == i+1

	onAppend AppendObserver
	logger   *zap.Logger
}

// New creates an empty MemoryLedger.
func New() *MemoryLedger {
	return newMemoryLedger(NewSequenceAllocator())
}

func newMemoryLedger(a allocator) *MemoryLedger {
	return &MemoryLedger{alloc: a, logger: zap.NewNop()}
}

// SetLogger replaces the no-op logger.
func (l *MemoryLedger) SetLogger(logger *zap.Logger) {
	l.logger = logger
}

// SetAppendObserver configures the post-append callback.
func (l *MemoryLedger) SetAppendObserver(fn AppendObserver) {
	l.onAppend = fn
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, actor, action, subjectType, subjectID string, changes any) (*Entry, error) {
	rec := Record{Actor: actor, Action: action, SubjectType: subjectType, SubjectID: subjectID, Changes: changes}
	if err := rec.validate(); err != nil {
		return nil, err
	}
	canon, err := Canonicalize(changes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for attempt := 1; attempt <= MaxAppendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, unavailable("append", err)
		}

		entry := newEntry(l.alloc.Reserve(), rec, canon, time.Now())
		if err := l.alloc.Commit(entry.Sequence, entry.Digest); err != nil {
			if errors.Is(err, ErrOutOfOrderCommit) {
				l.logger.Debug("ledger commit lost race, retrying",
					zap.Int64("sequence", entry.Sequence),
					zap.Int("attempt", attempt),
				)
				continue
			}
			return nil, unavailable("commit", err)
		}

		l.mu.Lock()
		l.entries = append(l.entries, entry)
		l.mu.Unlock()

		if l.onAppend != nil {
			l.onAppend(entry, attempt)
		}
		return entry.clone(), nil
	}

	l.logger.Error("ledger append retries exhausted", zap.String("action", action))
	return nil, fmt.Errorf("%w: commit lost %d times in a row", ErrLedgerUnavailable, MaxAppendAttempts)
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, sequence int64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence < 1 || sequence > int64(len(l.entries)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, sequence)
	}
	return l.entries[sequence-1].clone(), nil
}

// Range implements Ledger.
func (l *MemoryLedger) Range(_ context.Context, from, to int64) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	from, to = l.clamp(from, to)
	out := make([]*Entry, 0, max(to-from+1, 0))
	for seq := from; seq <= to; seq++ {
		out = append(out, l.entries[seq-1].clone())
	}
	return out, nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context, from, to int64) (VerificationResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	from, to = l.clamp(from, to)
	if from > to {
		return emptyResult(from, to), nil
	}

	prev := GenesisDigest
	if from > 1 {
		prev = l.entries[from-2].Digest
	}
	w := newChainWalker(from, to, prev)
	for seq := from; seq <= to; seq++ {
		if !w.step(l.entries[seq-1]) {
			break
		}
	}
	return w.finish(), nil
}

// Tail implements Ledger.
func (l *MemoryLedger) Tail(_ context.Context) (Tail, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Tail{Sequence: 0, Digest: GenesisDigest}, nil
	}
	last := l.entries[len(l.entries)-1]
	return Tail{Sequence: last.Sequence, Digest: last.Digest}, nil
}

// clamp bounds [from, to] to the stored entries. Callers hold l.mu.
func (l *MemoryLedger) clamp(from, to int64) (int64, int64) {
	n := int64(len(l.entries))
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > n {
		to = n
	}
	return from, to
}
