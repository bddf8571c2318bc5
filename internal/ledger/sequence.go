package ledger

import (
	"fmt"
	"sync"
)

// Reservation is the (sequence, previous digest) pair handed to a writer
// about to build the next entry.
type Reservation struct {
	Sequence       int64
	PreviousDigest string
}

// SequenceAllocator owns the in-memory tail of the chain. Reserve hands out
// the next slot; Commit advances the tail and fails with ErrOutOfOrderCommit
// if another writer committed that slot first.
type SequenceAllocator struct {
	mu         sync.Mutex
	last       int64
	lastDigest string
}

// NewSequenceAllocator returns an allocator for an empty chain.
func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{lastDigest: GenesisDigest}
}

// Reserve returns (1, GenesisDigest) for an empty chain and
// (last+1, lastDigest) otherwise.
func (a *SequenceAllocator) Reserve() Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Reservation{Sequence: a.last + 1, PreviousDigest: a.lastDigest}
}

// Commit records (sequence, digest) as the new tail.
func (a *SequenceAllocator) Commit(sequence int64, digest string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sequence != a.last+1 {
		return fmt.Errorf("%w: sequence %d, tail is %d", ErrOutOfOrderCommit, sequence, a.last)
	}
	a.last = sequence
	a.lastDigest = digest
	return nil
}

// Tail returns the last committed sequence and digest.
func (a *SequenceAllocator) Tail() Tail {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Tail{Sequence: a.last, Digest: a.lastDigest}
}
