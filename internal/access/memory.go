package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/keylock"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	ledger    ledger.Ledger
	approvals approval.Store
	locks     *keylock.Map

	mu         sync.RWMutex
	grants     map[uuid.UUID]*Grant
	byApproval map[uuid.UUID]uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore that records into l. Grant
// writes hold the approval's lock in approvals while they recheck its status.
func NewMemoryStore(l ledger.Ledger, approvals approval.Store) *MemoryStore {
	return &MemoryStore{
		ledger:     l,
		approvals:  approvals,
		locks:      keylock.New(),
		grants:     make(map[uuid.UUID]*Grant),
		byApproval: make(map[uuid.UUID]uuid.UUID),
	}
}

// Create implements Store. The uniqueness check and the write happen under
// one lock so two grants can never race onto the same approval.
func (s *MemoryStore) Create(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error) {
	lk, err := s.approvals.Lock(ctx, g.ApprovalRequestID)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	req, err := lk.Get(ctx)
	if err != nil {
		return nil, err
	}
	if req.Status != approval.StatusApproved {
		return nil, fmt.Errorf("%w: status is %s", approval.ErrNotApproved, req.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byApproval[g.ApprovalRequestID]; ok {
		return nil, ErrAlreadyGranted
	}
	entry, err := ledger.AppendRecord(ctx, s.ledger, rec)
	if err != nil {
		return nil, err
	}
	s.grants[g.ID] = g.clone()
	s.byApproval[g.ApprovalRequestID] = g.ID
	return entry, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return g.clone(), nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(_ context.Context, subject string, now time.Time) ([]*Grant, error) {
	s.mu.RLock()
	out := make([]*Grant, 0)
	for _, g := range s.grants {
		if g.Subject == subject && g.ActiveAt(now) {
			out = append(out, g.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Lock implements Store.
func (s *MemoryStore) Lock(_ context.Context, id uuid.UUID) (Locked, error) {
	return &memoryLocked{store: s, id: id, unlock: s.locks.Lock(id.String())}, nil
}

type memoryLocked struct {
	store  *MemoryStore
	id     uuid.UUID
	unlock func()
	once   sync.Once
}

func (l *memoryLocked) Get(ctx context.Context) (*Grant, error) {
	return l.store.Get(ctx, l.id)
}

func (l *memoryLocked) Save(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error) {
	if g.ID != l.id {
		return nil, fmt.Errorf("save %s under the lock of %s", g.ID, l.id)
	}
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[g.ID]; !ok {
		return nil, ErrGrantNotFound
	}
	entry, err := ledger.AppendRecord(ctx, s.ledger, rec)
	if err != nil {
		return nil, err
	}
	s.grants[g.ID] = g.clone()
	return entry, nil
}

func (l *memoryLocked) Release() {
	l.once.Do(l.unlock)
}
