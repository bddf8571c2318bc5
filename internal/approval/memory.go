package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jmerrifield20/quorumledger/internal/keylock"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// MemoryStore is an in-process Store. The ledger entry is appended before the
// request is stored, so a failed append leaves the request untouched.
type MemoryStore struct {
	ledger ledger.Ledger
	locks  *keylock.Map

	mu       sync.RWMutex
	requests map[uuid.UUID]*Request
}

// NewMemoryStore creates an empty MemoryStore that records into l.
func NewMemoryStore(l ledger.Ledger) *MemoryStore {
	return &MemoryStore{
		ledger:   l,
		locks:    keylock.New(),
		requests: make(map[uuid.UUID]*Request),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error) {
	s.mu.RLock()
	_, exists := s.requests[r.ID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("approval request %s already exists", r.ID)
	}
	return s.write(ctx, r, rec)
}

func (s *MemoryStore) write(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error) {
	entry, err := ledger.AppendRecord(ctx, s.ledger, rec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests[r.ID] = r.clone()
	s.mu.Unlock()
	return entry, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Requester != "" && r.Requester != f.Requester {
			continue
		}
		out = append(out, r.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Limit, f.Offset), nil
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

func (l *memoryLocked) Get(ctx context.Context) (*Request, error) {
	return l.store.Get(ctx, l.id)
}

func (l *memoryLocked) Save(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error) {
	if r.ID != l.id {
		return nil, fmt.Errorf("save %s under the lock of %s", r.ID, l.id)
	}
	l.store.mu.RLock()
	_, exists := l.store.requests[r.ID]
	l.store.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	return l.store.write(ctx, r, rec)
}

func (l *memoryLocked) Release() {
	l.once.Do(l.unlock)
}

func page(rs []*Request, limit, offset int) []*Request {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rs) {
		return []*Request{}
	}
	rs = rs[offset:]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}
