// Package pglock provides per-key mutual exclusion across ledgerd instances
// using PostgreSQL session advisory locks.
package pglock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/keylock"
)

// Locker takes two-key advisory locks (class, hash(key)). Callers in the same
// process queue on an in-process lock first so that waiters do not each pin a
// pool connection.
type Locker struct {
	pool   *pgxpool.Pool
	class  int32
	local  *keylock.Map
	logger *zap.Logger
}

// New creates a Locker for one lock class. Each table that needs row-level
// serialisation uses its own class.
func New(pool *pgxpool.Pool, class int32, logger *zap.Logger) *Locker {
	return &Locker{pool: pool, class: class, local: keylock.New(), logger: logger}
}

// Lease is a held lock and the pool connection holding it. Every query made
// while the lease is held must go through Conn: a holder that waits on the
// pool for a second connection can starve it.
type Lease struct {
	conn         *pgxpool.Conn
	class, key   int32
	name         string
	releaseLocal func()
	logger       *zap.Logger
	once         sync.Once
}

// Lock blocks until key is held.
func (l *Locker) Lock(ctx context.Context, key string) (*Lease, error) {
	releaseLocal := l.local.Lock(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	k := Hash(key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1, $2)", l.class, k); err != nil {
		conn.Release()
		releaseLocal()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	return &Lease{
		conn:         conn,
		class:        l.class,
		key:          k,
		name:         key,
		releaseLocal: releaseLocal,
		logger:       l.logger,
	}, nil
}

// Conn returns the connection that holds the lock.
func (ls *Lease) Conn() *pgxpool.Conn {
	return ls.conn
}

// Release unlocks and returns the connection to the pool. Calls after the
// first are no-ops.
func (ls *Lease) Release() {
	ls.once.Do(func() {
		// The caller's context may already be cancelled; the lock must still go.
		if _, err := ls.conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1, $2)", ls.class, ls.key); err != nil {
			ls.logger.Warn("advisory unlock failed, dropping connection",
				zap.String("key", ls.name), zap.Error(err))
			_ = ls.conn.Conn().Close(context.Background())
		}
		ls.conn.Release()
		ls.releaseLocal()
	})
}

// Hash maps key onto the second advisory lock key.
func Hash(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32())
}
