package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
	"github.com/jmerrifield20/quorumledger/internal/pglock"
)

// lockClass is the advisory lock class of access grants.
const lockClass = int32(0x514c47) // "QLG"

const selectGrant = `SELECT id, subject, permissions, approval_request_id, expires_at,
       revoked, revoked_at, revoked_by, revoke_reason, created_at
  FROM access_grants`

// PostgresStore persists grants to the access_grants table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ledger *ledger.PostgresLedger
	locks  *pglock.Locker
}

// NewPostgresStore creates a PostgresStore that records into l.
func NewPostgresStore(pool *pgxpool.Pool, l *ledger.PostgresLedger, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, ledger: l, locks: pglock.New(pool, lockClass, logger)}
}

// Create implements Store. The approval row is share-locked for the rest of
// the transaction, so its status cannot change between the check and the
// insert. The unique index on approval_request_id enforces one grant per
// approval.
func (s *PostgresStore) Create(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error) {
	return s.inTx(ctx, s.pool, rec, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			"SELECT status FROM approval_requests WHERE id = $1 FOR SHARE",
			g.ApprovalRequestID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return approval.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock approval request: %w", err)
		}
		if approval.Status(status) != approval.StatusApproved {
			return fmt.Errorf("%w: status is %s", approval.ErrNotApproved, status)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO access_grants (
				id, subject, permissions, approval_request_id, expires_at,
				revoked, revoked_at, revoked_by, revoke_reason, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			g.ID, g.Subject, g.Permissions, g.ApprovalRequestID, g.ExpiresAt,
			g.Revoked, g.RevokedAt, g.RevokedBy, g.RevokeReason, g.CreatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyGranted
		}
		if err != nil {
			return fmt.Errorf("insert access grant: %w", err)
		}
		return nil
	})
}

// dbConn is the part of *pgxpool.Pool and *pgxpool.Conn the store uses.
type dbConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) inTx(ctx context.Context, db dbConn, rec ledger.Record, write func(pgx.Tx) error) (*ledger.Entry, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ledger.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := write(tx); err != nil {
		return nil, err
	}
	entry, err := s.ledger.AppendTx(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ledger.ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return getGrant(ctx, s.pool, id)
}

func getGrant(ctx context.Context, db dbConn, id uuid.UUID) (*Grant, error) {
	g, err := scanGrant(db.QueryRow(ctx, selectGrant+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access grant: %w", err)
	}
	return g, nil
}

// ListActive implements Store.
func (s *PostgresStore) ListActive(ctx context.Context, subject string, now time.Time) ([]*Grant, error) {
	rows, err := s.pool.Query(ctx, selectGrant+`
		WHERE subject = $1 AND NOT revoked AND expires_at >= $2
		ORDER BY expires_at ASC`,
		subject, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list access grants: %w", err)
	}
	defer rows.Close()

	out := make([]*Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Lock implements Store. Reads and writes made under the lock run on the
// connection holding it.
func (s *PostgresStore) Lock(ctx context.Context, id uuid.UUID) (Locked, error) {
	lease, err := s.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: lock access grant: %w", ledger.ErrLedgerUnavailable, err)
	}
	return &postgresLocked{store: s, id: id, lease: lease}, nil
}

type postgresLocked struct {
	store *PostgresStore
	id    uuid.UUID
	lease *pglock.Lease
}

func (l *postgresLocked) Get(ctx context.Context) (*Grant, error) {
	return getGrant(ctx, l.lease.Conn(), l.id)
}

func (l *postgresLocked) Save(ctx context.Context, g *Grant, rec ledger.Record) (*ledger.Entry, error) {
	if g.ID != l.id {
		return nil, fmt.Errorf("save %s under the lock of %s", g.ID, l.id)
	}
	return l.store.inTx(ctx, l.lease.Conn(), rec, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE access_grants
			   SET revoked = $2, revoked_at = $3, revoked_by = $4, revoke_reason = $5
			 WHERE id = $1`,
			g.ID, g.Revoked, g.RevokedAt, g.RevokedBy, g.RevokeReason,
		)
		if err != nil {
			return fmt.Errorf("update access grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrGrantNotFound
		}
		return nil
	})
}

func (l *postgresLocked) Release() {
	l.lease.Release()
}

func scanGrant(row pgx.Row) (*Grant, error) {
	g := &Grant{}
	if err := row.Scan(
		&g.ID, &g.Subject, &g.Permissions, &g.ApprovalRequestID, &g.ExpiresAt,
		&g.Revoked, &g.RevokedAt, &g.RevokedBy, &g.RevokeReason, &g.CreatedAt,
	); err != nil {
		return nil, err
	}
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	if g.RevokedAt != nil {
		t := g.RevokedAt.UTC()
		g.RevokedAt = &t
	}
	return g, nil
}
