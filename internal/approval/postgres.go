package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
	"github.com/jmerrifield20/quorumledger/internal/pglock"
)

// lockClass is the advisory lock class of approval requests.
const lockClass = int32(0x514c41) // "QLA"

const selectRequest = `SELECT id, requester, action, subject_type, subject_id, details,
       required_approvals, decisions, status, expires_at, executed_at, executed_by,
       execution_result, created_at, updated_at
  FROM approval_requests`

// PostgresStore persists approval requests to the approval_requests table.
// Each write and its ledger entry share one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ledger *ledger.PostgresLedger
	locks  *pglock.Locker
}

// NewPostgresStore creates a PostgresStore that records into l.
func NewPostgresStore(pool *pgxpool.Pool, l *ledger.PostgresLedger, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, ledger: l, locks: pglock.New(pool, lockClass, logger)}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error) {
	return s.inTx(ctx, s.pool, rec, func(tx pgx.Tx) error {
		decisions, details, result, err := encodeColumns(r)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO approval_requests (
				id, requester, action, subject_type, subject_id, details,
				required_approvals, decisions, status, expires_at, executed_at,
				executed_by, execution_result, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			r.ID, r.Requester, r.Action, r.SubjectType, r.SubjectID, details,
			r.RequiredApprovals, decisions, r.Status, r.ExpiresAt, r.ExecutedAt,
			r.ExecutedBy, result, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert approval request: %w", err)
		}
		return nil
	})
}

// dbConn is the part of *pgxpool.Pool and *pgxpool.Conn the store uses.
type dbConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// inTx runs write and appends rec in a single transaction on db.
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
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return getRequest(ctx, s.pool, id)
}

func getRequest(ctx context.Context, db dbConn, id uuid.UUID) (*Request, error) {
	r, err := scanRequest(db.QueryRow(ctx, selectRequest+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return r, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Request, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(f.Offset, 0)

	rows, err := s.pool.Query(ctx, selectRequest+`
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR requester = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		string(f.Status), f.Requester, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	out := make([]*Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Lock implements Store with a session advisory lock keyed by the request id.
// Reads and writes made under the lock run on the connection holding it.
func (s *PostgresStore) Lock(ctx context.Context, id uuid.UUID) (Locked, error) {
	lease, err := s.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: lock approval request: %w", ledger.ErrLedgerUnavailable, err)
	}
	return &postgresLocked{store: s, id: id, lease: lease}, nil
}

type postgresLocked struct {
	store *PostgresStore
	id    uuid.UUID
	lease *pglock.Lease
}

func (l *postgresLocked) Get(ctx context.Context) (*Request, error) {
	return getRequest(ctx, l.lease.Conn(), l.id)
}

func (l *postgresLocked) Save(ctx context.Context, r *Request, rec ledger.Record) (*ledger.Entry, error) {
	if r.ID != l.id {
		return nil, fmt.Errorf("save %s under the lock of %s", r.ID, l.id)
	}
	return l.store.inTx(ctx, l.lease.Conn(), rec, func(tx pgx.Tx) error {
		decisions, _, result, err := encodeColumns(r)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			   SET decisions = $2, status = $3, executed_at = $4, executed_by = $5,
			       execution_result = $6, updated_at = $7
			 WHERE id = $1`,
			r.ID, decisions, r.Status, r.ExecutedAt, r.ExecutedBy, result, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update approval request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (l *postgresLocked) Release() {
	l.lease.Release()
}

func encodeColumns(r *Request) (decisions, details, result []byte, err error) {
	decisions, err = json.Marshal(r.Decisions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal decisions: %w", err)
	}
	details = r.Details
	if len(details) == 0 {
		details = []byte("null")
	}
	if len(r.ExecutionResult) > 0 {
		result = r.ExecutionResult
	}
	return decisions, details, result, nil
}

func scanRequest(row pgx.Row) (*Request, error) {
	r := &Request{}
	var details, decisions, result []byte
	var status string
	if err := row.Scan(
		&r.ID, &r.Requester, &r.Action, &r.SubjectType, &r.SubjectID, &details,
		&r.RequiredApprovals, &decisions, &status, &r.ExpiresAt, &r.ExecutedAt,
		&r.ExecutedBy, &result, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Details = json.RawMessage(details)
	if len(result) > 0 {
		r.ExecutionResult = json.RawMessage(result)
	}
	if err := json.Unmarshal(decisions, &r.Decisions); err != nil {
		return nil, fmt.Errorf("unmarshal decisions: %w", err)
	}
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.ExecutedAt != nil {
		t := r.ExecutedAt.UTC()
		r.ExecutedAt = &t
	}
	return r, nil
}
