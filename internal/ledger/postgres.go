package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent appends. The value is arbitrary but must be consistent across
// all ledgerd instances.
const advisoryLockKey = int64(1_159_876_544)

// pgUniqueViolation is the SQLSTATE for a primary key / unique conflict.
const pgUniqueViolation = "23505"

const selectEntry = `SELECT sequence, recorded_at, actor, subject_type, subject_id, action,
       changes, previous_digest, digest
  FROM ledger_entries`

// PostgresLedger persists the audit chain to the ledger_entries table.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool     *pgxpool.Pool
	onAppend AppendObserver
	logger   *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// SetAppendObserver configures the post-append callback.
func (l *PostgresLedger) SetAppendObserver(fn AppendObserver) {
	l.onAppend = fn
}

// Append implements Ledger. The entry is written in its own transaction.
func (l *PostgresLedger) Append(ctx context.Context, actor, action, subjectType, subjectID string, changes any) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entry, err := l.AppendTx(ctx, tx, Record{
		Actor:       actor,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Changes:     changes,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit ledger tx", err)
	}
	return entry, nil
}

// AppendTx appends rec inside the caller's transaction so that a state change
// and the entry recording it commit or roll back together.
//
// A transaction-scoped advisory lock serialises appends across instances.
// Each attempt runs in a savepoint; a sequence conflict rolls the savepoint
// back and the whole reserve/hash/commit cycle is retried.
func (l *PostgresLedger) AppendTx(ctx context.Context, tx pgx.Tx, rec Record) (*Entry, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	canon, err := Canonicalize(rec.Changes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	// Released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, unavailable("acquire advisory lock", err)
	}

	for attempt := 1; attempt <= MaxAppendAttempts; attempt++ {
		entry, err := l.tryAppend(ctx, tx, rec, canon)
		if errors.Is(err, ErrOutOfOrderCommit) {
			l.logger.Warn("ledger commit lost race, retrying",
				zap.Int("attempt", attempt),
				zap.String("action", rec.Action),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		l.logger.Debug("ledger entry appended",
			zap.Int64("sequence", entry.Sequence),
			zap.String("action", entry.Action),
			zap.String("subject_id", entry.SubjectID),
		)
		if l.onAppend != nil {
			l.onAppend(entry, attempt)
		}
		return entry, nil
	}

	l.logger.Error("ledger append retries exhausted", zap.String("action", rec.Action))
	return nil, fmt.Errorf("%w: commit lost %d times in a row", ErrLedgerUnavailable, MaxAppendAttempts)
}

func (l *PostgresLedger) tryAppend(ctx context.Context, tx pgx.Tx, rec Record, canon json.RawMessage) (*Entry, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, unavailable("open savepoint", err)
	}
	defer sp.Rollback(ctx) //nolint:errcheck

	res, err := reserveTx(ctx, sp)
	if err != nil {
		return nil, err
	}
	entry := newEntry(res, rec, canon, time.Now())
	if err := commitTx(ctx, sp, entry); err != nil {
		return nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, unavailable("release savepoint", err)
	}
	return entry, nil
}

// reserveTx reads the chain tail visible to tx.
func reserveTx(ctx context.Context, tx pgx.Tx) (Reservation, error) {
	var seq int64
	var digest string
	err := tx.QueryRow(ctx,
		"SELECT sequence, digest FROM ledger_entries ORDER BY sequence DESC LIMIT 1",
	).Scan(&seq, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{Sequence: 1, PreviousDigest: GenesisDigest}, nil
	}
	if err != nil {
		return Reservation{}, unavailable("read ledger tail", err)
	}
	return Reservation{Sequence: seq + 1, PreviousDigest: digest}, nil
}

// commitTx inserts e keyed on its sequence. A conflicting sequence means
// another writer committed first.
func commitTx(ctx context.Context, tx pgx.Tx, e *Entry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (sequence, recorded_at, actor, subject_type, subject_id, action, changes, previous_digest, digest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Sequence, e.Timestamp, e.Actor, e.SubjectType, e.SubjectID,
		e.Action, string(e.Changes), e.PreviousDigest, e.Digest,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: sequence %d already committed", ErrOutOfOrderCommit, e.Sequence)
	}
	if err != nil {
		return unavailable("insert ledger entry", err)
	}
	return nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, sequence int64) (*Entry, error) {
	row := l.pool.QueryRow(ctx, selectEntry+" WHERE sequence = $1", sequence)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, sequence)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get ledger entry %d", sequence), err)
	}
	return e, nil
}

// Range implements Ledger.
func (l *PostgresLedger) Range(ctx context.Context, from, to int64) ([]*Entry, error) {
	out := make([]*Entry, 0)
	err := l.scanRange(ctx, from, to, func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Verify implements Ledger. It streams the range ordered by sequence.
// O(n) in the range length.
func (l *PostgresLedger) Verify(ctx context.Context, from, to int64) (VerificationResult, error) {
	if from < 1 {
		from = 1
	}
	tail, err := l.Tail(ctx)
	if err != nil {
		return VerificationResult{}, err
	}
	if to <= 0 || to > tail.Sequence {
		to = tail.Sequence
	}
	if from > to {
		return emptyResult(from, to), nil
	}

	prev := GenesisDigest
	if from > 1 {
		e, err := l.Get(ctx, from-1)
		if errors.Is(err, ErrEntryNotFound) {
			w := newChainWalker(from-1, to, "")
			w.fail(from-1, ReasonSequenceGap)
			return w.result, nil
		}
		if err != nil {
			return VerificationResult{}, err
		}
		prev = e.Digest
	}

	w := newChainWalker(from, to, prev)
	if err := l.scanRange(ctx, from, to, w.step); err != nil {
		return VerificationResult{}, err
	}
	return w.finish(), nil
}

// Tail implements Ledger.
func (l *PostgresLedger) Tail(ctx context.Context) (Tail, error) {
	var t Tail
	err := l.pool.QueryRow(ctx,
		"SELECT sequence, digest FROM ledger_entries ORDER BY sequence DESC LIMIT 1",
	).Scan(&t.Sequence, &t.Digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tail{Sequence: 0, Digest: GenesisDigest}, nil
	}
	if err != nil {
		return Tail{}, unavailable("read ledger tail", err)
	}
	return t, nil
}

// scanRange streams [from, to] to fn until fn returns false.
func (l *PostgresLedger) scanRange(ctx context.Context, from, to int64, fn func(*Entry) bool) error {
	if from < 1 {
		from = 1
	}
	rows, err := l.pool.Query(ctx,
		selectEntry+" WHERE sequence >= $1 AND ($2 <= 0 OR sequence <= $2) ORDER BY sequence ASC",
		from, to,
	)
	if err != nil {
		return unavailable("query ledger", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return unavailable("scan ledger row", err)
		}
		if !fn(e) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("iterate ledger rows", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var changes string
	if err := row.Scan(
		&e.Sequence, &e.Timestamp, &e.Actor, &e.SubjectType, &e.SubjectID,
		&e.Action, &changes, &e.PreviousDigest, &e.Digest,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Changes = json.RawMessage(changes)
	return e, nil
}
