package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite "modernc.org/sqlite"
)

// RetryPolicy bounds the retry loop around a batch transaction.
// Transient storage contention (SQLITE_BUSY/SQLITE_LOCKED) is retried
// with exponential backoff; everything else aborts on first failure.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy starts at 0.5s, doubles, and gives up after 5
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 500 * time.Millisecond, MaxAttempts: 5}
}

// TransactionError is a storage-level conflict or constraint violation
// that survived the retry budget (or was not retryable at all).
type TransactionError struct {
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

type batchState int

const (
	batchOpen batchState = iota
	batchCommitted
	batchRolledBack
)

// ErrBatchDone is returned when a batch is used after commit/rollback.
var ErrBatchDone = errors.New("batch already resolved")

// Batch is a single atomic transaction pinned to one connection.
// BEGIN IMMEDIATE takes the write lock up front, so concurrent writers
// serialize at transaction start and never observe partial batches.
// Savepoints let a failing sub-step roll back only its own work.
type Batch struct {
	ctx   context.Context
	conn  *sql.Conn
	state batchState
}

// BeginBatch pins a connection from the pool and opens an immediate
// transaction on it. The caller must resolve the batch with Commit or
// Rollback; both return the connection to the pool.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Batch{ctx: ctx, conn: conn}, nil
}

// Exec runs a statement inside the batch transaction.
func (b *Batch) Exec(query string, args ...any) (sql.Result, error) {
	if b.state != batchOpen {
		return nil, ErrBatchDone
	}
	return b.conn.ExecContext(b.ctx, query, args...)
}

// QueryRow runs a single-row query inside the batch transaction, so it
// sees uncommitted sibling writes.
func (b *Batch) QueryRow(query string, args ...any) *sql.Row {
	return b.conn.QueryRowContext(b.ctx, query, args...)
}

// savepoint names come from this package only, but guard anyway since
// they are spliced into SQL text (SAVEPOINT takes no placeholders).
var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (b *Batch) savepointStmt(verb, name string) error {
	if b.state != batchOpen {
		return ErrBatchDone
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := b.conn.ExecContext(b.ctx, verb+" "+name); err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}
	return nil
}

// Savepoint opens a named checkpoint within the transaction.
func (b *Batch) Savepoint(name string) error {
	return b.savepointStmt("SAVEPOINT", name)
}

// Release resolves a savepoint, keeping its work in the transaction.
func (b *Batch) Release(name string) error {
	return b.savepointStmt("RELEASE SAVEPOINT", name)
}

// RollbackTo undoes everything since the named savepoint while keeping
// prior released savepoints intact. The savepoint stays open; callers
// normally Release it right after.
func (b *Batch) RollbackTo(name string) error {
	return b.savepointStmt("ROLLBACK TO SAVEPOINT", name)
}

// Commit resolves the batch. The transaction is not cancellable
// mid-flight: once begun it runs to commit or rollback.
func (b *Batch) Commit() error {
	if b.state != batchOpen {
		return ErrBatchDone
	}
	_, err := b.conn.ExecContext(b.ctx, "COMMIT")
	b.state = batchCommitted
	closeErr := b.conn.Close()
	if err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return closeErr
}

// Rollback discards the batch. Safe to defer after Commit.
func (b *Batch) Rollback() error {
	if b.state != batchOpen {
		return nil
	}
	_, err := b.conn.ExecContext(b.ctx, "ROLLBACK")
	b.state = batchRolledBack
	closeErr := b.conn.Close()
	if err != nil {
		return fmt.Errorf("rolling back batch: %w", err)
	}
	return closeErr
}

// ClaimIdempotencyKey records key inside the current transaction.
// It returns false when the key was already claimed by a committed
// batch, in which case the caller should skip the whole write.
func (b *Batch) ClaimIdempotencyKey(key, mediaItemID, kind string) (bool, error) {
	res, err := b.Exec(`
		INSERT OR IGNORE INTO idempotency_keys (key, media_item_id, kind, stored, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		key, mediaItemID, kind, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkIdempotencyStored records how many rows the claimed key stored.
func (b *Batch) MarkIdempotencyStored(key string, stored int) error {
	_, err := b.Exec(`UPDATE idempotency_keys SET stored = ? WHERE key = ?`, stored, key)
	return err
}

// MediaItemExists checks the parent row through the open transaction,
// so it sees uncommitted sibling inserts within the same batch.
func (b *Batch) MediaItemExists(id string) (bool, error) {
	var n int
	if err := b.QueryRow(`SELECT COUNT(*) FROM media_items WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RunBatch executes fn inside a batch transaction, retrying the whole
// transaction with exponential backoff when the failure is transient
// lock contention. Non-transient errors propagate immediately wrapped
// in *TransactionError; errors fn marks with backoff.Permanent are
// returned as-is.
func (s *Store) RunBatch(ctx context.Context, policy RetryPolicy, fn func(b *Batch) error) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	attempts := 0
	op := func() error {
		attempts++
		b, err := s.BeginBatch(ctx)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer b.Rollback()

		if err := fn(b); err != nil {
			b.Rollback()
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := b.Commit(); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1)), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		// Caller-level errors (validation, referential, lineage) pass
		// through untouched; storage-level failures get wrapped.
		if isStorageErr(err) {
			return &TransactionError{Attempts: attempts, Err: err}
		}
		return err
	}
	return nil
}

// SQLite primary result codes for contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func isTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

func isStorageErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se)
}
