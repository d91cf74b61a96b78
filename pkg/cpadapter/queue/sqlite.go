package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// OpenSQLite opens a SQLite database tuned for the adapter: WAL journal,
// a busy timeout, and a single connection so ":memory:" databases are
// shared by every statement.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// SQLiteStore persists queue entries to SQLite.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens path and creates the queue schema.
// The path should be a file path (e.g., "./queue.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreFromDB creates the queue schema in an existing database.
// The caller keeps ownership of db.
func NewSQLiteStoreFromDB(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			payload BLOB NOT NULL,
			retries_left INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			invoke_after INTEGER NOT NULL,
			claimed_until INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queue_entries_due
		ON queue_entries(invoke_after, claimed_until)
	`); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db, now: o.now}, nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	prepare(e, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, channel, payload, retries_left, attempts, enqueued_at, invoke_after)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Channel, e.Payload, e.RetriesLeft, e.Attempts, e.EnqueuedAt.UnixNano(), e.InvokeAfter.UnixNano())
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// ClaimBatch implements Store.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if max <= 0 {
		return nil, nil
	}

	now := s.now()
	token := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET claimed_until = ?, claim_token = ?
		WHERE seq IN (
			SELECT seq FROM queue_entries
			WHERE claimed_until <= ? AND invoke_after <= ?
			ORDER BY seq
			LIMIT ?
		)
	`, now.Add(lease).UnixNano(), token, now.UnixNano(), now.UnixNano(), max); err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, channel, payload, retries_left, attempts, enqueued_at, invoke_after
		FROM queue_entries
		WHERE claim_token = ?
		ORDER BY seq
	`, token)
	if err != nil {
		return nil, fmt.Errorf("read claimed entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e                       Entry
			enqueuedAt, invokeAfter int64
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.Payload, &e.RetriesLeft, &e.Attempts, &enqueuedAt, &invokeAfter); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.EnqueuedAt = time.Unix(0, enqueuedAt)
		e.InvokeAfter = time.Unix(0, invokeAfter)
		e.ClaimToken = token
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// execOwned runs an update guarded by the entry's claim token.
func (s *SQLiteStore) execOwned(ctx context.Context, op string, e *Entry, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if e.ClaimToken == "" {
		return fmt.Errorf("%s entry %s: %w", op, e.ID, ErrLeaseLost)
	}

	res, err := s.db.ExecContext(ctx, query, append(args, e.ID, e.ClaimToken)...)
	if err != nil {
		return fmt.Errorf("%s entry: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s entry: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s entry %s: %w", op, e.ID, ErrLeaseLost)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, e *Entry) error {
	return s.execOwned(ctx, "delete", e, `
		DELETE FROM queue_entries WHERE id = ? AND claim_token = ?
	`)
}

// IncrementRetryAndRelease implements Store.
func (s *SQLiteStore) IncrementRetryAndRelease(ctx context.Context, e *Entry) error {
	return s.execOwned(ctx, "release", e, `
		UPDATE queue_entries
		SET retries_left = retries_left - 1,
			attempts = attempts + 1,
			claimed_until = 0,
			claim_token = ''
		WHERE id = ? AND claim_token = ?
	`)
}

// MoveToDeadLetter implements Store.
func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, e *Entry, channel string, retries int) error {
	return s.execOwned(ctx, "dead-letter", e, `
		UPDATE queue_entries
		SET channel = ?,
			payload = ?,
			retries_left = ?,
			attempts = 0,
			claimed_until = 0,
			claim_token = ''
		WHERE id = ? AND claim_token = ?
	`, channel, e.Payload, retries)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close implements Store. The database is closed only if the store opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
