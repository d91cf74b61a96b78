package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLiteBackend persists records in a SQLite table. Several exchanges may
// share one database by using distinct namespaces.
type SQLiteBackend struct {
	db        *sql.DB
	namespace string
	mu        sync.RWMutex
	closed    bool
}

// NewSQLiteBackend creates the correlation table in db if needed.
// The caller owns db; Close does not close it.
func NewSQLiteBackend(db *sql.DB, namespace string) (*SQLiteBackend, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS correlations (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteBackend{db: db, namespace: namespace}, nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Record{}, false, ErrBackendClosed
	}

	var (
		kind string
		data []byte
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT kind, data FROM correlations
		WHERE namespace = ? AND key = ?
	`, b.namespace, key).Scan(&kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load correlation: %w", err)
	}
	return Record{Kind: Kind(kind), Data: data}, true, nil
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, key string, rec Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO correlations (namespace, key, kind, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			kind = excluded.kind,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, b.namespace, key, string(rec.Kind), rec.Data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save correlation: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}

	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM correlations WHERE namespace = ? AND key = ?
	`, b.namespace, key); err != nil {
		return fmt.Errorf("delete correlation: %w", err)
	}
	return nil
}

// Close marks the backend closed. The database stays open.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
