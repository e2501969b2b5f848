package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// SQLiteProvider is an object store backed by a single SQLite table.
type SQLiteProvider struct {
	db *sql.DB
}

// NewSQLiteProvider opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapErr("open", "", err, sqliteRetryable)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, wrapErr("open", "", fmt.Errorf("%s: %w", pragma, err), sqliteRetryable)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, wrapErr("open", "", fmt.Errorf("create objects table: %w", err), sqliteRetryable)
	}
	return &SQLiteProvider{db: db}, nil
}

func (p *SQLiteProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM objects WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", key, err, sqliteRetryable)
	}
	return value, nil
}

func (p *SQLiteProvider) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO objects (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return wrapErr("set", key, err, sqliteRetryable)
}

func (p *SQLiteProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	return wrapErr("delete", key, err, sqliteRetryable)
}

func (p *SQLiteProvider) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`, prefix)
	if err != nil {
		return nil, wrapErr("list", prefix, err, sqliteRetryable)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapErr("list", prefix, err, sqliteRetryable)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list", prefix, err, sqliteRetryable)
	}
	return keys, nil
}

func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

func sqliteRetryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

var _ Provider = (*SQLiteProvider)(nil)
