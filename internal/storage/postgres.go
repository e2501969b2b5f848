package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "loftsync_objects"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresProvider stores objects in a Postgres table. The connection and
// table are created lazily on first use.
type PostgresProvider struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresProvider validates the DSN; no connection is made until the
// first operation.
func NewPostgresProvider(dsn string) (*PostgresProvider, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, &Error{Op: "open", Err: errors.New("postgres dsn is required")}
	}
	return &PostgresProvider{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := p.ensureReady(); err != nil {
		return nil, wrapErr("get", key, err, postgresRetryable)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdentifier(p.tableName))
	var value []byte
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", key, err, postgresRetryable)
	}
	return value, nil
}

func (p *PostgresProvider) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return wrapErr("set", key, err, postgresRetryable)
	}
	if value == nil {
		value = []byte{}
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, key, value)
	return wrapErr("set", key, err, postgresRetryable)
}

func (p *PostgresProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return wrapErr("delete", key, err, postgresRetryable)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, key)
	return wrapErr("delete", key, err, postgresRetryable)
}

func (p *PostgresProvider) List(ctx context.Context, prefix string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, wrapErr("list", prefix, err, postgresRetryable)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, wrapErr("list", prefix, err, postgresRetryable)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapErr("list", prefix, err, postgresRetryable)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list", prefix, err, postgresRetryable)
	}
	return keys, nil
}

func (p *PostgresProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresProvider) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// postgresRetryable treats connection failures (class 08), transaction
// rollbacks such as serialization failures (40), and resource exhaustion
// (53) as transient.
func postgresRetryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53":
			return true
		}
	}
	return false
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Provider = (*PostgresProvider)(nil)
