// Package database owns the relational store: the connection pool and one
// repository per entity. All mutation of users, API keys and usage rows flows
// through here.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/infergate/gateway/internal/config"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConstraint is returned on unique/foreign-key violations; terminal.
	ErrConstraint = errors.New("constraint violation")
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 1
	connMaxLifetime = time.Hour
)

// DB wraps the pooled connection and the configured table prefix.
type DB struct {
	pool   *sql.DB
	prefix string
}

// Open builds the pool and verifies connectivity with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxOpenConns)
	pool.SetMaxIdleConns(maxIdleConns)
	pool.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	return &DB{pool: pool, prefix: cfg.TablePrefix}, nil
}

// NewWithPool wraps an existing pool; used by tests with sqlmock-style drivers.
func NewWithPool(pool *sql.DB, prefix string) *DB {
	return &DB{pool: pool, prefix: prefix}
}

func (d *DB) Close() error { return d.pool.Close() }

func (d *DB) Pool() *sql.DB { return d.pool }

func (d *DB) table(name string) string {
	if d.prefix == "" {
		return name
	}
	return d.prefix + "_" + name
}

func (d *DB) Users() *UserRepo     { return &UserRepo{db: d} }
func (d *DB) APIKeys() *APIKeyRepo { return &APIKeyRepo{db: d} }
func (d *DB) Usage() *UsageRepo    { return &UsageRepo{db: d} }

// EnsureSchema creates the tables and indexes when absent.
func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT,
			password_hash TEXT NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			scopes TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, d.table("users")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			expires_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, d.table("api_keys"), d.table("users")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`,
			d.table("api_keys"), d.table("api_keys")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			api_type TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			model TEXT NOT NULL,
			request_id TEXT NOT NULL,
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT,
			total_tokens INT NOT NULL DEFAULT 0,
			input_count INT,
			extra_data JSONB,
			host TEXT,
			pid INT
		)`, d.table("usage")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts DESC)`,
			d.table("usage"), d.table("usage")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`,
			d.table("usage"), d.table("usage")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_api_type ON %s(api_type)`,
			d.table("usage"), d.table("usage")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_model ON %s(model)`,
			d.table("usage"), d.table("usage")),
	}
	for _, s := range stmts {
		if _, err := d.pool.ExecContext(ctx, s); err != nil {
			return classify(err)
		}
	}
	return nil
}

// IsRetryable reports whether the error looks transient (connection loss,
// interface errors) rather than a statement-level failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exceptions, 57 is operator intervention
		// (shutdown), 53 is insufficient resources.
		switch pqErr.Code.Class() {
		case "08", "57", "53":
			return true
		}
	}
	return false
}

// classify maps driver errors onto the package's typed errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return fmt.Errorf("%w: %s", ErrConstraint, pqErr.Message)
	}
	return err
}
