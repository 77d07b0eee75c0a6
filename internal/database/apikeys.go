package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// APIKeyRepo is the only writer for the api_keys table. Invariant: at most one
// non-revoked key per user, enforced by Create revoking priors in the same
// transaction.
type APIKeyRepo struct {
	db *DB
}

// GetActive returns the row for a key that is neither revoked nor expired.
func (r *APIKeyRepo) GetActive(ctx context.Context, key string) (*APIKeyRow, error) {
	q := fmt.Sprintf(`SELECT key, user_id, expires_at, revoked, created_at
		FROM %s
		WHERE key = $1 AND revoked = FALSE AND (expires_at IS NULL OR expires_at > now())`,
		r.db.table("api_keys"))

	var row APIKeyRow
	err := r.db.pool.QueryRowContext(ctx, q, key).Scan(
		&row.Key, &row.UserID, &row.ExpiresAt, &row.Revoked, &row.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// Get returns the row for a key regardless of revocation or expiry; the
// credential plane needs the distinction between absent and revoked.
func (r *APIKeyRepo) Get(ctx context.Context, key string) (*APIKeyRow, error) {
	q := fmt.Sprintf(`SELECT key, user_id, expires_at, revoked, created_at
		FROM %s WHERE key = $1`, r.db.table("api_keys"))

	var row APIKeyRow
	err := r.db.pool.QueryRowContext(ctx, q, key).Scan(
		&row.Key, &row.UserID, &row.ExpiresAt, &row.Revoked, &row.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// Create persists a freshly issued key, revoking every prior non-revoked key
// of the same user atomically.
func (r *APIKeyRepo) Create(ctx context.Context, key string, userID int64, expiresAt *time.Time) error {
	tx, err := r.db.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	revokeQ := fmt.Sprintf("UPDATE %s SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE",
		r.db.table("api_keys"))
	if _, err := tx.ExecContext(ctx, revokeQ, userID); err != nil {
		return classify(err)
	}

	insertQ := fmt.Sprintf("INSERT INTO %s (key, user_id, expires_at) VALUES ($1, $2, $3)",
		r.db.table("api_keys"))
	if _, err := tx.ExecContext(ctx, insertQ, key, userID, expiresAt); err != nil {
		return classify(err)
	}

	return tx.Commit()
}

// Revoke marks a single key revoked. Revocation is terminal.
func (r *APIKeyRepo) Revoke(ctx context.Context, key string) error {
	q := fmt.Sprintf("UPDATE %s SET revoked = TRUE WHERE key = $1 AND revoked = FALSE",
		r.db.table("api_keys"))
	res, err := r.db.pool.ExecContext(ctx, q, key)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes every non-revoked key the user holds.
func (r *APIKeyRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	q := fmt.Sprintf("UPDATE %s SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE",
		r.db.table("api_keys"))
	_, err := r.db.pool.ExecContext(ctx, q, userID)
	return classify(err)
}

// ListForUser returns the user's keys newest first; used by the admin surface.
func (r *APIKeyRepo) ListForUser(ctx context.Context, userID int64) ([]*APIKeyRow, error) {
	q := fmt.Sprintf(`SELECT key, user_id, expires_at, revoked, created_at
		FROM %s WHERE user_id = $1 ORDER BY created_at DESC`, r.db.table("api_keys"))
	rows, err := r.db.pool.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKeyRow
	for rows.Next() {
		var row APIKeyRow
		if err := rows.Scan(&row.Key, &row.UserID, &row.ExpiresAt, &row.Revoked, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
