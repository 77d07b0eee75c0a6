package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// UserRepo is the only writer for the users table.
type UserRepo struct {
	db *DB
}

const userColumns = "id, username, COALESCE(email, ''), password_hash, disabled, scopes, created_at, updated_at"

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var scopes pq.StringArray
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Disabled, &scopes, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Scopes = scopes
	return &u, nil
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE username = $1", userColumns, r.db.table("users"))
	return scanUser(r.db.pool.QueryRowContext(ctx, q, username))
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", userColumns, r.db.table("users"))
	return scanUser(r.db.pool.QueryRowContext(ctx, q, id))
}

// Create inserts a new user and returns it with the assigned id.
func (r *UserRepo) Create(ctx context.Context, u *User) (*User, error) {
	q := fmt.Sprintf(`INSERT INTO %s (username, email, password_hash, disabled, scopes)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		RETURNING id, created_at, updated_at`, r.db.table("users"))
	err := r.db.pool.QueryRowContext(ctx, q,
		u.Username, u.Email, u.PasswordHash, u.Disabled, pq.StringArray(u.Scopes),
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// Update rewrites the mutable fields, including a rehashed password.
func (r *UserRepo) Update(ctx context.Context, u *User) error {
	q := fmt.Sprintf(`UPDATE %s
		SET email = NULLIF($2, ''), password_hash = $3, disabled = $4, scopes = $5, updated_at = now()
		WHERE id = $1`, r.db.table("users"))
	res, err := r.db.pool.ExecContext(ctx, q,
		u.ID, u.Email, u.PasswordHash, u.Disabled, pq.StringArray(u.Scopes))
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user; owned API keys go with it via ON DELETE CASCADE.
func (r *UserRepo) Delete(ctx context.Context, id int64) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.db.table("users"))
	res, err := r.db.pool.ExecContext(ctx, q, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns users ordered by id with limit/offset pagination.
func (r *UserRepo) List(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY id LIMIT $1 OFFSET $2", userColumns, r.db.table("users"))
	rows, err := r.db.pool.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		var scopes pq.StringArray
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Disabled, &scopes, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Scopes = scopes
		out = append(out, &u)
	}
	return out, rows.Err()
}
