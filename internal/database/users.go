package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

// User is an account row. HashedPassword never leaves this package's callers
// except for credential checks.
type User struct {
	ID             int       `json:"id"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateUser inserts a new account.
func (db *DB) CreateUser(ctx context.Context, email, hashedPassword string) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users (email, hashed_password)
		VALUES ($1, $2)
		RETURNING id, email, hashed_password, is_active, created_at
	`, email, hashedPassword).Scan(&u.ID, &u.Email, &u.HashedPassword, &u.IsActive, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns an account by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx, `
		SELECT id, email, hashed_password, is_active, created_at
		FROM users
		WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.HashedPassword, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns an account by id.
func (db *DB) GetUser(ctx context.Context, id int) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx, `
		SELECT id, email, hashed_password, is_active, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.HashedPassword, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
