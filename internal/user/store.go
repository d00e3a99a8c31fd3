// Package user provides PostgreSQL-backed storage for actors. Every tag or
// text edit is attributed to a user; moderation may flag a user as reverted
// (all of their changes rolled back) or banned. The two flags are independent.
package user

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stickersearch/moderation/internal/db"
)

// User is an actor that creates change entries.
type User struct {
	ID        int64
	Username  string
	Reverted  bool
	Banned    bool
	CreatedAt time.Time
}

// Store manages users in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Get fetches a user by id. Returns db.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, COALESCE(username, ''), reverted, banned, created_at
		FROM users
		WHERE id = $1`

	u := &User{}
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.Username, &u.Reverted, &u.Banned, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: get %d: %w", id, err)
	}
	return u, nil
}

// GetOrCreate inserts a user row if none exists yet and returns the stored
// row. A concurrent insert of the same id is an expected race: on a unique
// violation the existing row is re-read and returned.
func (s *Store) GetOrCreate(ctx context.Context, id int64, username string) (*User, error) {
	u, err := s.Get(ctx, id)
	if err == nil {
		return u, nil
	}
	if err != db.ErrNotFound {
		return nil, err
	}

	const insert = `INSERT INTO users (id, username) VALUES ($1, $2)`
	if _, err := s.db.ExecContext(ctx, insert, id, username); err != nil {
		if db.IsUniqueViolation(err) {
			return s.Get(ctx, id)
		}
		return nil, fmt.Errorf("user: create %d: %w", id, err)
	}

	return s.Get(ctx, id)
}

// MarkReverted flips the reverted flag. The flag is one-way: it records that
// all of the user's changes have been rolled back, and the revert walk treats
// any change by such a user as untrusted from then on.
func (s *Store) MarkReverted(ctx context.Context, id int64) error {
	return s.setFlag(ctx, id, "reverted", true)
}

// SetBanned sets or clears the banned flag.
func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	return s.setFlag(ctx, id, "banned", banned)
}

func (s *Store) setFlag(ctx context.Context, id int64, column string, value bool) error {
	query := fmt.Sprintf(`UPDATE users SET %s = $1 WHERE id = $2`, column)
	res, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("user: set %s on %d: %w", column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user: set %s on %d: %w", column, id, err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}
