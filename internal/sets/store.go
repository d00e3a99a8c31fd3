// Package sets provides PostgreSQL-backed storage for item sets and their ban
// votes. A set carries a ban flag decided by moderation; votes accumulate
// against a set until a moderator reviews them. Registration of a new set is
// coordinated by the task queue so the set row and its scan task commit
// together.
package sets

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stickersearch/moderation/internal/db"
)

// Set is a named collection of items.
type Set struct {
	Name      string
	Title     sql.NullString
	Banned    bool
	CreatedAt time.Time
}

// Vote is one ban vote against a set.
type Vote struct {
	UserID    int64
	Reason    string
	CreatedAt time.Time
}

// Store manages sets and ban votes in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a set store backed by the given database handle.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Normalize canonicalizes a set name. Names are case-insensitive identifiers
// handed in by external transports.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Get fetches a set by name. Returns db.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, name string) (*Set, error) {
	const query = `
		SELECT name, title, banned, created_at
		FROM item_sets
		WHERE name = $1`

	set := &Set{}
	err := s.db.QueryRowContext(ctx, query, Normalize(name)).
		Scan(&set.Name, &set.Title, &set.Banned, &set.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sets: get %s: %w", name, err)
	}
	return set, nil
}

// CreateTx inserts a set row inside the caller's transaction. A unique
// violation surfaces to the caller, which treats it as the create-or-admit
// duplicate branch.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, name, title string) error {
	const insert = `INSERT INTO item_sets (name, title) VALUES ($1, NULLIF($2, ''))`
	if _, err := tx.ExecContext(ctx, insert, Normalize(name), strings.ToLower(title)); err != nil {
		return fmt.Errorf("sets: create %s: %w", name, err)
	}
	return nil
}

// SetBanned sets or clears the set's ban flag.
func (s *Store) SetBanned(ctx context.Context, name string, banned bool) error {
	const query = `UPDATE item_sets SET banned = $1 WHERE name = $2`
	res, err := s.db.ExecContext(ctx, query, banned, Normalize(name))
	if err != nil {
		return fmt.Errorf("sets: set banned %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// AddVote records a ban vote. A user gets one vote per set; a repeat vote is
// admitted as a duplicate and changes nothing. Returns whether a new vote was
// recorded and the total number of accumulated votes.
func (s *Store) AddVote(ctx context.Context, setName string, userID int64, reason string) (bool, int, error) {
	setName = Normalize(setName)

	const insert = `
		INSERT INTO ban_votes (set_name, user_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`

	res, err := s.db.ExecContext(ctx, insert, setName, userID, reason)
	if err != nil {
		return false, 0, fmt.Errorf("sets: add vote %s: %w", setName, err)
	}
	inserted, _ := res.RowsAffected()

	const count = `SELECT COUNT(*) FROM ban_votes WHERE set_name = $1`
	var votes int
	if err := s.db.QueryRowContext(ctx, count, setName).Scan(&votes); err != nil {
		return inserted > 0, 0, fmt.Errorf("sets: count votes %s: %w", setName, err)
	}

	return inserted > 0, votes, nil
}

// VotesFor returns the accumulated votes for a set, oldest first.
func (s *Store) VotesFor(ctx context.Context, setName string) ([]Vote, error) {
	const query = `
		SELECT user_id, reason, created_at
		FROM ban_votes
		WHERE set_name = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, Normalize(setName))
	if err != nil {
		return nil, fmt.Errorf("sets: votes for %s: %w", setName, err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.UserID, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("sets: votes for %s: %w", setName, err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// ClearVotes removes all accumulated votes for a set. Called when a vote_ban
// task is dismissed so the old votes cannot re-raise it.
func (s *Store) ClearVotes(ctx context.Context, setName string) error {
	const query = `DELETE FROM ban_votes WHERE set_name = $1`
	if _, err := s.db.ExecContext(ctx, query, Normalize(setName)); err != nil {
		return fmt.Errorf("sets: clear votes %s: %w", setName, err)
	}
	return nil
}
