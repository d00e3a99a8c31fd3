// Package changelog provides the append-only audit trail of tag and text
// edits. Every mutation of an item's live state gets one Change row capturing
// the before/after snapshots. Rows are never updated except for the one-way
// reverted flag, and never deleted, so the full edit history of an item stays
// walkable.
package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stickersearch/moderation/internal/item"
)

// ErrEmptyChange is returned when a change carries neither a tag pair nor a
// text pair. Such an entry records nothing and is rejected before it reaches
// the database (which carries a matching CHECK constraint).
var ErrEmptyChange = errors.New("changelog: change has neither tags nor text")

// Change is one recorded edit of an item.
//
// OldTags/NewTags hold the comma-joined tag set before and after the edit,
// OldText/NewText the recognized text. A tag-only edit leaves the text pair
// NULL and vice versa. AuthorReverted is the change author's own reverted
// flag, joined in by the listing queries because the revert walk needs to know
// whether the author is still trusted.
type Change struct {
	ID         int64
	CreatedAt  time.Time
	Reverted   bool
	UserID     int64
	ItemFileID string

	OldTags sql.NullString
	NewTags sql.NullString
	OldText sql.NullString
	NewText sql.NullString

	AuthorReverted bool
}

// Store manages change entries in PostgreSQL.
type Store struct {
	db    *sql.DB
	items *item.Store
}

// NewStore creates a change log store backed by the given database handle.
func NewStore(conn *sql.DB, items *item.Store) *Store {
	return &Store{db: conn, items: items}
}

// Record appends a change entry for an edit of the given item by the given
// user. The caller passes the pre-edit snapshots (nil for a pair that did not
// change); the post-edit side is read from the item's current live state, so
// Record must be called after the item has been mutated. An empty string is a
// valid pre-state (the item had no tags / no text) and distinct from nil.
func (s *Store) Record(ctx context.Context, userID int64, fileID string, oldTags, oldText *string) (*Change, error) {
	if oldTags == nil && oldText == nil {
		return nil, ErrEmptyChange
	}

	c := &Change{UserID: userID, ItemFileID: fileID}

	if oldTags != nil {
		tags, err := s.items.Tags(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("changelog: record %s: %w", fileID, err)
		}
		c.OldTags = sql.NullString{String: *oldTags, Valid: true}
		c.NewTags = sql.NullString{String: item.TagsAsText(tags), Valid: true}
	}

	if oldText != nil {
		it, err := s.items.Get(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("changelog: record %s: %w", fileID, err)
		}
		c.OldText = sql.NullString{String: *oldText, Valid: true}
		c.NewText = it.Text
	}

	const query = `
		INSERT INTO changes (user_id, item_file_id, old_tags, new_tags, old_text, new_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, reverted`

	err := s.db.QueryRowContext(ctx, query,
		c.UserID, c.ItemFileID, c.OldTags, c.NewTags, c.OldText, c.NewText,
	).Scan(&c.ID, &c.CreatedAt, &c.Reverted)
	if err != nil {
		return nil, fmt.Errorf("changelog: record %s: %w", fileID, err)
	}

	return c, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so listings can run inside
// the revert engine's per-item transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const changeColumns = `
	c.id, c.created_at, c.reverted, c.user_id, c.item_file_id,
	c.old_tags, c.new_tags, c.old_text, c.new_text, u.reverted`

// ForItem returns all changes for an item, newest first.
func (s *Store) ForItem(ctx context.Context, fileID string) ([]*Change, error) {
	return s.forItem(ctx, s.db, fileID)
}

// ForItemTx is ForItem scoped to the caller's transaction.
func (s *Store) ForItemTx(ctx context.Context, tx *sql.Tx, fileID string) ([]*Change, error) {
	return s.forItem(ctx, tx, fileID)
}

func (s *Store) forItem(ctx context.Context, q querier, fileID string) ([]*Change, error) {
	query := `
		SELECT` + changeColumns + `
		FROM changes c
		JOIN users u ON u.id = c.user_id
		WHERE c.item_file_id = $1
		ORDER BY c.created_at DESC, c.id DESC`

	rows, err := q.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("changelog: for item %s: %w", fileID, err)
	}
	return scanChanges(rows)
}

// ForActorWindow returns the actor's changes within the trailing window ending
// at until, newest first. Task rendering uses this to show a moderator what a
// flagged user did in the 24 hours before the task was raised.
func (s *Store) ForActorWindow(ctx context.Context, userID int64, until time.Time, window time.Duration) ([]*Change, error) {
	query := `
		SELECT` + changeColumns + `
		FROM changes c
		JOIN users u ON u.id = c.user_id
		WHERE c.user_id = $1
		  AND c.created_at >= $2
		  AND c.created_at <= $3
		ORDER BY c.created_at DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, until.Add(-window), until)
	if err != nil {
		return nil, fmt.Errorf("changelog: for actor %d: %w", userID, err)
	}
	return scanChanges(rows)
}

// ItemsTouchedBy returns the distinct ids of items with at least one change by
// the given actor.
func (s *Store) ItemsTouchedBy(ctx context.Context, userID int64) ([]string, error) {
	const query = `
		SELECT DISTINCT item_file_id
		FROM changes
		WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("changelog: items touched by %d: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("changelog: items touched by %d: %w", userID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkReverted flips a change's reverted flag inside the caller's transaction.
// The flip is one-way: marking an already-reverted change is a no-op, never an
// error.
func (s *Store) MarkReverted(ctx context.Context, tx *sql.Tx, changeID int64) error {
	const query = `UPDATE changes SET reverted = TRUE WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, changeID); err != nil {
		return fmt.Errorf("changelog: mark reverted %d: %w", changeID, err)
	}
	return nil
}

func scanChanges(rows *sql.Rows) ([]*Change, error) {
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		err := rows.Scan(
			&c.ID, &c.CreatedAt, &c.Reverted, &c.UserID, &c.ItemFileID,
			&c.OldTags, &c.NewTags, &c.OldText, &c.NewText, &c.AuthorReverted,
		)
		if err != nil {
			return nil, fmt.Errorf("changelog: scan: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
