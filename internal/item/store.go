// Package item provides PostgreSQL-backed storage for tagged items and their
// tag sets. An item is the unit of tagged content: it belongs to a set,
// carries a mutable tag set (a join table against the global tag list), and
// optionally a recognized text. The change log snapshots tag sets in a
// comma-joined text form; ParseTags/TagsAsText define that encoding.
package item

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stickersearch/moderation/internal/db"
)

// Item is a single tagged unit of content.
type Item struct {
	FileID    string
	SetName   string
	Text      sql.NullString
	CreatedAt time.Time
}

// Store manages items and tags in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an item store backed by the given database handle.
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Get fetches an item by file id. Returns db.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, fileID string) (*Item, error) {
	const query = `
		SELECT file_id, COALESCE(set_name, ''), text, created_at
		FROM items
		WHERE file_id = $1`

	it := &Item{}
	err := s.db.QueryRowContext(ctx, query, fileID).
		Scan(&it.FileID, &it.SetName, &it.Text, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("item: get %s: %w", fileID, err)
	}
	return it, nil
}

// Upsert inserts an item or refreshes its set membership if it already exists.
func (s *Store) Upsert(ctx context.Context, fileID, setName string) error {
	const query = `
		INSERT INTO items (file_id, set_name)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (file_id) DO UPDATE SET set_name = EXCLUDED.set_name`

	if _, err := s.db.ExecContext(ctx, query, fileID, setName); err != nil {
		return fmt.Errorf("item: upsert %s: %w", fileID, err)
	}
	return nil
}

// SetText sets the item's recognized text.
func (s *Store) SetText(ctx context.Context, fileID, text string) error {
	const query = `UPDATE items SET text = $1 WHERE file_id = $2`
	res, err := s.db.ExecContext(ctx, query, text, fileID)
	if err != nil {
		return fmt.Errorf("item: set text %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// Tags returns the item's current tag names in lexical order.
func (s *Store) Tags(ctx context.Context, fileID string) ([]string, error) {
	const query = `
		SELECT tag_name
		FROM item_tags
		WHERE item_file_id = $1
		ORDER BY tag_name`

	rows, err := s.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("item: tags %s: %w", fileID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("item: tags %s: %w", fileID, err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// EnsureTags creates any tag rows that do not exist yet. Concurrent creation
// of the same tag is harmless.
func (s *Store) EnsureTags(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	const query = `
		INSERT INTO tags (name)
		SELECT unnest($1::text[])
		ON CONFLICT (name) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(names)); err != nil {
		return fmt.Errorf("item: ensure tags: %w", err)
	}
	return nil
}

// ReplaceTags rewrites the item's tag set inside the caller's transaction.
// Only names with an existing tag row are attached; unknown names are silently
// dropped. The revert walk relies on this when restoring an old snapshot whose
// tags have since been garbage-collected.
func (s *Store) ReplaceTags(ctx context.Context, tx *sql.Tx, fileID string, tags []string) error {
	const clear = `DELETE FROM item_tags WHERE item_file_id = $1`
	if _, err := tx.ExecContext(ctx, clear, fileID); err != nil {
		return fmt.Errorf("item: clear tags %s: %w", fileID, err)
	}

	if len(tags) == 0 {
		return nil
	}

	const attach = `
		INSERT INTO item_tags (item_file_id, tag_name)
		SELECT $1, name FROM tags WHERE name = ANY($2)
		ON CONFLICT DO NOTHING`
	if _, err := tx.ExecContext(ctx, attach, fileID, pq.Array(tags)); err != nil {
		return fmt.Errorf("item: attach tags %s: %w", fileID, err)
	}
	return nil
}

// RemoveUnusedTags deletes tags no longer referenced by any item and returns
// how many were removed. Called after a revert pass so rolled-back tags do not
// linger in search suggestions.
func (s *Store) RemoveUnusedTags(ctx context.Context) (int64, error) {
	const query = `
		DELETE FROM tags
		WHERE NOT EXISTS (
			SELECT 1 FROM item_tags WHERE item_tags.tag_name = tags.name
		)`

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("item: remove unused tags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("item: remove unused tags: %w", err)
	}
	return n, nil
}
