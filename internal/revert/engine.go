// Package revert implements the rollback of one user's edits. Given a target
// user, the engine walks every affected item's change history newest-first,
// undoes the contiguous block of changes authored by the target or by other
// already-untrusted users, and stops at the first change by a trusted user —
// that change's resulting state is the last known good baseline and must not
// be touched. Edits other users layered on top of the bad block are therefore
// preserved; only the bad block itself is erased.
package revert

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/stickersearch/moderation/internal/changelog"
	"github.com/stickersearch/moderation/internal/db"
	"github.com/stickersearch/moderation/internal/item"
	"github.com/stickersearch/moderation/internal/metrics"
	"github.com/stickersearch/moderation/internal/user"
)

// Engine computes and applies user reverts.
type Engine struct {
	db      *sql.DB
	changes *changelog.Store
	items   *item.Store
	users   *user.Store
}

// NewEngine creates a revert engine over the given stores.
func NewEngine(conn *sql.DB, changes *changelog.Store, items *item.Store, users *user.Store) *Engine {
	return &Engine{db: conn, changes: changes, items: items, users: users}
}

// RevertUser rolls back all of the target user's changes across every item
// they touched, then marks the user reverted and garbage-collects unused tags.
//
// Each item's rollback (tag rewrite plus flag flips) runs in its own
// transaction; there is no cross-item atomicity, so a failure partway leaves
// earlier items rolled back. Calling RevertUser again on the same user is safe
// and converges to the same state: already-reverted entries are transparent to
// the walk.
func (e *Engine) RevertUser(ctx context.Context, userID int64) error {
	start := time.Now()

	fileIDs, err := e.changes.ItemsTouchedBy(ctx, userID)
	if err != nil {
		return fmt.Errorf("revert: user %d: %w", userID, err)
	}

	var total int
	for _, fileID := range fileIDs {
		n, err := e.revertItem(ctx, userID, fileID)
		if err != nil {
			return fmt.Errorf("revert: user %d item %s: %w", userID, fileID, err)
		}
		total += n
	}

	if err := e.users.MarkReverted(ctx, userID); err != nil {
		return fmt.Errorf("revert: user %d: %w", userID, err)
	}

	removed, err := e.items.RemoveUnusedTags(ctx)
	if err != nil {
		return fmt.Errorf("revert: user %d: %w", userID, err)
	}

	metrics.ChangesReverted.Add(float64(total))
	metrics.RevertDuration.Observe(time.Since(start).Seconds())
	log.Printf("[revert] user=%d items=%d entries_reverted=%d tags_removed=%d took=%s",
		userID, len(fileIDs), total, removed, time.Since(start))

	return nil
}

// revertItem walks one item's history newest-first and undoes the leading
// untrusted block inside a single transaction, so the tag rewrite and the
// reverted-flag flips land together or not at all.
func (e *Engine) revertItem(ctx context.Context, userID int64, fileID string) (int, error) {
	var reverted int

	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		entries, err := e.changes.ForItemTx(ctx, tx, fileID)
		if err != nil {
			return err
		}

		for _, c := range entries {
			// Already undone in an earlier pass; an older valid
			// baseline may still sit below it.
			if c.Reverted {
				continue
			}

			// First change by a trusted user: everything from here
			// down is the accepted history.
			if c.UserID != userID && !c.AuthorReverted {
				break
			}

			// A text-only change has no tag snapshot to restore;
			// it still gets flagged so later walks skip it.
			if c.OldTags.Valid {
				tags := item.ParseTags(c.OldTags.String)
				if err := e.items.ReplaceTags(ctx, tx, fileID, tags); err != nil {
					return err
				}
			}

			if err := e.changes.MarkReverted(ctx, tx, c.ID); err != nil {
				return err
			}
			reverted++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return reverted, nil
}
