package changelog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stickersearch/moderation/internal/dbtest"
	"github.com/stickersearch/moderation/internal/item"
	"github.com/stickersearch/moderation/internal/user"
)

func newTestStore(t *testing.T) (*sql.DB, *Store, *item.Store) {
	t.Helper()
	conn := dbtest.Open(t)
	items := item.NewStore(conn)
	return conn, NewStore(conn, items), items
}

func seedUser(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	users := user.NewStore(conn)
	if _, err := users.GetOrCreate(context.Background(), id, "test"); err != nil {
		t.Fatalf("seed user %d: %v", id, err)
	}
}

func seedItem(t *testing.T, items *item.Store, fileID string) {
	t.Helper()
	if err := items.Upsert(context.Background(), fileID, ""); err != nil {
		t.Fatalf("seed item %s: %v", fileID, err)
	}
}

func strPtr(s string) *string { return &s }

func TestRecordRejectsEmptyChange(t *testing.T) {
	_, store, items := newTestStore(t)
	ctx := context.Background()
	seedItem(t, items, "itm1")

	if _, err := store.Record(ctx, 1, "itm1", nil, nil); err != ErrEmptyChange {
		t.Fatalf("expected ErrEmptyChange, got %v", err)
	}
}

func TestRecordCapturesPrePostState(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedItem(t, items, "itm1")

	// The item has already been edited to {cat, funny} when Record runs.
	if err := items.EnsureTags(ctx, []string{"cat", "funny"}); err != nil {
		t.Fatalf("ensure tags: %v", err)
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := items.ReplaceTags(ctx, tx, "itm1", []string{"cat", "funny"}); err != nil {
		t.Fatalf("replace tags: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	c, err := store.Record(ctx, 1, "itm1", strPtr(""), nil)
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	if !c.OldTags.Valid || c.OldTags.String != "" {
		t.Errorf("old_tags = %+v, want empty string", c.OldTags)
	}
	if !c.NewTags.Valid || c.NewTags.String != "cat,funny" {
		t.Errorf("new_tags = %+v, want cat,funny", c.NewTags)
	}
	if c.OldText.Valid || c.NewText.Valid {
		t.Errorf("text pair should be NULL for a tag-only change: %+v %+v", c.OldText, c.NewText)
	}
	if c.Reverted {
		t.Error("fresh change must not be reverted")
	}
}

func TestRecordTextOnlyChange(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedItem(t, items, "itm1")

	if err := items.SetText(ctx, "itm1", "hello world"); err != nil {
		t.Fatalf("set text: %v", err)
	}

	c, err := store.Record(ctx, 1, "itm1", nil, strPtr("old text"))
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if c.OldTags.Valid || c.NewTags.Valid {
		t.Errorf("tag pair should be NULL for a text-only change")
	}
	if c.OldText.String != "old text" || c.NewText.String != "hello world" {
		t.Errorf("text pair = %q -> %q", c.OldText.String, c.NewText.String)
	}
}

func TestForItemNewestFirst(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedItem(t, items, "itm1")

	var ids []int64
	for i := 0; i < 3; i++ {
		c, err := store.Record(ctx, 1, "itm1", strPtr(""), nil)
		if err != nil {
			t.Fatalf("Record() error: %v", err)
		}
		ids = append(ids, c.ID)
	}

	got, err := store.ForItem(ctx, "itm1")
	if err != nil {
		t.Fatalf("ForItem() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d changes, want 3", len(got))
	}
	for i, c := range got {
		if want := ids[2-i]; c.ID != want {
			t.Errorf("position %d: id %d, want %d", i, c.ID, want)
		}
	}
}

func TestMarkRevertedIsOneWayAndAppendOnly(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedItem(t, items, "itm1")

	c, err := store.Record(ctx, 1, "itm1", strPtr("cat"), nil)
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	// Flip twice; the second flip must be a no-op, not an error.
	for i := 0; i < 2; i++ {
		tx, err := conn.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := store.MarkReverted(ctx, tx, c.ID); err != nil {
			t.Fatalf("MarkReverted() error: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	got, err := store.ForItem(ctx, "itm1")
	if err != nil {
		t.Fatalf("ForItem() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d changes, want 1", len(got))
	}
	if !got[0].Reverted {
		t.Error("reverted flag not set")
	}
	// The snapshot fields are untouched by the flip.
	if got[0].OldTags.String != "cat" || got[0].NewTags.String != c.NewTags.String {
		t.Errorf("snapshots changed: %+v", got[0])
	}
}

func TestForActorWindow(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedUser(t, conn, 2)
	seedItem(t, items, "itm1")

	inside, err := store.Record(ctx, 1, "itm1", strPtr(""), nil)
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	old, err := store.Record(ctx, 1, "itm1", strPtr(""), nil)
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	other, err := store.Record(ctx, 2, "itm1", strPtr(""), nil)
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	// Push one of actor 1's changes out of the 24h window.
	_, err = conn.ExecContext(ctx,
		`UPDATE changes SET created_at = NOW() - INTERVAL '2 days' WHERE id = $1`, old.ID)
	if err != nil {
		t.Fatalf("age change: %v", err)
	}

	got, err := store.ForActorWindow(ctx, 1, time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ForActorWindow() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d changes, want 1", len(got))
	}
	if got[0].ID != inside.ID {
		t.Errorf("got change %d, want %d", got[0].ID, inside.ID)
	}
	_ = other
}

func TestItemsTouchedBy(t *testing.T) {
	conn, store, items := newTestStore(t)
	ctx := context.Background()
	seedUser(t, conn, 1)
	seedItem(t, items, "itm1")
	seedItem(t, items, "itm2")

	for _, id := range []string{"itm1", "itm2", "itm1"} {
		if _, err := store.Record(ctx, 1, id, strPtr(""), nil); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got, err := store.ItemsTouchedBy(ctx, 1)
	if err != nil {
		t.Fatalf("ItemsTouchedBy() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %v, want 2 distinct items", got)
	}
}
