package detect

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/stickersearch/moderation/internal/dbtest"
	"github.com/stickersearch/moderation/internal/sets"
	"github.com/stickersearch/moderation/internal/tasks"
	"github.com/stickersearch/moderation/internal/user"
)

type noopReverter struct{}

func (noopReverter) RevertUser(context.Context, int64) error { return nil }

// newTestDetector wires a detector against local Redis and PostgreSQL, skipping
// when either is unavailable. Activity counters are wiped before and after.
func newTestDetector(t *testing.T) (*Detector, *sql.DB) {
	t.Helper()
	conn := dbtest.Open(t)

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, ActivityPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})

	queue := tasks.NewQueue(conn, noopReverter{}, sets.NewStore(conn))
	d := NewDetector(client, queue)
	d.Threshold = 3
	return d, conn
}

func seedUser(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	if _, err := user.NewStore(conn).GetOrCreate(context.Background(), id, "busy"); err != nil {
		t.Fatalf("seed user %d: %v", id, err)
	}
}

func countOpenTasks(t *testing.T, conn *sql.DB, userID int64) int {
	t.Helper()
	var n int
	err := conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM review_tasks
		 WHERE kind = 'user_revert' AND subject_user_id = $1 AND NOT reviewed`,
		userID,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	return n
}

func TestNoteChangeBelowThreshold(t *testing.T) {
	d, conn := newTestDetector(t)
	ctx := context.Background()
	seedUser(t, conn, 1)

	for i := 0; i < d.Threshold-1; i++ {
		flagged, err := d.NoteChange(ctx, 1)
		if err != nil {
			t.Fatalf("NoteChange() error: %v", err)
		}
		if flagged {
			t.Fatalf("flagged after %d changes, threshold is %d", i+1, d.Threshold)
		}
	}

	count, err := d.Count(ctx, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != d.Threshold-1 {
		t.Errorf("counter = %d, want %d", count, d.Threshold-1)
	}
	if n := countOpenTasks(t, conn, 1); n != 0 {
		t.Errorf("got %d tasks below threshold, want 0", n)
	}
}

func TestNoteChangeFlagsAtThreshold(t *testing.T) {
	d, conn := newTestDetector(t)
	ctx := context.Background()
	seedUser(t, conn, 2)

	var flagged bool
	for i := 0; i < d.Threshold; i++ {
		var err error
		flagged, err = d.NoteChange(ctx, 2)
		if err != nil {
			t.Fatalf("NoteChange() error: %v", err)
		}
	}
	if !flagged {
		t.Fatal("not flagged at threshold")
	}

	// A burst past the threshold stays at one open task.
	for i := 0; i < 3; i++ {
		if _, err := d.NoteChange(ctx, 2); err != nil {
			t.Fatalf("NoteChange() error: %v", err)
		}
	}
	if n := countOpenTasks(t, conn, 2); n != 1 {
		t.Errorf("got %d open tasks, want 1", n)
	}
}

func TestCountMissingKey(t *testing.T) {
	d, _ := newTestDetector(t)

	count, err := d.Count(context.Background(), 404)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestSweep(t *testing.T) {
	d, conn := newTestDetector(t)
	ctx := context.Background()
	seedUser(t, conn, 10)
	seedUser(t, conn, 11)

	// Simulate counters left behind by a previous run: user 10 over the
	// threshold, user 11 under it.
	for i := 0; i < d.Threshold; i++ {
		if err := d.client.Incr(ctx, fmt.Sprintf("%s%d", ActivityPrefix, 10)).Err(); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	if err := d.client.Incr(ctx, fmt.Sprintf("%s%d", ActivityPrefix, 11)).Err(); err != nil {
		t.Fatalf("incr: %v", err)
	}

	flagged, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if flagged != 1 {
		t.Errorf("Sweep() flagged %d users, want 1", flagged)
	}
	if n := countOpenTasks(t, conn, 10); n != 1 {
		t.Errorf("user 10 has %d open tasks, want 1", n)
	}
	if n := countOpenTasks(t, conn, 11); n != 0 {
		t.Errorf("user 11 has %d open tasks, want 0", n)
	}

	// A second sweep sees the same counters but the open task absorbs the
	// repeat, so nothing new is flagged.
	flagged, err = d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if flagged != 0 {
		t.Errorf("second Sweep() flagged %d users, want 0", flagged)
	}
}
