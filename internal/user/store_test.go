package user

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stickersearch/moderation/internal/db"
	"github.com/stickersearch/moderation/internal/dbtest"
)

func TestGetNotFound(t *testing.T) {
	store := NewStore(dbtest.Open(t))

	_, err := store.Get(context.Background(), 42)
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected db.ErrNotFound, got %v", err)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, 42, "alice")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if first.ID != 42 || first.Username != "alice" {
		t.Errorf("got %+v", first)
	}
	if first.Reverted || first.Banned {
		t.Error("new user must start with both flags clear")
	}

	// The stored row wins over a later username.
	second, err := store.GetOrCreate(ctx, 42, "renamed")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if second.Username != "alice" {
		t.Errorf("username = %q, want alice", second.Username)
	}
}

func TestGetOrCreateRace(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	ctx := context.Background()

	const racers = 4
	var wg sync.WaitGroup
	users := make([]*User, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = store.GetOrCreate(ctx, 7, "bob")
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		if users[i] == nil || users[i].ID != 7 {
			t.Fatalf("racer %d got %+v", i, users[i])
		}
	}
}

func TestFlags(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, 1, "flagged"); err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}

	if err := store.MarkReverted(ctx, 1); err != nil {
		t.Fatalf("MarkReverted() error: %v", err)
	}
	if err := store.SetBanned(ctx, 1, true); err != nil {
		t.Fatalf("SetBanned() error: %v", err)
	}

	u, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !u.Reverted || !u.Banned {
		t.Errorf("flags = reverted=%v banned=%v, want both set", u.Reverted, u.Banned)
	}

	// Banned is reversible; reverted stays put independently.
	if err := store.SetBanned(ctx, 1, false); err != nil {
		t.Fatalf("SetBanned() error: %v", err)
	}
	u, _ = store.Get(ctx, 1)
	if u.Banned {
		t.Error("banned flag not cleared")
	}
	if !u.Reverted {
		t.Error("clearing banned must not touch reverted")
	}
}

func TestFlagsUnknownUser(t *testing.T) {
	store := NewStore(dbtest.Open(t))
	ctx := context.Background()

	if err := store.MarkReverted(ctx, 99); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("MarkReverted: expected db.ErrNotFound, got %v", err)
	}
	if err := store.SetBanned(ctx, 99, true); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("SetBanned: expected db.ErrNotFound, got %v", err)
	}
}
