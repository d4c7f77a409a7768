package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sessionbridge/internal/session"
	"github.com/ashureev/sessionbridge/internal/unified"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveLoadSnapshot_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := session.New("sess-1")
	state.Model = "claude"

	snap := Snapshot{
		ID:        "sess-1",
		Cwd:       "/home/user/project",
		CreatedAt: time.Now(),
		State:     state,
		History:   []unified.Message{unified.New(unified.TypeUserMessage, unified.RoleUser, unified.TextBlock("hi"))},
	}

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.Cwd != snap.Cwd || got.State.Model != "claude" || len(got.History) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestLoadSnapshot_MissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.LoadSnapshot(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := Snapshot{ID: "sess-2", Cwd: "/tmp", CreatedAt: time.Now(), State: session.New("sess-2")}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.DeleteSnapshot(ctx, "sess-2"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	got, err := store.LoadSnapshot(ctx, "sess-2")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got != nil {
		t.Fatal("expected snapshot to be gone after delete")
	}
}

func TestListExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := Snapshot{ID: "sess-3", Cwd: "/tmp", CreatedAt: time.Now(), State: session.New("sess-3")}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	ids, err := store.ListExpired(ctx, 0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == "sess-3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sess-3 in expired list, got %v", ids)
	}
}
