package textstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

func setupDB(t *testing.T) *dbutil.Database {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	return db
}

func TestStoreDeduplicatesAcrossOrigins(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	b1, err := store.Store(ctx, "hello", "text/plain", false, Origin{Kind: OriginUser, UserID: "u1"})
	if err != nil {
		t.Fatalf("store 1: %v", err)
	}
	b2, err := store.Store(ctx, "hello", "text/plain", false, Origin{Kind: OriginAssistant, ModelID: "claude"})
	if err != nil {
		t.Fatalf("store 2: %v", err)
	}
	if b1.ID != b2.ID {
		t.Fatalf("expected deduplication: %s != %s", b1.ID, b2.ID)
	}
	// The winning row's origin is whichever write landed first (b1's).
	if b2.Origin.Kind != OriginUser {
		t.Fatalf("expected original origin preserved, got %s", b2.Origin.Kind)
	}

	found, ok, err := store.FindByHash(ctx, hashText("hello"))
	if err != nil {
		t.Fatalf("find by hash: %v", err)
	}
	if !ok || found.ID != b1.ID {
		t.Fatalf("expected find-by-hash to resolve to %s, got %s (ok=%v)", b1.ID, found.ID, ok)
	}
}

func TestGetTextRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	b, err := store.Store(ctx, "round trip me", "text/plain", false, Origin{Kind: OriginTool})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	text, ok, err := store.GetText(ctx, b.ID)
	if err != nil {
		t.Fatalf("get text: %v", err)
	}
	if !ok || text != "round trip me" {
		t.Fatalf("unexpected round trip: %q ok=%v", text, ok)
	}
}

func TestGetTextMissingReturnsNotFoundFalse(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	_, ok, err := store.GetText(ctx, "missing-id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing block")
	}
}
