package blobstore

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

func TestStoreBytesIsIdempotentByHash(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	h1, err := store.StoreBytes(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h2, err := store.StoreBytes(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash for identical bytes, got %s != %s", h1, h2)
	}

	data, err := store.Get(ctx, h1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data: %q", data)
	}

	exists, err := store.Exists(ctx, h1)
	if err != nil || !exists {
		t.Fatalf("expected blob to exist: exists=%v err=%v", exists, err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := store.Get(ctx, Hash("nonexistent")); err == nil {
		t.Fatal("expected error for missing blob")
	}
}
