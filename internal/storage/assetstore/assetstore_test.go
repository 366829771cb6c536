package assetstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/storage/blobstore"
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

func TestCreateFromBytesNonImage(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	data := []byte("fake audio bytes")
	asset, err := store.CreateFromBytes(ctx, blobstore.HashBytes(data), "audio/mpeg", data)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if asset.SizeBytes != int64(len(data)) {
		t.Fatalf("unexpected size: %d", asset.SizeBytes)
	}
	if asset.Width != 0 || asset.Height != 0 {
		t.Fatalf("expected zero dimensions for non-image mime, got %dx%d", asset.Width, asset.Height)
	}

	got, err := store.Get(ctx, asset.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected mime: %s", got.MimeType)
	}

	exists, err := store.Exists(ctx, asset.ID)
	if err != nil || !exists {
		t.Fatalf("expected asset to exist: exists=%v err=%v", exists, err)
	}
}

func TestMultipleAssetsShareBlobHash(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	data := []byte("shared bytes")
	hash := blobstore.HashBytes(data)
	a1, err := store.CreateFromBytes(ctx, hash, "image/png", data)
	if err != nil {
		t.Fatalf("create a1: %v", err)
	}
	a2, err := store.CreateFromBytes(ctx, hash, "application/octet-stream", data)
	if err != nil {
		t.Fatalf("create a2: %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatal("expected distinct asset ids")
	}
	if a1.BlobHash != a2.BlobHash {
		t.Fatal("expected shared blob hash across assets")
	}
}
