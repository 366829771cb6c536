package docstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaid"
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

func TestDocumentTabRevisionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	docID, err := store.CreateDocument(ctx, "user-1", "My Notes", SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	doc, ok, err := store.GetDocument(ctx, docID)
	if err != nil || !ok || doc.Title != "My Notes" {
		t.Fatalf("get document: ok=%v err=%v doc=%+v", ok, err, doc)
	}

	tabID, err := store.CreateTab(ctx, docID, "", 0, "Page 1", "", "initial content", nil, "")
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}

	revID, err := store.CreateRevision(ctx, tabID, "initial content", "hash1", nil, "user")
	if err != nil {
		t.Fatalf("create revision: %v", err)
	}
	if err := store.SetTabRevision(ctx, tabID, revID); err != nil {
		t.Fatalf("set tab revision: %v", err)
	}

	rev2ID, err := store.CreateRevision(ctx, tabID, "edited content", "hash2", []noemaid.AssetID{"asset-1"}, "user")
	if err != nil {
		t.Fatalf("create revision 2: %v", err)
	}

	revisions, err := store.ListRevisions(ctx, tabID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}
	if revisions[0].ID != rev2ID || revisions[0].RevisionNumber != 2 {
		t.Fatalf("expected newest-first ordering, got %+v", revisions)
	}
	if revisions[0].ParentRevisionID != string(revID) {
		t.Fatalf("expected revision 2 to chain to revision 1, got parent=%q", revisions[0].ParentRevisionID)
	}

	tab, ok, err := store.GetTab(ctx, tabID)
	if err != nil || !ok {
		t.Fatalf("get tab: ok=%v err=%v", ok, err)
	}
	if tab.CurrentRevisionID != string(revID) {
		t.Fatalf("expected current revision to still be revision 1 until explicitly advanced, got %q", tab.CurrentRevisionID)
	}
}

func TestListAndSearchDocuments(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	if _, err := store.CreateDocument(ctx, "u1", "Project Plan", SourceUserCreated, ""); err != nil {
		t.Fatalf("create doc 1: %v", err)
	}
	if _, err := store.CreateDocument(ctx, "u1", "Grocery List", SourceUserCreated, ""); err != nil {
		t.Fatalf("create doc 2: %v", err)
	}
	if _, err := store.CreateDocument(ctx, "u2", "Other User Doc", SourceUserCreated, ""); err != nil {
		t.Fatalf("create doc 3: %v", err)
	}

	docs, err := store.ListDocuments(ctx, "u1")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents for u1, got %d", len(docs))
	}

	found, err := store.SearchDocuments(ctx, "u1", "plan", 10)
	if err != nil {
		t.Fatalf("search documents: %v", err)
	}
	if len(found) != 1 || found[0].Title != "Project Plan" {
		t.Fatalf("unexpected search result: %+v", found)
	}
}
