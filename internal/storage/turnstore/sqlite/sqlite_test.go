package sqlite

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/turnstore"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	store := New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestTurnAndSpanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	turn, err := store.CreateTurn(ctx, turnstore.RoleUser)
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	fetched, ok, err := store.GetTurn(ctx, turn.ID)
	if err != nil || !ok || fetched.Role != turnstore.RoleUser {
		t.Fatalf("get turn: ok=%v err=%v turn=%+v", ok, err, fetched)
	}

	span, err := store.CreateSpan(ctx, turn.ID, "claude-3")
	if err != nil {
		t.Fatalf("create span: %v", err)
	}
	blocks := []content.StoredContent{content.TextRef(noemaid.NewContentBlockID())}
	if _, err := store.AddMessage(ctx, span.ID, turnstore.MessageRoleUser, blocks); err != nil {
		t.Fatalf("add message: %v", err)
	}

	updated, ok, err := store.GetSpan(ctx, span.ID)
	if err != nil || !ok || updated.MessageCount != 1 {
		t.Fatalf("get span after message: ok=%v err=%v span=%+v", ok, err, updated)
	}

	messages, err := store.GetMessages(ctx, span.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 1 || len(messages[0].Content) != 1 || messages[0].Content[0].Kind != content.StoredText {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func addTurnToView(t *testing.T, ctx context.Context, store *Store, viewID noemaid.ViewID, role turnstore.Role) noemaid.TurnID {
	t.Helper()
	turn, err := store.CreateTurn(ctx, role)
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	span, err := store.CreateSpan(ctx, turn.ID, "")
	if err != nil {
		t.Fatalf("create span: %v", err)
	}
	if err := store.SelectSpan(ctx, viewID, turn.ID, span.ID); err != nil {
		t.Fatalf("select span: %v", err)
	}
	return turn.ID
}

func TestForkViewCopiesOnlyPrefix(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	view, err := store.CreateView(ctx)
	if err != nil {
		t.Fatalf("create view: %v", err)
	}

	turnA := addTurnToView(t, ctx, store, view.ID, turnstore.RoleUser)
	turnB := addTurnToView(t, ctx, store, view.ID, turnstore.RoleAssistant)
	addTurnToView(t, ctx, store, view.ID, turnstore.RoleUser)

	forked, err := store.ForkView(ctx, view.ID, turnB)
	if err != nil {
		t.Fatalf("fork view: %v", err)
	}

	path, err := store.GetViewPath(ctx, forked.ID)
	if err != nil {
		t.Fatalf("get forked path: %v", err)
	}
	if len(path) != 1 || path[0].Turn.ID != turnA {
		t.Fatalf("expected forked view to contain only turnA, got %+v", path)
	}

	original, err := store.GetViewPath(ctx, view.ID)
	if err != nil {
		t.Fatalf("get original path: %v", err)
	}
	if len(original) != 3 {
		t.Fatalf("original view should retain all 3 turns, got %d", len(original))
	}
}

func TestListRelatedViewsIncludesForks(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	main, err := store.CreateView(ctx)
	if err != nil {
		t.Fatalf("create view: %v", err)
	}
	turnA := addTurnToView(t, ctx, store, main.ID, turnstore.RoleUser)

	fork, err := store.ForkView(ctx, main.ID, turnA)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	related, err := store.ListRelatedViews(ctx, main.ID)
	if err != nil {
		t.Fatalf("list related: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("expected 2 related views, got %d", len(related))
	}
	var sawFork bool
	for _, v := range related {
		if v.ID == fork.ID {
			sawFork = true
		}
	}
	if !sawFork {
		t.Fatal("expected fork to appear in related views")
	}
}
