package memory

import (
	"context"
	"testing"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/turnstore"
)

func TestTurnCRUD(t *testing.T) {
	ctx := context.Background()
	store := New()

	turn1, err := store.CreateTurn(ctx, turnstore.RoleUser)
	if err != nil {
		t.Fatalf("create turn1: %v", err)
	}
	if turn1.Role != turnstore.RoleUser {
		t.Fatalf("unexpected role: %v", turn1.Role)
	}

	turn2, err := store.CreateTurn(ctx, turnstore.RoleAssistant)
	if err != nil {
		t.Fatalf("create turn2: %v", err)
	}
	if turn2.Role != turnstore.RoleAssistant {
		t.Fatalf("unexpected role: %v", turn2.Role)
	}

	fetched, ok, err := store.GetTurn(ctx, turn1.ID)
	if err != nil || !ok {
		t.Fatalf("get turn1: ok=%v err=%v", ok, err)
	}
	if fetched.ID != turn1.ID {
		t.Fatalf("unexpected id: %v != %v", fetched.ID, turn1.ID)
	}
}

func TestSpanAndMessage(t *testing.T) {
	ctx := context.Background()
	store := New()

	turn, _ := store.CreateTurn(ctx, turnstore.RoleUser)
	span, err := store.CreateSpan(ctx, turn.ID, "")
	if err != nil {
		t.Fatalf("create span: %v", err)
	}
	if span.MessageCount != 0 {
		t.Fatalf("expected empty span, got count=%d", span.MessageCount)
	}

	blockID := noemaid.NewContentBlockID()
	blocks := []content.StoredContent{content.TextRef(blockID)}
	if _, err := store.AddMessage(ctx, span.ID, turnstore.MessageRoleUser, blocks); err != nil {
		t.Fatalf("add message: %v", err)
	}

	messages, err := store.GetMessages(ctx, span.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Message.Role != turnstore.MessageRoleUser {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if len(messages[0].Content) != 1 {
		t.Fatalf("unexpected content length: %+v", messages[0].Content)
	}

	updated, ok, err := store.GetSpan(ctx, span.ID)
	if err != nil || !ok {
		t.Fatalf("get span: ok=%v err=%v", ok, err)
	}
	if updated.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", updated.MessageCount)
	}
}

func buildTurnInView(t *testing.T, ctx context.Context, store *Store, viewID noemaid.ViewID, role turnstore.Role) (turnstore.Turn, turnstore.Span) {
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
	return turn, span
}

func TestViewPathOrderFollowsSelectionSequence(t *testing.T) {
	ctx := context.Background()
	store := New()
	view, _ := store.CreateView(ctx)

	turnA, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleUser)
	turnB, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleAssistant)

	path, err := store.GetViewPath(ctx, view.ID)
	if err != nil {
		t.Fatalf("get view path: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected 2 turns in path, got %d", len(path))
	}
	if path[0].Turn.ID != turnA.ID || path[1].Turn.ID != turnB.ID {
		t.Fatalf("unexpected path order: %+v", path)
	}
}

func TestForkViewCopiesPrefixOnly(t *testing.T) {
	ctx := context.Background()
	store := New()
	view, _ := store.CreateView(ctx)

	turnA, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleUser)
	turnB, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleAssistant)
	turnC, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleUser)
	_ = turnC

	forked, err := store.ForkView(ctx, view.ID, turnB.ID)
	if err != nil {
		t.Fatalf("fork view: %v", err)
	}
	if forked.Fork == nil || forked.Fork.FromViewID != view.ID || forked.Fork.AtTurnID != turnB.ID {
		t.Fatalf("unexpected fork info: %+v", forked.Fork)
	}

	path, err := store.GetViewPath(ctx, forked.ID)
	if err != nil {
		t.Fatalf("get forked path: %v", err)
	}
	if len(path) != 1 || path[0].Turn.ID != turnA.ID {
		t.Fatalf("expected forked view to contain only turnA, got %+v", path)
	}

	original, err := store.GetViewPath(ctx, view.ID)
	if err != nil {
		t.Fatalf("get original path: %v", err)
	}
	if len(original) != 3 {
		t.Fatalf("original view should be unaffected by fork, got %d turns", len(original))
	}
}

func TestGetViewContextAtExcludesUpToTurn(t *testing.T) {
	ctx := context.Background()
	store := New()
	view, _ := store.CreateView(ctx)

	turnA, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleUser)
	turnB, _ := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleAssistant)

	before, err := store.GetViewContextAt(ctx, view.ID, turnB.ID)
	if err != nil {
		t.Fatalf("get view context at: %v", err)
	}
	if len(before) != 1 || before[0].Turn.ID != turnA.ID {
		t.Fatalf("expected only turnA before turnB, got %+v", before)
	}
}

func TestListRelatedViewsFollowsForkTree(t *testing.T) {
	ctx := context.Background()
	store := New()
	main, _ := store.CreateView(ctx)
	turnA, _ := buildTurnInView(t, ctx, store, main.ID, turnstore.RoleUser)

	fork1, err := store.ForkView(ctx, main.ID, turnA.ID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	related, err := store.ListRelatedViews(ctx, main.ID)
	if err != nil {
		t.Fatalf("list related views: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("expected main + fork, got %d", len(related))
	}
	found := false
	for _, v := range related {
		if v.ID == fork1.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected fork to be included in related views")
	}
}

func TestEditTurnWithoutForkReplacesSelection(t *testing.T) {
	ctx := context.Background()
	store := New()
	view, _ := store.CreateView(ctx)
	turn, firstSpan := buildTurnInView(t, ctx, store, view.ID, turnstore.RoleAssistant)

	newSpan, forkedView, err := store.EditTurn(ctx, view.ID, turn.ID, []turnstore.PendingMessage{
		{Role: turnstore.MessageRoleAssistant, Content: []content.StoredContent{content.TextRef(noemaid.NewContentBlockID())}},
	}, "claude-3", false)
	if err != nil {
		t.Fatalf("edit turn: %v", err)
	}
	if forkedView != nil {
		t.Fatalf("expected no fork, got %+v", forkedView)
	}
	if newSpan.ID == firstSpan.ID {
		t.Fatal("expected a new span to be created")
	}

	selected, ok, err := store.GetSelectedSpan(ctx, view.ID, turn.ID)
	if err != nil || !ok {
		t.Fatalf("get selected span: ok=%v err=%v", ok, err)
	}
	if selected != newSpan.ID {
		t.Fatalf("expected selection updated to new span, got %v", selected)
	}
}
