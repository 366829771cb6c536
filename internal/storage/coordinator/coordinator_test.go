package coordinator

import (
	"context"
	"database/sql"
	"encoding/base64"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/storage/assetstore"
	"github.com/poucet/noema/internal/storage/blobstore"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/entitystore"
	"github.com/poucet/noema/internal/storage/textstore"
	"github.com/poucet/noema/internal/storage/turnstore"
	"github.com/poucet/noema/internal/storage/turnstore/memory"
)

func setupCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}

	blob := blobstore.New(db)
	asset := assetstore.New(db)
	text := textstore.New(db)
	entity := entitystore.New(db)
	turn := memory.New()

	ctx := context.Background()
	for _, ensure := range []func(context.Context) error{blob.EnsureSchema, asset.EnsureSchema, text.EnsureSchema, entity.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
	}

	return New(blob, asset, text, entity, turn)
}

func TestStoreAndResolveTextContent(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	stored, err := c.StoreContentBlock(ctx, content.Text("hello world"), textstore.Origin{Kind: textstore.OriginUser})
	if err != nil {
		t.Fatalf("store content block: %v", err)
	}
	if stored.Kind != content.StoredText {
		t.Fatalf("expected text ref, got %v", stored.Kind)
	}

	resolved, err := c.ResolveStoredContent(ctx, []content.StoredContent{stored})
	if err != nil {
		t.Fatalf("resolve stored content: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved item, got %d", len(resolved))
	}
	text, ok := resolved[0].AsText()
	if !ok || text != "hello world" {
		t.Fatalf("unexpected resolved text: %q ok=%v", text, ok)
	}
}

func TestStoreAndResolveImageContent(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	raw := []byte("fake-png-bytes")
	encoded := base64.StdEncoding.EncodeToString(raw)

	stored, err := c.StoreContentBlock(ctx, content.Image(encoded, "image/png"), textstore.Origin{Kind: textstore.OriginUser})
	if err != nil {
		t.Fatalf("store content block: %v", err)
	}
	if stored.Kind != content.StoredAsset {
		t.Fatalf("expected asset ref, got %v", stored.Kind)
	}

	resolved, err := c.ResolveStoredContent(ctx, []content.StoredContent{stored})
	if err != nil {
		t.Fatalf("resolve stored content: %v", err)
	}
	if resolved[0].Block == nil || resolved[0].Block.Kind != content.BlockImage {
		t.Fatalf("expected resolved image block, got %+v", resolved[0])
	}
	decoded, err := base64.StdEncoding.DecodeString(resolved[0].Block.Data)
	if err != nil || string(decoded) != string(raw) {
		t.Fatalf("round-tripped image bytes mismatch: %v %q", err, decoded)
	}
}

func TestToolCallAndResultPassThrough(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	call := &content.ToolCall{ID: "call-1", Name: "search", Arguments: map[string]any{"q": "go"}}
	stored, err := c.StoreContentBlock(ctx, content.ContentBlock{Kind: content.BlockToolCall, ToolCall: call}, textstore.Origin{})
	if err != nil {
		t.Fatalf("store tool call: %v", err)
	}
	if stored.Kind != content.StoredToolCall || stored.ToolCall.Name != "search" {
		t.Fatalf("unexpected stored tool call: %+v", stored)
	}

	resolved, err := c.ResolveStoredContent(ctx, []content.StoredContent{stored})
	if err != nil {
		t.Fatalf("resolve tool call: %v", err)
	}
	if resolved[0].ToolCall.ID != "call-1" {
		t.Fatalf("unexpected resolved tool call: %+v", resolved[0])
	}
}

func TestConversationAndSubconversationLifecycle(t *testing.T) {
	ctx := context.Background()
	c := setupCoordinator(t)

	conversationID, err := c.CreateConversationWithView(ctx, "user-1", "Main Chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	viewID, messages, err := c.OpenSession(ctx, conversationID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty session, got %d messages", len(messages))
	}

	turnID, err := c.CreateTurn(ctx, turnstore.RoleUser)
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	spanID, err := c.CreateAndSelectSpan(ctx, viewID, turnID, "")
	if err != nil {
		t.Fatalf("create and select span: %v", err)
	}
	if _, err := c.AddMessage(ctx, spanID, turnID, turnstore.MessageRoleUser,
		[]content.ContentBlock{content.Text("spawn a helper")}, textstore.OriginUser); err != nil {
		t.Fatalf("add message: %v", err)
	}

	subID, err := c.SpawnSubconversation(ctx, conversationID, "user-1", turnID, spanID, "Helper")
	if err != nil {
		t.Fatalf("spawn subconversation: %v", err)
	}

	parentID, atTurnID, _, found, err := c.GetParentConversation(ctx, subID)
	if err != nil || !found || parentID != conversationID || atTurnID != turnID {
		t.Fatalf("get parent conversation: found=%v err=%v parent=%v turn=%v", found, err, parentID, atTurnID)
	}

	subs, err := c.ListSubconversations(ctx, conversationID)
	if err != nil || len(subs) != 1 || subs[0].ConversationID != subID {
		t.Fatalf("list subconversations: err=%v subs=%+v", err, subs)
	}

	subViewID, _, err := c.OpenSession(ctx, subID)
	if err != nil {
		t.Fatalf("open sub session: %v", err)
	}
	subTurnID, err := c.CreateTurn(ctx, turnstore.RoleAssistant)
	if err != nil {
		t.Fatalf("create sub turn: %v", err)
	}
	subSpanID, err := c.CreateAndSelectSpan(ctx, subViewID, subTurnID, "claude-3")
	if err != nil {
		t.Fatalf("create sub span: %v", err)
	}
	if _, err := c.AddMessage(ctx, subSpanID, subTurnID, turnstore.MessageRoleAssistant,
		[]content.ContentBlock{content.Text("done: helper result")}, textstore.OriginAssistant); err != nil {
		t.Fatalf("add sub message: %v", err)
	}

	result, found, err := c.GetSubconversationResult(ctx, subID)
	if err != nil || !found || result != "done: helper result" {
		t.Fatalf("get subconversation result: found=%v err=%v result=%q", found, err, result)
	}

	linked, err := c.LinkSubconversationResult(ctx, subID, spanID, turnID, "call-1", "spawn_agent")
	if err != nil {
		t.Fatalf("link subconversation result: %v", err)
	}
	if len(linked.Content) != 1 || linked.Content[0].ToolResult == nil {
		t.Fatalf("unexpected linked message: %+v", linked)
	}
}
