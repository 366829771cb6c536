package session

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/storage/assetstore"
	"github.com/poucet/noema/internal/storage/blobstore"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/coordinator"
	"github.com/poucet/noema/internal/storage/docstore"
	"github.com/poucet/noema/internal/storage/entitystore"
	"github.com/poucet/noema/internal/storage/textstore"
	"github.com/poucet/noema/internal/storage/turnstore/memory"
)

func setupSession(t *testing.T) *Session {
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
	docs := docstore.New(db)
	turn := memory.New()

	ctx := context.Background()
	for _, ensure := range []func(context.Context) error{blob.EnsureSchema, asset.EnsureSchema, text.EnsureSchema, entity.EnsureSchema, docs.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
	}

	coord := coordinator.New(blob, asset, text, entity, turn)
	conversationID, err := coord.CreateConversationWithView(ctx, "user-1", "Test Chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	s, err := Open(ctx, coord, docs, conversationID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s
}

func TestAddAndClearPending(t *testing.T) {
	s := setupSession(t)

	s.Add(content.RoleUser, []content.ResolvedContent{{Kind: content.StoredText, Text: "hello"}})
	if len(s.Pending()) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(s.Pending()))
	}
	if s.messages[0].TurnID != PendingTurnID {
		t.Fatalf("expected pending message tagged with sentinel turn id, got %q", s.messages[0].TurnID)
	}

	s.ClearPending()
	if len(s.Pending()) != 0 {
		t.Fatalf("expected pending cleared, got %d", len(s.Pending()))
	}
}

func TestCommitNewTurnsGroupsContiguousRoles(t *testing.T) {
	ctx := context.Background()
	s := setupSession(t)

	s.Add(content.RoleUser, []content.ResolvedContent{{Kind: content.StoredText, Text: "what is go?"}})
	s.Add(content.RoleAssistant, []content.ResolvedContent{{Kind: content.StoredText, Text: "a language"}})
	s.Add(content.RoleAssistant, []content.ResolvedContent{{Kind: content.StoredText, Text: "and a gopher"}})

	_, lastTurnID, err := s.Commit(ctx, "claude-3", NewTurns, "", "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("expected no pending messages after commit, got %d", len(s.Pending()))
	}

	userTurn := s.messages[0].TurnID
	assistantTurn := s.messages[1].TurnID
	if userTurn == PendingTurnID || assistantTurn == PendingTurnID {
		t.Fatalf("expected committed turn ids, got user=%q assistant=%q", userTurn, assistantTurn)
	}
	if userTurn == assistantTurn {
		t.Fatalf("expected user and assistant runs to land on distinct turns")
	}
	if s.messages[2].TurnID != assistantTurn {
		t.Fatalf("expected contiguous assistant messages to share a turn, got %q vs %q", s.messages[2].TurnID, assistantTurn)
	}
	if assistantTurn != lastTurnID {
		t.Fatalf("expected Commit to return the last turn created, got %q want %q", lastTurnID, assistantTurn)
	}

	reopened, err := Open(ctx, s.coord, s.docs, s.ConversationID)
	if err != nil {
		t.Fatalf("reopen session: %v", err)
	}
	if len(reopened.MessagesForDisplay()) != 3 {
		t.Fatalf("expected 3 persisted messages on reopen, got %d", len(reopened.MessagesForDisplay()))
	}
}

func TestCommitAppendToSpanKeepsSameSpan(t *testing.T) {
	ctx := context.Background()
	s := setupSession(t)

	s.Add(content.RoleUser, []content.ResolvedContent{{Kind: content.StoredText, Text: "search something"}})
	spanID, turnID, err := s.Commit(ctx, "claude-3", NewTurns, "", "")
	if err != nil {
		t.Fatalf("commit initial turn: %v", err)
	}

	s.Add(content.RoleTool, []content.ResolvedContent{{Kind: content.StoredToolResult, ToolResult: &content.ToolResult{
		CallID: "call-1",
		Parts:  []content.ToolResultPart{{Kind: "text", Text: "result"}},
	}}})
	gotSpan, gotTurn, err := s.Commit(ctx, "claude-3", AppendToSpan, spanID, turnID)
	if err != nil {
		t.Fatalf("commit tool round: %v", err)
	}
	if gotSpan != spanID || gotTurn != turnID {
		t.Fatalf("expected AppendToSpan to preserve span/turn, got span=%q turn=%q", gotSpan, gotTurn)
	}
	if s.messages[1].TurnID != turnID {
		t.Fatalf("expected appended message tagged with existing turn, got %q", s.messages[1].TurnID)
	}
}

func TestIterExpandsDocumentRef(t *testing.T) {
	ctx := context.Background()
	s := setupSession(t)

	docID, err := s.docs.CreateDocument(ctx, "user-1", "Notes", docstore.SourceUserCreated, "")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	if _, err := s.docs.CreateTab(ctx, docID, "", 0, "Page 1", "", "remember the milk", nil, ""); err != nil {
		t.Fatalf("create tab: %v", err)
	}

	s.AddResolved(content.ResolvedMessage{
		Role:    content.RoleUser,
		Content: []content.ResolvedContent{{Kind: content.StoredDocumentRef, DocumentID: docID}},
	})

	chat, err := s.Iter(ctx)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(chat) != 1 || len(chat[0].Blocks) != 1 {
		t.Fatalf("unexpected chat messages: %+v", chat)
	}
	block := chat[0].Blocks[0]
	if block.Kind != content.BlockText {
		t.Fatalf("expected expanded document to be a text block, got %v", block.Kind)
	}
	for _, want := range []string{"Notes", "Page 1", "remember the milk"} {
		if !strings.Contains(block.Text, want) {
			t.Fatalf("expected expanded document text to contain %q, got %q", want, block.Text)
		}
	}
}
