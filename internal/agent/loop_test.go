package agent

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/mcp"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/assetstore"
	"github.com/poucet/noema/internal/storage/blobstore"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/coordinator"
	"github.com/poucet/noema/internal/storage/docstore"
	"github.com/poucet/noema/internal/storage/entitystore"
	"github.com/poucet/noema/internal/storage/textstore"
	"github.com/poucet/noema/internal/storage/turnstore/memory"
)

// fakeModel is a scripted ChatModel: each call to Stream pops the next
// programmed response off responses, so a test can script a multi-round
// tool exchange or an iteration-cap-exceeding loop.
type fakeModel struct {
	id        string
	responses [][]provider.ChatChunk
	calls     int
}

func (m *fakeModel) ID() string { return m.id }

func (m *fakeModel) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	ch := make(chan provider.ChatChunk, len(m.responses[idx]))
	for _, c := range m.responses[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (m *fakeModel) ListModels(ctx context.Context) ([]provider.ModelDefinition, error) {
	return []provider.ModelDefinition{{ID: m.id, ContextWindow: 100000}}, nil
}

func textChunks(text string) []provider.ChatChunk {
	return []provider.ChatChunk{
		{Type: provider.ChunkDelta, Delta: text},
		{Type: provider.ChunkComplete},
	}
}

func toolCallChunks(id, name string, args map[string]any) []provider.ChatChunk {
	return []provider.ChatChunk{
		{Type: provider.ChunkToolCall, ToolCall: &provider.ToolCall{ID: id, Name: name, Arguments: args}},
		{Type: provider.ChunkComplete},
	}
}

func setupManager(t *testing.T, model *fakeModel) (*Manager, noemaid.ConversationID) {
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

	registry := mcp.NewRegistry(zerolog.Nop())
	resolver := ProviderResolverFunc(func(modelID string) (provider.ChatModel, error) {
		return model, nil
	})
	m := NewManager(coord, docs, registry, resolver, zerolog.Nop())
	return m, conversationID
}

func TestSendMessageSimpleTurnCommitsUserAndAssistant(t *testing.T) {
	model := &fakeModel{id: "claude/claude-3-5-sonnet-latest", responses: [][]provider.ChatChunk{textChunks("hi there")}}
	m, conversationID := setupManager(t, model)

	err := m.SendMessage(context.Background(), conversationID, "user-1", model.id, []content.InputContent{content.NewInputText("hello")}, nil)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	a := m.conversations[conversationID]
	messages := a.sess.MessagesForDisplay()
	if len(messages) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(messages))
	}
	if messages[0].Role != content.RoleUser || messages[1].Role != content.RoleAssistant {
		t.Fatalf("expected [user, assistant], got [%v, %v]", messages[0].Role, messages[1].Role)
	}
	if messages[0].TurnID == session.PendingTurnID || messages[1].TurnID == session.PendingTurnID {
		t.Fatalf("expected committed turn ids, got pending")
	}
	if messages[0].TurnID == messages[1].TurnID {
		t.Fatalf("expected user and assistant turns to differ")
	}
}

func TestSendMessageEmitsCompleteWithCommittedMessages(t *testing.T) {
	model := &fakeModel{id: "claude/claude-3-5-sonnet-latest", responses: [][]provider.ChatChunk{textChunks("hi there")}}
	m, conversationID := setupManager(t, model)

	events, err := m.Subscribe(context.Background(), conversationID, "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.SendMessage(context.Background(), conversationID, "user-1", model.id, []content.InputContent{content.NewInputText("hello")}, nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	var complete *Event
	for i := 0; i < 8 && complete == nil; i++ {
		select {
		case ev := <-events:
			if ev.Kind == EventComplete {
				e := ev
				complete = &e
			}
		default:
			i = 8
		}
	}
	if complete == nil {
		t.Fatalf("expected an EventComplete on the subscription channel")
	}
	if len(complete.Messages) != 2 {
		t.Fatalf("expected Complete to carry the 2 newly committed messages, got %d", len(complete.Messages))
	}
	if complete.Messages[0].Role != content.RoleUser || complete.Messages[1].Role != content.RoleAssistant {
		t.Fatalf("expected [user, assistant] in Complete.Messages, got [%v, %v]", complete.Messages[0].Role, complete.Messages[1].Role)
	}
}

func TestSendMessageToolRoundCommitsOneAssistantTurn(t *testing.T) {
	// Round 1 of the top-level loop calls spawn_agent; the nested
	// subagent loop (its own round 1) replies with plain text; back in
	// the top-level loop, round 2 replies with plain text to finish.
	model := &fakeModel{
		id: "claude/claude-3-5-sonnet-latest",
		responses: [][]provider.ChatChunk{
			toolCallChunks("call-1", SpawnAgentToolName, map[string]any{"task": "summarize"}),
			textChunks("subagent result"),
			textChunks("done"),
		},
	}
	m, conversationID := setupManager(t, model)

	err := m.SendMessage(context.Background(), conversationID, "user-1", model.id, []content.InputContent{content.NewInputText("please delegate")}, nil)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	a := m.conversations[conversationID]
	messages := a.sess.MessagesForDisplay()
	// [user] + [assistant(tool_call), tool(result), assistant(text)],
	// all three assistant-turn messages sharing one turn id.
	if len(messages) != 4 {
		t.Fatalf("expected 1 user message + 3 assistant-turn messages, got %d", len(messages))
	}
	if messages[0].Role != content.RoleUser {
		t.Fatalf("expected first message to be user, got %v", messages[0].Role)
	}
	wantRoles := []content.Role{content.RoleAssistant, content.RoleTool, content.RoleAssistant}
	assistantTurn := messages[1].TurnID
	for i, want := range wantRoles {
		msg := messages[i+1]
		if msg.Role != want {
			t.Fatalf("message %d: expected role %v, got %v", i+1, want, msg.Role)
		}
		if msg.TurnID != assistantTurn {
			t.Fatalf("message %d: expected shared assistant turn %q, got %q", i+1, assistantTurn, msg.TurnID)
		}
	}
}

func TestSendMessageExceedingCapClearsPendingAndErrors(t *testing.T) {
	responses := make([][]provider.ChatChunk, 0, DefaultTopLevelIterationCap+1)
	for i := 0; i < DefaultTopLevelIterationCap+1; i++ {
		responses = append(responses, toolCallChunks("call-x", "nonexistent_tool", map[string]any{}))
	}
	model := &fakeModel{id: "claude/claude-3-5-sonnet-latest", responses: responses}
	m, conversationID := setupManager(t, model)

	err := m.SendMessage(context.Background(), conversationID, "user-1", model.id, []content.InputContent{content.NewInputText("loop forever")}, nil)
	if err == nil {
		t.Fatalf("expected an error once the iteration cap is exceeded")
	}

	a := m.conversations[conversationID]
	if len(a.sess.Pending()) != 0 {
		t.Fatalf("expected no pending messages after cap-exceeded, got %d", len(a.sess.Pending()))
	}
	if len(a.sess.MessagesForDisplay()) != 0 {
		t.Fatalf("expected nothing committed after cap-exceeded, got %d messages", len(a.sess.MessagesForDisplay()))
	}
}
