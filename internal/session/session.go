// Package session implements the in-memory working buffer a manager
// task uses to drive one agent turn on one view. It sits directly on
// top of the storage coordinator: everything a Session holds is either
// already persisted (seeded from a view path) or pending commit.
package session

import (
	"context"
	"strings"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/coordinator"
	"github.com/poucet/noema/internal/storage/docstore"
	"github.com/poucet/noema/internal/storage/textstore"
	"github.com/poucet/noema/internal/storage/turnstore"
)

// PendingTurnID tags messages appended to a Session that have not yet
// been committed to storage, distinguishing them from messages seeded
// from an existing turn.
const PendingTurnID noemaid.TurnID = "pending"

// CommitMode selects how Commit lays pending messages onto the view.
type CommitMode int

const (
	// NewTurns starts a fresh turn+span for every contiguous run of
	// same-role pending messages, auto-selecting each on the view.
	NewTurns CommitMode = iota
	// AppendToSpan adds every pending message as further messages on
	// an already-existing span, used for multi-round tool loops within
	// a single turn.
	AppendToSpan
)

// ChatMessage is the form a provider adapter consumes: DocumentRefs
// have been expanded to inline text, so every block is directly
// translatable to a provider's wire format.
type ChatMessage struct {
	Role   content.Role
	Blocks []content.ContentBlock
}

// Session is the working buffer for one view during an agent turn. It
// is owned exclusively by one manager task and must not be shared.
type Session struct {
	coord *coordinator.Coordinator
	docs  *docstore.Store

	ConversationID noemaid.ConversationID
	ViewID         noemaid.ViewID

	messages []content.ResolvedMessage
	// firstPending indexes into messages where the pending suffix
	// begins; everything before it was seeded from storage.
	firstPending int
}

// New opens an empty session against viewID. Seed it with Open or
// AddResolved to populate committed history.
func New(coord *coordinator.Coordinator, docs *docstore.Store, conversationID noemaid.ConversationID, viewID noemaid.ViewID) *Session {
	return &Session{coord: coord, docs: docs, ConversationID: conversationID, ViewID: viewID}
}

// Open resolves the conversation's main view and returns a seeded
// Session ready for a new turn.
func Open(ctx context.Context, coord *coordinator.Coordinator, docs *docstore.Store, conversationID noemaid.ConversationID) (*Session, error) {
	viewID, messages, err := coord.OpenSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s := New(coord, docs, conversationID, viewID)
	for _, m := range messages {
		s.AddResolved(m)
	}
	return s, nil
}

// Add appends a resolved message in memory without persisting it. The
// message is tagged with PendingTurnID since it has no turn yet.
func (s *Session) Add(role content.Role, parts []content.ResolvedContent) {
	s.messages = append(s.messages, content.ResolvedMessage{Role: role, Content: parts, TurnID: PendingTurnID})
}

// AddResolved appends an already-resolved message as-is, used when
// seeding a session from storage or replaying a committed turn.
func (s *Session) AddResolved(message content.ResolvedMessage) {
	if message.TurnID == "" {
		message.TurnID = PendingTurnID
	}
	s.messages = append(s.messages, message)
	if message.TurnID != PendingTurnID {
		s.firstPending = len(s.messages)
	}
}

// MessagesForDisplay returns the full message list, committed and
// pending, in turn order.
func (s *Session) MessagesForDisplay() []content.ResolvedMessage {
	return s.messages
}

// Pending returns only the messages not yet committed to storage.
func (s *Session) Pending() []content.ResolvedMessage {
	return s.messages[s.firstPending:]
}

// Iter resolves the full message list into the form provider adapters
// consume. DocumentRefs are expanded to inline text exactly once here,
// per send; image/audio blocks come from the ResolvedContent's Block
// if the asset's blob loaded successfully, otherwise the block is
// dropped rather than sent empty.
func (s *Session) Iter(ctx context.Context) ([]ChatMessage, error) {
	out := make([]ChatMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		blocks := make([]content.ContentBlock, 0, len(msg.Content))
		for _, part := range msg.Content {
			block, ok, err := s.expand(ctx, part)
			if err != nil {
				return nil, err
			}
			if ok {
				blocks = append(blocks, block)
			}
		}
		out = append(out, ChatMessage{Role: msg.Role, Blocks: blocks})
	}
	return out, nil
}

// referencedDocumentsPreamble prefixes the single head block built by
// IterForRequest, instructing the model how to cite the documents that
// follow.
const referencedDocumentsPreamble = "The following documents are referenced in this conversation. " +
	"When you use information from one, cite it by title.\n\n"

// IterForRequest is Iter's counterpart for assembling an outgoing
// ChatRequest: every DocumentRef referenced anywhere in the message
// list is resolved exactly once and collected into a single
// <referenced_documents> text block prepended to the request, rather
// than inlining the same document's full text at every place it was
// referenced. Messages themselves keep a short placeholder naming the
// document id in the DocumentRef's original position so the conversation's shape
// still shows where each reference occurred.
func (s *Session) IterForRequest(ctx context.Context) ([]ChatMessage, error) {
	header, hasDocs, err := s.documentHeader(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ChatMessage, 0, len(s.messages)+1)
	if hasDocs {
		out = append(out, ChatMessage{Role: content.RoleSystem, Blocks: []content.ContentBlock{content.Text(header)}})
	}

	for _, msg := range s.messages {
		blocks := make([]content.ContentBlock, 0, len(msg.Content))
		for _, part := range msg.Content {
			block, ok, err := s.expandForRequest(ctx, part)
			if err != nil {
				return nil, err
			}
			if ok {
				blocks = append(blocks, block)
			}
		}
		out = append(out, ChatMessage{Role: msg.Role, Blocks: blocks})
	}
	return out, nil
}

// documentHeader renders every uniquely-referenced document (in first-
// appearance order) into one <referenced_documents> block. ok is false
// when the session references no documents, in which case no header
// should be prepended.
func (s *Session) documentHeader(ctx context.Context) (string, bool, error) {
	seen := make(map[noemaid.DocumentID]struct{})
	var ids []noemaid.DocumentID
	for _, msg := range s.messages {
		for _, part := range msg.Content {
			if part.Kind != content.StoredDocumentRef {
				continue
			}
			if _, ok := seen[part.DocumentID]; ok {
				continue
			}
			seen[part.DocumentID] = struct{}{}
			ids = append(ids, part.DocumentID)
		}
	}
	if len(ids) == 0 {
		return "", false, nil
	}

	var b strings.Builder
	b.WriteString(referencedDocumentsPreamble)
	b.WriteString("<referenced_documents>\n")
	for _, id := range ids {
		text, err := s.expandDocument(ctx, id)
		if err != nil {
			return "", false, err
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("</referenced_documents>")
	return b.String(), true, nil
}

// expandForRequest is expand's IterForRequest counterpart: a
// DocumentRef collapses to a short placeholder since its full text now
// lives in the request's head block instead of being repeated inline.
func (s *Session) expandForRequest(ctx context.Context, part content.ResolvedContent) (content.ContentBlock, bool, error) {
	if part.Kind == content.StoredDocumentRef {
		return content.Text("[see referenced document " + string(part.DocumentID) + "]"), true, nil
	}
	return s.expand(ctx, part)
}

func (s *Session) expand(ctx context.Context, part content.ResolvedContent) (content.ContentBlock, bool, error) {
	switch part.Kind {
	case content.StoredText:
		return content.Text(part.Text), true, nil
	case content.StoredAsset:
		if part.Block != nil {
			return *part.Block, true, nil
		}
		return content.ContentBlock{}, false, nil
	case content.StoredDocumentRef:
		text, err := s.expandDocument(ctx, part.DocumentID)
		if err != nil {
			return content.ContentBlock{}, false, err
		}
		return content.Text(text), true, nil
	case content.StoredToolCall:
		return content.ContentBlock{Kind: content.BlockToolCall, ToolCall: part.ToolCall}, true, nil
	case content.StoredToolResult:
		return content.ContentBlock{Kind: content.BlockToolResult, ToolResult: part.ToolResult}, true, nil
	default:
		return content.ContentBlock{}, false, nil
	}
}

// expandDocument renders a document's tabs as a single markdown blob.
// A Session built without a docstore (tests, tool-only subconversation
// sessions) degrades DocumentRefs to a "[document <id>]" placeholder
// rather than failing.
func (s *Session) expandDocument(ctx context.Context, id noemaid.DocumentID) (string, error) {
	if s.docs == nil {
		return "[document " + string(id) + "]", nil
	}
	doc, ok, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "[document " + string(id) + " not found]", nil
	}
	tabs, err := s.docs.ListTabs(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(doc.Title)
	b.WriteString("\n\n")
	for _, tab := range tabs {
		b.WriteString("## ")
		b.WriteString(tab.Title)
		b.WriteString("\n\n")
		b.WriteString(tab.ContentMarkdown)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// Commit persists every pending message according to mode and returns
// the turn/span ids the caller should remember for subsequent rounds
// (e.g. to AppendToSpan again in the same turn). The whole batch runs
// inside one coordinator.WithTxn call, so a failure partway through —
// the fourth of five messages, say — leaves no new turn, span, or
// message visible at all, rather than a partially-written one.
func (s *Session) Commit(ctx context.Context, modelID string, mode CommitMode, spanID noemaid.SpanID, turnID noemaid.TurnID) (noemaid.SpanID, noemaid.TurnID, error) {
	pending := s.Pending()
	if len(pending) == 0 {
		return spanID, turnID, nil
	}

	assigned := make([]noemaid.TurnID, len(pending))
	outSpanID, outTurnID := spanID, turnID

	err := s.coord.WithTxn(ctx, func(txCtx context.Context) error {
		switch mode {
		case AppendToSpan:
			for offset, msg := range pending {
				blocks := contentBlocksFromResolved(msg)
				if _, err := s.coord.AddMessage(txCtx, outSpanID, outTurnID, resolvedMessageRole(msg.Role), blocks, resolvedOrigin(msg.Role)); err != nil {
					return err
				}
				assigned[offset] = outTurnID
			}

		default: // NewTurns
			i := 0
			for i < len(pending) {
				role := pending[i].Role
				j := i
				for j < len(pending) && pending[j].Role == role {
					j++
				}
				run := pending[i:j]

				newTurnID, err := s.coord.CreateTurn(txCtx, turnRoleFor(role))
				if err != nil {
					return err
				}
				newSpanID, err := s.coord.CreateAndSelectSpan(txCtx, s.ViewID, newTurnID, modelID)
				if err != nil {
					return err
				}
				for offset, msg := range run {
					blocks := contentBlocksFromResolved(msg)
					if _, err := s.coord.AddMessage(txCtx, newSpanID, newTurnID, resolvedMessageRole(msg.Role), blocks, resolvedOrigin(msg.Role)); err != nil {
						return err
					}
					assigned[i+offset] = newTurnID
				}
				outSpanID, outTurnID = newSpanID, newTurnID
				i = j
			}
		}
		return nil
	})
	if err != nil {
		return spanID, turnID, err
	}

	base := s.firstPending
	for offset, tid := range assigned {
		s.messages[base+offset].TurnID = tid
	}
	s.firstPending = len(s.messages)
	return outSpanID, outTurnID, nil
}

// ClearPending drops every uncommitted message, used when a turn fails
// before reaching Commit.
func (s *Session) ClearPending() {
	s.messages = s.messages[:s.firstPending]
}

// CommitAssistantTurn persists a whole multi-round assistant turn in
// one call: any leading non-assistant pending messages (the user's
// input that started this turn) are committed as their own turn or
// turns exactly like Commit's NewTurns mode, but everything from the
// first pending assistant message onward — the assistant's replies and
// every tool-result message interleaved between tool rounds — lands in
// a single new turn and a single new span, as one ordered sequence of
// messages, regardless of how many rounds it took. This is what lets
// the agent loop defer every round's work to one all-or-nothing commit
// at the very end instead of writing storage after each round. The
// entire method body runs inside one coordinator.WithTxn call, so a
// failure on any message leaves none of this turn's turns, spans, or
// messages visible.
func (s *Session) CommitAssistantTurn(ctx context.Context, modelID string) (noemaid.SpanID, noemaid.TurnID, error) {
	pending := s.Pending()
	if len(pending) == 0 {
		return "", "", nil
	}

	assigned := make([]noemaid.TurnID, len(pending))
	var spanID noemaid.SpanID
	var turnID noemaid.TurnID

	err := s.coord.WithTxn(ctx, func(txCtx context.Context) error {
		i := 0
		for i < len(pending) && pending[i].Role != content.RoleAssistant {
			role := pending[i].Role
			j := i
			for j < len(pending) && pending[j].Role == role {
				j++
			}
			run := pending[i:j]

			newTurnID, err := s.coord.CreateTurn(txCtx, turnRoleFor(role))
			if err != nil {
				return err
			}
			newSpanID, err := s.coord.CreateAndSelectSpan(txCtx, s.ViewID, newTurnID, modelID)
			if err != nil {
				return err
			}
			for offset, msg := range run {
				blocks := contentBlocksFromResolved(msg)
				if _, err := s.coord.AddMessage(txCtx, newSpanID, newTurnID, resolvedMessageRole(msg.Role), blocks, resolvedOrigin(msg.Role)); err != nil {
					return err
				}
				assigned[i+offset] = newTurnID
			}
			spanID, turnID = newSpanID, newTurnID
			i = j
		}

		if i < len(pending) {
			newTurnID, err := s.coord.CreateTurn(txCtx, turnstore.RoleAssistant)
			if err != nil {
				return err
			}
			newSpanID, err := s.coord.CreateAndSelectSpan(txCtx, s.ViewID, newTurnID, modelID)
			if err != nil {
				return err
			}
			for offset := i; offset < len(pending); offset++ {
				msg := pending[offset]
				blocks := contentBlocksFromResolved(msg)
				if _, err := s.coord.AddMessage(txCtx, newSpanID, newTurnID, resolvedMessageRole(msg.Role), blocks, resolvedOrigin(msg.Role)); err != nil {
					return err
				}
				assigned[offset] = newTurnID
			}
			spanID, turnID = newSpanID, newTurnID
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	base := s.firstPending
	for offset, tid := range assigned {
		s.messages[base+offset].TurnID = tid
	}
	s.firstPending = len(s.messages)
	return spanID, turnID, nil
}

func contentBlocksFromResolved(msg content.ResolvedMessage) []content.ContentBlock {
	blocks := make([]content.ContentBlock, 0, len(msg.Content))
	for _, part := range msg.Content {
		switch part.Kind {
		case content.StoredText:
			blocks = append(blocks, content.Text(part.Text))
		case content.StoredAsset:
			if part.Block != nil {
				blocks = append(blocks, *part.Block)
			}
		case content.StoredDocumentRef:
			blocks = append(blocks, content.DocumentRef(part.DocumentID, ""))
		case content.StoredToolCall:
			blocks = append(blocks, content.ContentBlock{Kind: content.BlockToolCall, ToolCall: part.ToolCall})
		case content.StoredToolResult:
			blocks = append(blocks, content.ContentBlock{Kind: content.BlockToolResult, ToolResult: part.ToolResult})
		}
	}
	return blocks
}

func turnRoleFor(role content.Role) turnstore.Role {
	switch role {
	case content.RoleAssistant:
		return turnstore.RoleAssistant
	case content.RoleSystem:
		return turnstore.RoleSystem
	default:
		return turnstore.RoleUser
	}
}

func resolvedMessageRole(role content.Role) turnstore.MessageRole {
	switch role {
	case content.RoleAssistant:
		return turnstore.MessageRoleAssistant
	case content.RoleTool:
		return turnstore.MessageRoleTool
	case content.RoleSystem:
		return turnstore.MessageRoleSystem
	default:
		return turnstore.MessageRoleUser
	}
}

func resolvedOrigin(role content.Role) textstore.OriginKind {
	switch role {
	case content.RoleAssistant:
		return textstore.OriginAssistant
	case content.RoleSystem:
		return textstore.OriginSystem
	case content.RoleTool:
		return textstore.OriginTool
	default:
		return textstore.OriginUser
	}
}
