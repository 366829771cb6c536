// Package coordinator orchestrates the blob, asset, text, entity, and
// turn stores together: it is the only place that knows how a rich
// ContentBlock becomes a StoredContent reference and back, and how a
// conversation's main view lives in an entity's metadata.
package coordinator

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/assetstore"
	"github.com/poucet/noema/internal/storage/blobstore"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/entitystore"
	"github.com/poucet/noema/internal/storage/textstore"
	"github.com/poucet/noema/internal/storage/turnstore"
)

const entityTypeConversation = "conversation"

// Coordinator wires the five stores together. Blob, Asset, Text and
// Entity are the concrete SQLite-backed stores; Turn is the
// turnstore.Store interface, so the in-memory turn backend can stand in
// for the SQLite one.
type Coordinator struct {
	Blob   *blobstore.Store
	Asset  *assetstore.Store
	Text   *textstore.Store
	Entity *entitystore.Store
	Turn   turnstore.Store
}

func New(blob *blobstore.Store, asset *assetstore.Store, text *textstore.Store, entity *entitystore.Store, turn turnstore.Store) *Coordinator {
	return &Coordinator{Blob: blob, Asset: asset, Text: text, Entity: entity, Turn: turn}
}

// WithTxn runs fn as one atomic batch against the turn store: the
// SQLite backend wraps it in a database transaction, the in-memory
// backend holds its mutex for fn's duration and restores its prior
// state if fn fails. Session.Commit and
// Session.CommitAssistantTurn use this to make a whole turn/span/
// message commit all-or-nothing.
func (c *Coordinator) WithTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.Turn.WithTxn(ctx, fn)
}

// StoreContentBlock persists one rich ContentBlock and returns its
// persisted reference form. Text is deduplicated in the text store,
// inline media is pushed to the blob+asset stores, everything else
// passes through unchanged.
func (c *Coordinator) StoreContentBlock(ctx context.Context, block content.ContentBlock, origin textstore.Origin) (content.StoredContent, error) {
	switch block.Kind {
	case content.BlockText:
		b, err := c.Text.Store(ctx, block.Text, "text/plain", false, origin)
		if err != nil {
			return content.StoredContent{}, err
		}
		return content.TextRef(b.ID), nil
	case content.BlockImage, content.BlockAudio:
		assetID, err := c.StoreAsset(ctx, block.Data, block.MimeType)
		if err != nil {
			return content.StoredContent{}, err
		}
		return content.AssetRef(assetID, block.MimeType), nil
	case content.BlockDocumentRef:
		return content.DocumentRefStored(block.DocumentID), nil
	case content.BlockToolCall:
		return content.StoredContent{Kind: content.StoredToolCall, ToolCall: block.ToolCall}, nil
	case content.BlockToolResult:
		return content.StoredContent{Kind: content.StoredToolResult, ToolResult: block.ToolResult}, nil
	default:
		return content.StoredContent{}, noemaerr.Validation("unknown content block kind")
	}
}

// StoreInputContent converts a batch of UI/tool-supplied InputContent
// into persisted references, in order.
func (c *Coordinator) StoreInputContent(ctx context.Context, items []content.InputContent, origin textstore.Origin) ([]content.StoredContent, error) {
	out := make([]content.StoredContent, 0, len(items))
	for _, item := range items {
		var stored content.StoredContent
		switch item.Kind {
		case content.InputText:
			b, err := c.Text.Store(ctx, item.Text, "text/plain", false, origin)
			if err != nil {
				return nil, err
			}
			stored = content.TextRef(b.ID)
		case content.InputImage, content.InputAudio:
			assetID, err := c.StoreAsset(ctx, item.Data, item.MimeType)
			if err != nil {
				return nil, err
			}
			stored = content.AssetRef(assetID, item.MimeType)
		case content.InputDocumentRef:
			stored = content.DocumentRefStored(item.DocumentID)
		case content.InputAssetRef:
			stored = content.AssetRef(item.AssetID, item.MimeType)
		default:
			return nil, noemaerr.Validation("unknown input content kind")
		}
		out = append(out, stored)
	}
	return out, nil
}

// StoreAsset base64-decodes data, writes it to blob storage, and
// registers an asset row pointing at the resulting hash.
func (c *Coordinator) StoreAsset(ctx context.Context, base64Data, mimeType string) (noemaid.AssetID, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return "", noemaerr.Validation("decode base64 asset data: " + err.Error())
	}
	hash, err := c.Blob.StoreBytes(ctx, raw)
	if err != nil {
		return "", err
	}
	asset, err := c.Asset.CreateFromBytes(ctx, hash, mimeType, raw)
	if err != nil {
		return "", err
	}
	return asset.ID, nil
}

func (c *Coordinator) GetBlob(ctx context.Context, hash blobstore.Hash) ([]byte, error) {
	return c.Blob.Get(ctx, hash)
}

// CreateTurn creates a bare turn, without any span or view selection.
func (c *Coordinator) CreateTurn(ctx context.Context, role turnstore.Role) (noemaid.TurnID, error) {
	turn, err := c.Turn.CreateTurn(ctx, role)
	if err != nil {
		return "", err
	}
	return turn.ID, nil
}

// CreateAndSelectSpan creates a span at turnID and selects it in viewID.
func (c *Coordinator) CreateAndSelectSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, modelID string) (noemaid.SpanID, error) {
	span, err := c.Turn.CreateSpan(ctx, turnID, modelID)
	if err != nil {
		return "", err
	}
	if err := c.Turn.SelectSpan(ctx, viewID, turnID, span.ID); err != nil {
		return "", err
	}
	return span.ID, nil
}

func mainViewID(metadata map[string]any) (noemaid.ViewID, bool) {
	v, ok := metadata["main_view_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return noemaid.ViewID(s), true
}

// OpenSession resolves a conversation's main view and returns it along
// with the hydrated message history on that view's path.
func (c *Coordinator) OpenSession(ctx context.Context, conversationID noemaid.ConversationID) (noemaid.ViewID, []content.ResolvedMessage, error) {
	entity, ok, err := c.Entity.GetEntity(ctx, noemaid.EntityID(conversationID))
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, noemaerr.NotFound("conversation " + string(conversationID))
	}
	viewID, ok := mainViewID(entity.Metadata)
	if !ok {
		return "", nil, noemaerr.Validation("conversation has no main_view_id: " + string(conversationID))
	}
	messages, err := c.OpenSessionWithView(ctx, viewID)
	if err != nil {
		return "", nil, err
	}
	return viewID, messages, nil
}

// CreateConversationWithView creates a conversation entity plus its
// main view, and records the view id in the entity's metadata.
func (c *Coordinator) CreateConversationWithView(ctx context.Context, userID noemaid.UserID, name string) (noemaid.ConversationID, error) {
	entityID, err := c.Entity.CreateEntity(ctx, entityTypeConversation, string(userID))
	if err != nil {
		return "", err
	}
	view, err := c.Turn.CreateView(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Entity.UpdateEntity(ctx, entityID, name, map[string]any{
		"main_view_id": string(view.ID),
	}); err != nil {
		return "", err
	}
	return noemaid.ConversationID(entityID), nil
}

// OpenSessionWithView loads a specific view's path and resolves it.
func (c *Coordinator) OpenSessionWithView(ctx context.Context, viewID noemaid.ViewID) ([]content.ResolvedMessage, error) {
	path, err := c.Turn.GetViewPath(ctx, viewID)
	if err != nil {
		return nil, err
	}
	return c.resolvePath(ctx, path)
}

const relationSpawnedFrom = entitystore.RelationSpawnedFrom

// SpawnSubconversation creates a new conversation linked to parent via
// a spawned_from relation recording the triggering turn (and span, if
// known).
func (c *Coordinator) SpawnSubconversation(ctx context.Context, parentConversationID noemaid.ConversationID, userID noemaid.UserID, atTurnID noemaid.TurnID, atSpanID noemaid.SpanID, name string) (noemaid.ConversationID, error) {
	subID, err := c.CreateConversationWithView(ctx, userID, name)
	if err != nil {
		return "", err
	}

	metadata := map[string]any{"at_turn_id": string(atTurnID)}
	if atSpanID != "" {
		metadata["at_span_id"] = string(atSpanID)
	}

	if err := c.Entity.AddRelation(ctx, noemaid.EntityID(subID), noemaid.EntityID(parentConversationID), relationSpawnedFrom, metadata); err != nil {
		return "", err
	}
	return subID, nil
}

// GetParentConversation reports the parent of a subconversation, if any.
func (c *Coordinator) GetParentConversation(ctx context.Context, conversationID noemaid.ConversationID) (parentID noemaid.ConversationID, atTurnID noemaid.TurnID, atSpanID noemaid.SpanID, found bool, err error) {
	relations, err := c.Entity.GetRelationsFrom(ctx, noemaid.EntityID(conversationID), relationSpawnedFrom)
	if err != nil {
		return "", "", "", false, err
	}
	if len(relations) == 0 {
		return "", "", "", false, nil
	}
	rel := relations[0]
	turnIDRaw, ok := rel.Metadata["at_turn_id"].(string)
	if !ok || turnIDRaw == "" {
		return "", "", "", false, noemaerr.Validation("spawned_from relation missing at_turn_id")
	}
	if spanIDRaw, ok := rel.Metadata["at_span_id"].(string); ok {
		atSpanID = noemaid.SpanID(spanIDRaw)
	}
	return noemaid.ConversationID(rel.ToID), noemaid.TurnID(turnIDRaw), atSpanID, true, nil
}

// SubconversationLink is one spawned_from edge pointing at a parent conversation.
type SubconversationLink struct {
	ConversationID noemaid.ConversationID
	AtTurnID       noemaid.TurnID
	AtSpanID       noemaid.SpanID
}

// ListSubconversations lists every conversation spawned from parentConversationID.
func (c *Coordinator) ListSubconversations(ctx context.Context, parentConversationID noemaid.ConversationID) ([]SubconversationLink, error) {
	relations, err := c.Entity.GetRelationsTo(ctx, noemaid.EntityID(parentConversationID), relationSpawnedFrom)
	if err != nil {
		return nil, err
	}
	var out []SubconversationLink
	for _, rel := range relations {
		turnIDRaw, ok := rel.Metadata["at_turn_id"].(string)
		if !ok || turnIDRaw == "" {
			continue
		}
		link := SubconversationLink{
			ConversationID: noemaid.ConversationID(rel.FromID),
			AtTurnID:       noemaid.TurnID(turnIDRaw),
		}
		if spanIDRaw, ok := rel.Metadata["at_span_id"].(string); ok {
			link.AtSpanID = noemaid.SpanID(spanIDRaw)
		}
		out = append(out, link)
	}
	return out, nil
}

// GetSubconversationResult returns the text of the last assistant
// message on the subconversation's main view, searching backward from
// the end of the path.
func (c *Coordinator) GetSubconversationResult(ctx context.Context, subconversationID noemaid.ConversationID) (string, bool, error) {
	entity, ok, err := c.Entity.GetEntity(ctx, noemaid.EntityID(subconversationID))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, noemaerr.NotFound("subconversation " + string(subconversationID))
	}
	viewID, ok := mainViewID(entity.Metadata)
	if !ok {
		return "", false, noemaerr.Validation("subconversation has no main_view_id")
	}

	path, err := c.Turn.GetViewPath(ctx, viewID)
	if err != nil {
		return "", false, err
	}

	for i := len(path) - 1; i >= 0; i-- {
		turn := path[i]
		if turn.Turn.Role != turnstore.RoleAssistant {
			continue
		}
		for j := len(turn.Messages) - 1; j >= 0; j-- {
			msg := turn.Messages[j]
			if msg.Message.Role != turnstore.MessageRoleAssistant {
				continue
			}
			resolved, err := c.ResolveStoredContent(ctx, msg.Content)
			if err != nil {
				return "", false, err
			}
			var parts []string
			for _, r := range resolved {
				if text, ok := r.AsText(); ok && text != "" {
					parts = append(parts, text)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), true, nil
			}
		}
	}
	return "", false, nil
}

// LinkSubconversationResult records a subconversation's final result
// as a tool-result message in the parent's current span, tagging the
// content with the subconversation id so the UI can link back to it.
func (c *Coordinator) LinkSubconversationResult(ctx context.Context, subconversationID noemaid.ConversationID, parentSpanID noemaid.SpanID, parentTurnID noemaid.TurnID, toolCallID, toolName string) (content.ResolvedMessage, error) {
	resultText, found, err := c.GetSubconversationResult(ctx, subconversationID)
	if err != nil {
		return content.ResolvedMessage{}, err
	}
	if !found {
		resultText = "(no result)"
	}

	combined := resultText + "\n\n[subconversation_id: " + string(subconversationID) + "]"
	toolResult := &content.ToolResult{
		CallID: toolCallID,
		Parts:  []content.ToolResultPart{{Kind: "text", Text: combined}},
	}

	blocks := []content.ContentBlock{{Kind: content.BlockToolResult, ToolResult: toolResult}}
	return c.AddMessage(ctx, parentSpanID, parentTurnID, turnstore.MessageRoleUser, blocks, textstore.OriginSystem)
}

func (c *Coordinator) resolvePath(ctx context.Context, path []turnstore.TurnWithContent) ([]content.ResolvedMessage, error) {
	var messages []content.ResolvedMessage
	for _, turn := range path {
		for _, msg := range turn.Messages {
			resolved, err := c.ResolveStoredContent(ctx, msg.Content)
			if err != nil {
				return nil, err
			}
			messages = append(messages, content.ResolvedMessage{
				Role:    resolvedRole(msg.Message.Role),
				Content: resolved,
				TurnID:  turn.Turn.ID,
			})
		}
	}
	return messages, nil
}

func resolvedRole(role turnstore.MessageRole) content.Role {
	switch role {
	case turnstore.MessageRoleAssistant:
		return content.RoleAssistant
	case turnstore.MessageRoleTool:
		return content.RoleTool
	case turnstore.MessageRoleSystem:
		return content.RoleSystem
	default:
		return content.RoleUser
	}
}

// ResolveStoredContent hydrates persisted references: text is read
// back from the text store, assets are re-encoded as base64 (loading
// the underlying blob is best-effort — a missing blob degrades to a
// reference-only ResolvedContent instead of failing the whole batch).
func (c *Coordinator) ResolveStoredContent(ctx context.Context, items []content.StoredContent) ([]content.ResolvedContent, error) {
	out := make([]content.ResolvedContent, 0, len(items))
	for _, item := range items {
		switch item.Kind {
		case content.StoredText:
			text, ok, err := c.Text.GetText(ctx, item.ContentBlockID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, noemaerr.NotFound("content block " + string(item.ContentBlockID))
			}
			out = append(out, content.ResolvedContent{Kind: content.StoredText, Text: text})
		case content.StoredAsset:
			asset, err := c.Asset.Get(ctx, item.AssetID)
			if err != nil {
				return nil, err
			}
			resolved := content.ResolvedContent{
				Kind:     content.StoredAsset,
				AssetID:  item.AssetID,
				BlobHash: string(asset.BlobHash),
				MimeType: asset.MimeType,
			}
			if data, err := c.Blob.Get(ctx, asset.BlobHash); err == nil {
				encoded := base64.StdEncoding.EncodeToString(data)
				switch {
				case strings.HasPrefix(asset.MimeType, "image/"):
					block := content.Image(encoded, asset.MimeType)
					resolved.Block = &block
				case strings.HasPrefix(asset.MimeType, "audio/"):
					block := content.Audio(encoded, asset.MimeType)
					resolved.Block = &block
				}
			}
			out = append(out, resolved)
		case content.StoredDocumentRef:
			out = append(out, content.ResolvedContent{Kind: content.StoredDocumentRef, DocumentID: item.DocumentID})
		case content.StoredToolCall:
			out = append(out, content.ResolvedContent{Kind: content.StoredToolCall, ToolCall: item.ToolCall})
		case content.StoredToolResult:
			out = append(out, content.ResolvedContent{Kind: content.StoredToolResult, ToolResult: item.ToolResult})
		default:
			return nil, noemaerr.Validation("unknown stored content kind")
		}
	}
	return out, nil
}

// AddMessage stores a batch of rich content blocks, appends them as a
// message to spanID, and returns the resolved form for the caller to
// cache (e.g. in a Session buffer).
func (c *Coordinator) AddMessage(ctx context.Context, spanID noemaid.SpanID, turnID noemaid.TurnID, role turnstore.MessageRole, blocks []content.ContentBlock, origin textstore.OriginKind) (content.ResolvedMessage, error) {
	stored := make([]content.StoredContent, 0, len(blocks))
	for _, block := range blocks {
		s, err := c.StoreContentBlock(ctx, block, textstore.Origin{Kind: origin})
		if err != nil {
			return content.ResolvedMessage{}, err
		}
		stored = append(stored, s)
	}

	if _, err := c.Turn.AddMessage(ctx, spanID, role, stored); err != nil {
		return content.ResolvedMessage{}, err
	}

	resolved, err := c.ResolveStoredContent(ctx, stored)
	if err != nil {
		return content.ResolvedMessage{}, err
	}
	return content.ResolvedMessage{Role: resolvedRole(role), Content: resolved, TurnID: turnID}, nil
}

// GetContextBeforeTurn resolves the view path up to (but not
// including) turnID — the context a regeneration request sends to a
// model before producing a new span at turnID.
func (c *Coordinator) GetContextBeforeTurn(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID) ([]content.ResolvedMessage, error) {
	path, err := c.Turn.GetViewContextAt(ctx, viewID, turnID)
	if err != nil {
		return nil, err
	}
	return c.resolvePath(ctx, path)
}

// PrepareRegeneration sets up a fresh, empty span at turnID for a
// regeneration request and returns the view the caller should stream
// the new span's messages into, the span itself, and the resolved
// context preceding turnID to seed the model with.
//
// If turnID has later turns on viewID, those turns would otherwise be
// silently orphaned by selecting a new span in place, so viewID is
// forked at turnID first (the fork keeps everything before turnID,
// exactly mirroring EditTurn's createFork path) and the new span is
// selected in the fork instead of mutating viewID directly. If turnID
// is already the last turn on the path, the new span is selected in
// viewID itself.
func (c *Coordinator) PrepareRegeneration(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, modelID string) (noemaid.ViewID, noemaid.SpanID, []content.ResolvedMessage, error) {
	path, err := c.Turn.GetViewPath(ctx, viewID)
	if err != nil {
		return "", "", nil, err
	}

	idx := -1
	for i, t := range path {
		if t.Turn.ID == turnID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", "", nil, noemaerr.Validation("turn not on view path: " + string(turnID))
	}

	targetView := viewID
	if idx < len(path)-1 {
		forked, err := c.Turn.ForkView(ctx, viewID, turnID)
		if err != nil {
			return "", "", nil, err
		}
		targetView = forked.ID
	}

	spanID, err := c.CreateAndSelectSpan(ctx, targetView, turnID, modelID)
	if err != nil {
		return "", "", nil, err
	}

	before, err := c.GetContextBeforeTurn(ctx, viewID, turnID)
	if err != nil {
		return "", "", nil, err
	}

	return targetView, spanID, before, nil
}
