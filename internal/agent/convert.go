package agent

import (
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/content"
)

// toProviderMessages translates a session's expanded iteration view
// into the provider package's canonical wire shape. The two content
// models are deliberately kept distinct (provider.go's own doc comment
// says so) so every send goes through this narrow conversion rather
// than letting provider adapters reach into storage types directly.
func toProviderMessages(messages []session.ChatMessage) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, provider.ChatMessage{
			Role:    toProviderRole(m.Role),
			Payload: toProviderBlocks(m.Blocks),
		})
	}
	return out
}

func toProviderRole(role content.Role) provider.Role {
	switch role {
	case content.RoleAssistant:
		return provider.RoleAssistant
	case content.RoleSystem:
		return provider.RoleSystem
	case content.RoleTool:
		return provider.RoleTool
	default:
		return provider.RoleUser
	}
}

func toProviderBlocks(blocks []content.ContentBlock) []provider.ContentBlock {
	out := make([]provider.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case content.BlockText:
			out = append(out, provider.ContentBlock{Kind: provider.BlockText, Text: b.Text})
		case content.BlockImage:
			out = append(out, provider.ContentBlock{Kind: provider.BlockImage, Data: b.Data, MimeType: b.MimeType})
		case content.BlockAudio:
			out = append(out, provider.ContentBlock{Kind: provider.BlockAudio, Data: b.Data, MimeType: b.MimeType})
		case content.BlockToolCall:
			out = append(out, provider.ContentBlock{
				Kind:     provider.BlockToolCall,
				ToolCall: toProviderToolCall(b.ToolCall),
			})
		case content.BlockToolResult:
			out = append(out, toProviderToolResultBlock(b.ToolResult))
		case content.BlockDocumentRef:
			// Session.Iter already expands DocumentRefs to text before
			// this conversion runs; a bare ref here means a caller
			// skipped that step, so fall back to its title rather than
			// sending an empty block.
			out = append(out, provider.ContentBlock{Kind: provider.BlockText, Text: b.DocumentTitle})
		}
	}
	return out
}

func toProviderToolCall(tc *content.ToolCall) *provider.ToolCall {
	if tc == nil {
		return nil
	}
	return &provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
}

func toProviderToolResultBlock(tr *content.ToolResult) provider.ContentBlock {
	if tr == nil {
		return provider.ContentBlock{Kind: provider.BlockToolResult}
	}
	parts := make([]provider.ToolResultPart, 0, len(tr.Parts))
	for _, p := range tr.Parts {
		parts = append(parts, provider.ToolResultPart{Kind: p.Kind, Text: p.Text, Data: p.Data, MimeType: p.MimeType})
	}
	return provider.ContentBlock{
		Kind:       provider.BlockToolResult,
		ToolCallID: tr.CallID,
		ToolParts:  parts,
	}
}

// fromContentToolCall mirrors the content package's ToolCall shape
// from a provider-reported tool call, the inverse direction from
// toProviderToolCall, used when appending an accumulated assistant
// message back onto the session.
func fromContentToolCall(tc *provider.ToolCall) *content.ToolCall {
	if tc == nil {
		return nil
	}
	return &content.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
}

// toResolvedContent wraps rich content blocks as ResolvedContent, the
// form Session.Add expects, without going through storage — used for
// the working assistant message and tool-result messages appended
// in-memory during a multi-round turn before they are committed.
func toResolvedContent(blocks []content.ContentBlock) []content.ResolvedContent {
	out := make([]content.ResolvedContent, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case content.BlockText:
			out = append(out, content.ResolvedContent{Kind: content.StoredText, Text: b.Text})
		case content.BlockImage, content.BlockAudio:
			block := b
			out = append(out, content.ResolvedContent{Kind: content.StoredAsset, MimeType: b.MimeType, Block: &block})
		case content.BlockDocumentRef:
			out = append(out, content.ResolvedContent{Kind: content.StoredDocumentRef, DocumentID: b.DocumentID})
		case content.BlockToolCall:
			out = append(out, content.ResolvedContent{Kind: content.StoredToolCall, ToolCall: b.ToolCall})
		case content.BlockToolResult:
			out = append(out, content.ResolvedContent{Kind: content.StoredToolResult, ToolResult: b.ToolResult})
		}
	}
	return out
}
