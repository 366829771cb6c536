package agent

import (
	"context"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/content"
)

// turnLoop drives one turn to completion: assemble a request from the
// session's current pending+committed state, stream a model, dispatch
// any tool calls it issues, and repeat until the model stops calling
// tools or maxRounds is exceeded.
type turnLoop struct {
	manager    *Manager
	sess       *session.Session
	userID     noemaid.UserID
	modelID    string
	toolConfig *ToolConfig
	maxRounds  int
	emit       func(Event)

	// atTurnID/atSpanID identify the call site spawn_agent is dispatched
	// from, injected into the subagent's _context. Unset at top level.
	atTurnID noemaid.TurnID
	atSpanID noemaid.SpanID

	// regenTurnID/regenSpanID, when set, redirect the terminal commit to
	// PrepareRegeneration's already-created span instead of opening a
	// fresh turn: a regeneration replaces one turn's span, it doesn't
	// add a new turn to the view.
	regenTurnID noemaid.TurnID
	regenSpanID noemaid.SpanID
}

// run executes rounds until the model produces a tool-call-free
// response or the round cap is hit. On success it commits the whole
// turn in one call and returns the committed messages. On any failure,
// including the cap itself, it clears every pending message first so
// nothing partial is ever persisted.
func (l *turnLoop) run(ctx context.Context) ([]content.ResolvedMessage, error) {
	model, err := l.manager.resolveModel(l.modelID)
	if err != nil {
		l.sess.ClearPending()
		return nil, err
	}

	mcpTools := l.manager.registry.GetAllDefinitions()
	catalog := buildToolCatalog(mcpTools, l.toolConfig)
	contextWindow := l.lookupContextWindow(ctx, model)

	for round := 0; round < l.maxRounds; round++ {
		messages, err := l.sess.IterForRequest(ctx)
		if err != nil {
			l.sess.ClearPending()
			return nil, err
		}

		req := provider.ChatRequest{
			Model:    l.modelID,
			Messages: toProviderMessages(messages),
			Tools:    catalog,
		}
		l.warnIfOverBudget(req, contextWindow)

		chunks, err := model.Stream(ctx, req)
		if err != nil {
			l.sess.ClearPending()
			return nil, err
		}

		blocks, usageErr := l.accumulate(ctx, chunks)
		if usageErr != nil {
			l.sess.ClearPending()
			return nil, usageErr
		}

		l.sess.Add(content.RoleAssistant, toResolvedContent(blocks))

		toolCalls := toolCallBlocks(blocks)
		if len(toolCalls) == 0 {
			// Capture the pending slice before committing: Commit tags
			// these same backing-array entries with their new turn id in
			// place rather than removing them, but Pending() itself
			// reports nothing once firstPending advances past them.
			committed := l.sess.Pending()
			if err := l.commit(ctx); err != nil {
				l.sess.ClearPending()
				return nil, err
			}
			return committed, nil
		}

		for _, tc := range toolCalls {
			result, err := l.dispatchTool(ctx, tc)
			if err != nil {
				result = toolErrorResult(tc, err)
			}
			l.sess.Add(content.RoleTool, []content.ResolvedContent{{
				Kind:       content.StoredToolResult,
				ToolResult: result,
			}})
		}
	}

	l.sess.ClearPending()
	return nil, noemaerr.Validation("agent loop exceeded iteration cap")
}

// commit persists every pending message from this turn in one call,
// either as a brand-new turn (the default) or, for a regeneration, as
// the replacement span on the turn PrepareRegeneration already opened.
func (l *turnLoop) commit(ctx context.Context) error {
	if l.regenTurnID != "" {
		_, _, err := l.sess.Commit(ctx, l.modelID, session.AppendToSpan, l.regenSpanID, l.regenTurnID)
		return err
	}
	_, _, err := l.sess.CommitAssistantTurn(ctx, l.modelID)
	return err
}

// accumulate drains a stream into the content blocks of one assistant
// message, emitting StreamingMessage events as text deltas arrive.
func (l *turnLoop) accumulate(ctx context.Context, chunks <-chan provider.ChatChunk) ([]content.ContentBlock, error) {
	var text string
	var toolCalls []*content.ToolCall

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return finalizeBlocks(text, toolCalls), nil
			}
			switch chunk.Type {
			case provider.ChunkDelta:
				text += chunk.Delta
				l.emit(Event{Kind: EventStreamingMessage, StreamingText: text})
			case provider.ChunkToolCall:
				toolCalls = append(toolCalls, fromContentToolCall(chunk.ToolCall))
			case provider.ChunkError:
				return nil, chunk.Err
			case provider.ChunkComplete:
				return finalizeBlocks(text, toolCalls), nil
			}
		}
	}
}

func finalizeBlocks(text string, toolCalls []*content.ToolCall) []content.ContentBlock {
	var blocks []content.ContentBlock
	if text != "" {
		blocks = append(blocks, content.Text(text))
	}
	for _, tc := range toolCalls {
		blocks = append(blocks, content.ContentBlock{Kind: content.BlockToolCall, ToolCall: tc})
	}
	return blocks
}

func toolCallBlocks(blocks []content.ContentBlock) []*content.ToolCall {
	var out []*content.ToolCall
	for _, b := range blocks {
		if b.Kind == content.BlockToolCall && b.ToolCall != nil {
			out = append(out, b.ToolCall)
		}
	}
	return out
}

// dispatchTool routes a model-issued call to the local spawn_agent
// builtin or, for everything else, the MCP registry.
func (l *turnLoop) dispatchTool(ctx context.Context, tc *content.ToolCall) (*content.ToolResult, error) {
	if tc.Name == SpawnAgentToolName {
		return l.dispatchSpawnAgent(ctx, tc)
	}

	parts, err := l.manager.registry.Call(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return nil, err
	}
	return &content.ToolResult{CallID: tc.ID, Parts: parts}, nil
}

func toolErrorResult(tc *content.ToolCall, err error) *content.ToolResult {
	return &content.ToolResult{
		CallID: tc.ID,
		Parts:  []content.ToolResultPart{{Kind: "text", Text: "tool call failed: " + err.Error()}},
	}
}
