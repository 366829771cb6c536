package agent

import (
	"context"
	"fmt"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/content"
)

// contextArgKey is the tool-argument key spawn_agent's injected
// _context object is attached under, per the identifying fields a
// subagent needs to know where it was spawned from.
const contextArgKey = "_context"

// dispatchSpawnAgent spawns a nested subconversation, runs a reduced-
// cap agent loop inside it seeded with the task argument, and returns
// the subconversation's final assistant text as this call's result.
// It does not use LinkSubconversationResult: that method commits
// directly to storage, which would violate the deferred-commit-until-
// terminal-round design every other tool result in this loop follows.
func (l *turnLoop) dispatchSpawnAgent(ctx context.Context, tc *content.ToolCall) (*content.ToolResult, error) {
	task, _ := tc.Arguments["task"].(string)
	if task == "" {
		return nil, noemaerr.Validation("spawn_agent requires a non-empty task")
	}
	label, _ := tc.Arguments["label"].(string)
	if label == "" {
		label = "subagent: " + tc.ID
	}

	subID, err := l.manager.coord.SpawnSubconversation(ctx, l.sess.ConversationID, l.userID, l.currentTurnID(), l.currentSpanID(), label)
	if err != nil {
		return nil, err
	}

	tc.Arguments[contextArgKey] = map[string]any{
		"conversation_id": string(l.sess.ConversationID),
		"user_id":         string(l.userID),
		"turn_id":         string(l.currentTurnID()),
		"span_id":         string(l.currentSpanID()),
		"model_id":        l.modelID,
	}

	if err := l.manager.spawnSubconversationAgent(ctx, l.userID, subID, task, l.modelID, l.toolConfig); err != nil {
		return nil, fmt.Errorf("spawn_agent: %w", err)
	}

	result, found, err := l.manager.coord.GetSubconversationResult(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !found {
		result = "(subagent produced no result)"
	}

	tagged := result + "\n\n[subconversation_id: " + string(subID) + "]"
	return &content.ToolResult{
		CallID: tc.ID,
		Parts:  []content.ToolResultPart{{Kind: "text", Text: tagged}},
	}, nil
}

// currentTurnID/currentSpanID report the turn and span this loop's
// result will eventually commit under. At the point a tool call is
// dispatched that commit hasn't happened yet, so spawn_agent's
// _context carries the pending placeholder rather than a real id for a
// top-level turn; a nested loop's own atTurnID/atSpanID (the call site
// it was spawned from) are reported when set.
func (l *turnLoop) currentTurnID() noemaid.TurnID {
	if l.atTurnID != "" {
		return l.atTurnID
	}
	return session.PendingTurnID
}

func (l *turnLoop) currentSpanID() noemaid.SpanID {
	return l.atSpanID
}
