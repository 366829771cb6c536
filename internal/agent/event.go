// Package agent drives the per-conversation turn loop: assembling a
// ChatRequest from a Session, streaming a provider, dispatching tool
// calls (MCP-backed or the local spawn_agent builtin), and committing
// the finished turn. One Manager owns every active conversation's
// Session and serialises turns on it.
package agent

import (
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
)

// EventKind discriminates the Event sum type a Manager emits to its
// subscribers.
type EventKind string

const (
	EventUserMessageAdded EventKind = "user_message_added"
	EventStreamingMessage EventKind = "streaming_message"
	EventComplete         EventKind = "complete"
	EventModelChanged     EventKind = "model_changed"
	EventTruncated        EventKind = "truncated"
	EventError            EventKind = "error"
)

// Event is one notification a Manager publishes about a conversation's
// turn. Only the field(s) relevant to Kind are populated.
type Event struct {
	Kind           EventKind
	ConversationID noemaid.ConversationID

	// EventStreamingMessage: the assistant message accumulated so far
	// this round, text-only (tool calls surface only on completion).
	StreamingText string

	// EventComplete: every message the turn appended, committed form.
	Messages []content.ResolvedMessage

	// EventModelChanged: the model now driving this conversation.
	ModelID string

	// EventTruncated: the turn everything after which was collapsed
	// by a regeneration.
	TruncatedAtTurn noemaid.TurnID

	// EventError: a human-readable description of what went wrong.
	Err string
}
