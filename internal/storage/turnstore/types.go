// Package turnstore implements the turn/span/message/view data model:
// turns are immutable positional slots in a conversation, spans are
// alternative realizations of a turn (regenerations, edits), and views
// select exactly one span per turn to produce a linear path.
package turnstore

import (
	"time"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
	MessageRoleSystem    MessageRole = "system"
)

// Turn is an immutable positional slot belonging to a role.
type Turn struct {
	ID        noemaid.TurnID
	Role      Role
	CreatedAt time.Time
}

// Span is one realization of a turn — regenerating or editing a turn
// creates a new span rather than mutating the existing one.
type Span struct {
	ID           noemaid.SpanID
	ModelID      string
	MessageCount int
	CreatedAt    time.Time
}

// Message is one piece of a span's content, in sequence order.
type Message struct {
	ID             noemaid.MessageID
	SpanID         noemaid.SpanID
	SequenceNumber int
	Role           MessageRole
	CreatedAt      time.Time
}

type MessageWithContent struct {
	Message Message
	Content []content.StoredContent
}

// ForkInfo records that a view was derived from another view at a
// given turn.
type ForkInfo struct {
	FromViewID noemaid.ViewID
	AtTurnID   noemaid.TurnID
}

// View selects exactly one span per turn; TurnCount is the number of
// turns currently selected in this view (live-computed, not stored).
type View struct {
	ID        noemaid.ViewID
	Fork      *ForkInfo
	TurnCount int
	CreatedAt time.Time
}

// TurnWithContent is one resolved step of a view path: the turn, the
// span selected for it in that view, and that span's messages.
type TurnWithContent struct {
	Turn     Turn
	Span     Span
	Messages []MessageWithContent
}
