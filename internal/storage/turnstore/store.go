package turnstore

import (
	"context"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
)

// Store is the full turn/span/message/view surface. Both the
// in-memory and SQLite backends implement it identically so the
// coordinator and session layers are storage-agnostic.
type Store interface {
	CreateTurn(ctx context.Context, role Role) (Turn, error)
	GetTurn(ctx context.Context, turnID noemaid.TurnID) (Turn, bool, error)

	CreateSpan(ctx context.Context, turnID noemaid.TurnID, modelID string) (Span, error)
	GetSpans(ctx context.Context, turnID noemaid.TurnID) ([]Span, error)
	GetSpan(ctx context.Context, spanID noemaid.SpanID) (Span, bool, error)

	AddMessage(ctx context.Context, spanID noemaid.SpanID, role MessageRole, blocks []content.StoredContent) (Message, error)
	GetMessages(ctx context.Context, spanID noemaid.SpanID) ([]MessageWithContent, error)
	GetMessage(ctx context.Context, messageID noemaid.MessageID) (Message, bool, error)

	CreateView(ctx context.Context) (View, error)
	GetView(ctx context.Context, viewID noemaid.ViewID) (View, bool, error)
	ListRelatedViews(ctx context.Context, mainViewID noemaid.ViewID) ([]View, error)

	SelectSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, spanID noemaid.SpanID) error
	GetSelectedSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID) (noemaid.SpanID, bool, error)

	GetViewPath(ctx context.Context, viewID noemaid.ViewID) ([]TurnWithContent, error)
	ForkView(ctx context.Context, viewID noemaid.ViewID, atTurnID noemaid.TurnID) (View, error)
	GetViewContextAt(ctx context.Context, viewID noemaid.ViewID, upToTurnID noemaid.TurnID) ([]TurnWithContent, error)

	// EditTurn creates a new span for turnID carrying messages, and
	// either selects it in viewID directly (createFork=false) or forks
	// viewID at turnID first and selects it in the fork (createFork=true).
	EditTurn(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, messages []PendingMessage, modelID string, createFork bool) (Span, *View, error)

	// WithTxn runs fn as one atomic batch: the SQLite backend wraps it
	// in a database transaction (fn's writes all land or none do), and
	// the in-memory backend holds its store mutex for fn's entire
	// duration so no reader observes a partial turn/span/message batch.
	// Callers must issue every write inside fn through the ctx fn is
	// given, not the ctx WithTxn was called with.
	WithTxn(ctx context.Context, fn func(ctx context.Context) error) error
}

// PendingMessage is an (role, content) pair not yet assigned a message id.
type PendingMessage struct {
	Role    MessageRole
	Content []content.StoredContent
}
