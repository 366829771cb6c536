package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/poucet/noema/internal/mcp"
	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/coordinator"
	"github.com/poucet/noema/internal/storage/docstore"
)

// DefaultTopLevelIterationCap and DefaultSubconversationIterationCap
// are the per-turn tool-round caps spec §4.7 names.
const (
	DefaultTopLevelIterationCap        = 10
	DefaultSubconversationIterationCap = 5
)

// ProviderResolver maps a canonical "<provider>/<model>" id to the
// live adapter that should serve it.
type ProviderResolver interface {
	Resolve(modelID string) (provider.ChatModel, error)
}

// ProviderResolverFunc adapts a plain function to ProviderResolver.
type ProviderResolverFunc func(modelID string) (provider.ChatModel, error)

func (f ProviderResolverFunc) Resolve(modelID string) (provider.ChatModel, error) { return f(modelID) }

// SplitModelID splits the canonical "<provider>/<model>" id on its
// first slash, yielding the provider routing key.
func SplitModelID(modelID string) (providerKey, model string, ok bool) {
	idx := strings.IndexByte(modelID, '/')
	if idx < 0 {
		return "", "", false
	}
	return modelID[:idx], modelID[idx+1:], true
}

// Manager owns every active conversation's Session and drives its
// per-turn loop. One Manager instance typically backs one running
// server process.
type Manager struct {
	coord     *coordinator.Coordinator
	docs      *docstore.Store
	registry  *mcp.Registry
	providers ProviderResolver
	log       zerolog.Logger

	mu            sync.Mutex
	conversations map[noemaid.ConversationID]*conversationActor
}

func NewManager(coord *coordinator.Coordinator, docs *docstore.Store, registry *mcp.Registry, providers ProviderResolver, log zerolog.Logger) *Manager {
	return &Manager{
		coord:         coord,
		docs:          docs,
		registry:      registry,
		providers:     providers,
		log:           log.With().Str("component", "agent").Logger(),
		conversations: make(map[noemaid.ConversationID]*conversationActor),
	}
}

// actorFor returns the running actor for a conversation, spawning one
// the first time it is referenced.
func (m *Manager) actorFor(ctx context.Context, conversationID noemaid.ConversationID, userID noemaid.UserID) (*conversationActor, error) {
	m.mu.Lock()
	a, ok := m.conversations[conversationID]
	m.mu.Unlock()
	if ok {
		return a, nil
	}

	sess, err := session.Open(ctx, m.coord, m.docs, conversationID)
	if err != nil {
		return nil, err
	}

	a = newConversationActor(m, conversationID, userID, sess)

	m.mu.Lock()
	if existing, ok := m.conversations[conversationID]; ok {
		m.mu.Unlock()
		a.stop()
		return existing, nil
	}
	m.conversations[conversationID] = a
	m.mu.Unlock()
	return a, nil
}

// Subscribe registers a channel that receives every Event the named
// conversation emits, until ctx is done.
func (m *Manager) Subscribe(ctx context.Context, conversationID noemaid.ConversationID, userID noemaid.UserID) (<-chan Event, error) {
	a, err := m.actorFor(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return a.subscribe(ctx), nil
}

// SendMessage enqueues user input on a conversation and blocks until
// the resulting turn (including every tool round) finishes or fails.
// A second call while a turn is already in flight on the same
// conversation queues behind it rather than interleaving.
func (m *Manager) SendMessage(ctx context.Context, conversationID noemaid.ConversationID, userID noemaid.UserID, modelID string, input []content.InputContent, toolConfig *ToolConfig) error {
	a, err := m.actorFor(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	return a.submit(ctx, func(ctx context.Context) error {
		return a.handleSendMessage(ctx, modelID, input, toolConfig)
	})
}

// Regenerate re-runs the model at turnID with the context that
// preceded it, per spec §4.7's regeneration semantics.
func (m *Manager) Regenerate(ctx context.Context, conversationID noemaid.ConversationID, userID noemaid.UserID, turnID noemaid.TurnID, modelID string, toolConfig *ToolConfig) error {
	a, err := m.actorFor(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	return a.submit(ctx, func(ctx context.Context) error {
		return a.handleRegenerate(ctx, turnID, modelID, toolConfig)
	})
}

// Cancel interrupts the conversation's in-flight turn at the next
// chunk boundary, cooperatively, and clears its pending buffer.
func (m *Manager) Cancel(conversationID noemaid.ConversationID) {
	m.mu.Lock()
	a, ok := m.conversations[conversationID]
	m.mu.Unlock()
	if ok {
		a.cancelCurrent()
	}
}

// spawnSubconversationAgent runs a nested agent loop for spawn_agent,
// using the same providers and registry but the subconversation's own
// Session and a reduced iteration cap.
func (m *Manager) spawnSubconversationAgent(ctx context.Context, parentUserID noemaid.UserID, subconversationID noemaid.ConversationID, task, modelID string, toolConfig *ToolConfig) error {
	sess, err := session.Open(ctx, m.coord, m.docs, subconversationID)
	if err != nil {
		return err
	}
	sess.Add(content.RoleUser, []content.ResolvedContent{{Kind: content.StoredText, Text: task}})

	loop := &turnLoop{
		manager:    m,
		sess:       sess,
		userID:     parentUserID,
		modelID:    modelID,
		toolConfig: toolConfig,
		maxRounds:  DefaultSubconversationIterationCap,
		emit:       func(Event) {},
	}
	_, err = loop.run(ctx)
	return err
}

func (m *Manager) resolveModel(modelID string) (provider.ChatModel, error) {
	if m.providers == nil {
		return nil, fmt.Errorf("agent: no provider resolver configured")
	}
	model, err := m.providers.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, noemaerr.NotFound("model " + modelID)
	}
	return model, nil
}
