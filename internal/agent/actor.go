package agent

import (
	"context"
	"sync"

	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/session"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/textstore"
)

// conversationActor serialises every turn submitted against one
// conversation through a single goroutine reading a command channel,
// so a second SendMessage received mid-stream queues behind the first
// rather than interleaving with it.
type conversationActor struct {
	manager        *Manager
	conversationID noemaid.ConversationID
	userID         noemaid.UserID
	sess           *session.Session

	commands chan func(ctx context.Context) error
	done     chan struct{}

	subMu       sync.Mutex
	subscribers []chan Event

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func newConversationActor(m *Manager, conversationID noemaid.ConversationID, userID noemaid.UserID, sess *session.Session) *conversationActor {
	a := &conversationActor{
		manager:        m,
		conversationID: conversationID,
		userID:         userID,
		sess:           sess,
		commands:       make(chan func(ctx context.Context) error, 8),
		done:           make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *conversationActor) run() {
	defer close(a.done)
	for cmd := range a.commands {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelMu.Lock()
		a.cancel = cancel
		a.cancelMu.Unlock()

		if err := cmd(ctx); err != nil {
			a.manager.log.Warn().Err(err).Str("conversation_id", string(a.conversationID)).Msg("turn failed")
			a.publish(Event{Kind: EventError, ConversationID: a.conversationID, Err: err.Error()})
		} else {
			a.manager.log.Debug().Str("conversation_id", string(a.conversationID)).Msg("turn committed")
		}

		a.cancelMu.Lock()
		a.cancel = nil
		a.cancelMu.Unlock()
		cancel()
	}
}

// submit enqueues task and blocks until it has run (or the caller's
// own ctx is cancelled first, in which case task may still run later).
func (a *conversationActor) submit(ctx context.Context, task func(ctx context.Context) error) error {
	result := make(chan error, 1)
	wrapped := func(taskCtx context.Context) error {
		err := task(taskCtx)
		result <- err
		return err
	}
	select {
	case a.commands <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelCurrent cooperatively interrupts whichever task is presently
// running, if any, at its next chunk boundary.
func (a *conversationActor) cancelCurrent() {
	a.cancelMu.Lock()
	cancel := a.cancel
	a.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *conversationActor) stop() {
	close(a.commands)
}

func (a *conversationActor) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 32)
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()

	go func() {
		<-ctx.Done()
		a.subMu.Lock()
		defer a.subMu.Unlock()
		for i, s := range a.subscribers {
			if s == ch {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (a *conversationActor) publish(ev Event) {
	ev.ConversationID = a.conversationID
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// handleSendMessage appends the user's input to the session and runs a
// fresh turn loop against it.
func (a *conversationActor) handleSendMessage(ctx context.Context, modelID string, input []content.InputContent, toolConfig *ToolConfig) error {
	stored, err := a.manager.coord.StoreInputContent(ctx, input, textstore.Origin{Kind: textstore.OriginUser, UserID: string(a.userID)})
	if err != nil {
		return err
	}
	resolved, err := a.manager.coord.ResolveStoredContent(ctx, stored)
	if err != nil {
		return err
	}
	a.sess.Add(content.RoleUser, resolved)
	a.publish(Event{Kind: EventUserMessageAdded})

	loop := &turnLoop{
		manager:    a.manager,
		sess:       a.sess,
		userID:     a.userID,
		modelID:    modelID,
		toolConfig: toolConfig,
		maxRounds:  DefaultTopLevelIterationCap,
		emit:       a.publish,
	}
	messages, err := loop.run(ctx)
	if err != nil {
		return err
	}
	a.publish(Event{Kind: EventComplete, Messages: messages})
	return nil
}

// handleRegenerate forks (if necessary) and re-runs the model at
// turnID, per spec §4.7's regeneration semantics.
func (a *conversationActor) handleRegenerate(ctx context.Context, turnID noemaid.TurnID, modelID string, toolConfig *ToolConfig) error {
	targetView, spanID, before, err := a.manager.coord.PrepareRegeneration(ctx, a.sess.ViewID, turnID, modelID)
	if err != nil {
		return err
	}

	a.sess = session.New(a.manager.coord, a.manager.docs, a.conversationID, targetView)
	for _, m := range before {
		a.sess.AddResolved(m)
	}
	a.publish(Event{Kind: EventTruncated, TruncatedAtTurn: turnID})

	loop := &turnLoop{
		manager:     a.manager,
		sess:        a.sess,
		userID:      a.userID,
		modelID:     modelID,
		toolConfig:  toolConfig,
		maxRounds:   DefaultTopLevelIterationCap,
		emit:        a.publish,
		regenTurnID: turnID,
		regenSpanID: spanID,
	}
	messages, err := loop.run(ctx)
	if err != nil {
		return err
	}
	a.publish(Event{Kind: EventComplete, Messages: messages})
	return nil
}
