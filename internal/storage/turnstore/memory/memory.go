// Package memory implements turnstore.Store entirely in process memory,
// guarded by a single mutex. It exists for tests and for short-lived
// scratch conversations (tool-internal subconversations that never
// need to survive a restart) and mirrors the SQLite backend's
// semantics exactly so the two are interchangeable.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/turnstore"
)

type internalSpan struct {
	span   turnstore.Span
	turnID noemaid.TurnID
}

type viewSelection struct {
	spanID         noemaid.SpanID
	sequenceNumber int
}

type selectionKey struct {
	viewID noemaid.ViewID
	turnID noemaid.TurnID
}

// Store is a mutex-guarded in-memory turnstore.Store.
type Store struct {
	mu sync.RWMutex

	turns          map[noemaid.TurnID]turnstore.Turn
	spans          map[noemaid.SpanID]internalSpan
	messages       map[noemaid.MessageID]turnstore.Message
	messageContent map[noemaid.MessageID][]content.StoredContent
	views          map[noemaid.ViewID]turnstore.View
	selections     map[selectionKey]viewSelection
}

func New() *Store {
	return &Store{
		turns:          map[noemaid.TurnID]turnstore.Turn{},
		spans:          map[noemaid.SpanID]internalSpan{},
		messages:       map[noemaid.MessageID]turnstore.Message{},
		messageContent: map[noemaid.MessageID][]content.StoredContent{},
		views:          map[noemaid.ViewID]turnstore.View{},
		selections:     map[selectionKey]viewSelection{},
	}
}

var _ turnstore.Store = (*Store)(nil)

// txnKey marks a context as already holding Store's write lock, so
// calls made inside a WithTxn batch don't try to reacquire it.
type txnKey struct{}

// WithTxn holds the store's mutex for fn's entire duration, giving the
// in-memory backend the same all-or-nothing guarantee DoTxn gives the
// SQLite backend: fn's writes happen atomically with respect to every
// other reader and writer, and when fn returns an error every map is
// restored to the snapshot taken before fn ran, so none of its writes
// remain.
func (s *Store) WithTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, spans, messages := maps.Clone(s.turns), maps.Clone(s.spans), maps.Clone(s.messages)
	messageContent, views, selections := maps.Clone(s.messageContent), maps.Clone(s.views), maps.Clone(s.selections)
	if err := fn(context.WithValue(ctx, txnKey{}, true)); err != nil {
		s.turns, s.spans, s.messages = turns, spans, messages
		s.messageContent, s.views, s.selections = messageContent, views, selections
		return err
	}
	return nil
}

func (s *Store) inTxn(ctx context.Context) bool {
	v, _ := ctx.Value(txnKey{}).(bool)
	return v
}

func (s *Store) CreateTurn(ctx context.Context, role turnstore.Role) (turnstore.Turn, error) {
	if !s.inTxn(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	turn := turnstore.Turn{ID: noemaid.NewTurnID(), Role: role, CreatedAt: time.Now()}
	s.turns[turn.ID] = turn
	return turn, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID noemaid.TurnID) (turnstore.Turn, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	return turn, ok, nil
}

func (s *Store) CreateSpan(ctx context.Context, turnID noemaid.TurnID, modelID string) (turnstore.Span, error) {
	if !s.inTxn(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	span := turnstore.Span{ID: noemaid.NewSpanID(), ModelID: modelID, CreatedAt: time.Now()}
	s.spans[span.ID] = internalSpan{span: span, turnID: turnID}
	return span, nil
}

func (s *Store) messageCountLocked(spanID noemaid.SpanID) int {
	count := 0
	for _, m := range s.messages {
		if m.SpanID == spanID {
			count++
		}
	}
	return count
}

func (s *Store) GetSpans(ctx context.Context, turnID noemaid.TurnID) ([]turnstore.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []turnstore.Span
	for _, is := range s.spans {
		if is.turnID != turnID {
			continue
		}
		span := is.span
		span.MessageCount = s.messageCountLocked(span.ID)
		out = append(out, span)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetSpan(ctx context.Context, spanID noemaid.SpanID) (turnstore.Span, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	is, ok := s.spans[spanID]
	if !ok {
		return turnstore.Span{}, false, nil
	}
	span := is.span
	span.MessageCount = s.messageCountLocked(span.ID)
	return span, true, nil
}

func (s *Store) AddMessage(ctx context.Context, spanID noemaid.SpanID, role turnstore.MessageRole, blocks []content.StoredContent) (turnstore.Message, error) {
	if !s.inTxn(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	seq := 0
	found := false
	for _, m := range s.messages {
		if m.SpanID == spanID {
			if !found || m.SequenceNumber >= seq {
				seq = m.SequenceNumber + 1
				found = true
			}
		}
	}
	if !found {
		seq = 0
	}

	msg := turnstore.Message{
		ID:             noemaid.NewMessageID(),
		SpanID:         spanID,
		SequenceNumber: seq,
		Role:           role,
		CreatedAt:      time.Now(),
	}
	s.messages[msg.ID] = msg
	cp := make([]content.StoredContent, len(blocks))
	copy(cp, blocks)
	s.messageContent[msg.ID] = cp
	return msg, nil
}

func (s *Store) GetMessages(ctx context.Context, spanID noemaid.SpanID) ([]turnstore.MessageWithContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []turnstore.Message
	for _, m := range s.messages {
		if m.SpanID == spanID {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SequenceNumber < list[j].SequenceNumber })

	out := make([]turnstore.MessageWithContent, 0, len(list))
	for _, m := range list {
		out = append(out, turnstore.MessageWithContent{Message: m, Content: s.messageContent[m.ID]})
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID noemaid.MessageID) (turnstore.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	return m, ok, nil
}

func (s *Store) CreateView(ctx context.Context) (turnstore.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := turnstore.View{ID: noemaid.NewViewID(), CreatedAt: time.Now()}
	s.views[view.ID] = view
	return view, nil
}

func (s *Store) turnCountLocked(viewID noemaid.ViewID) int {
	count := 0
	for k := range s.selections {
		if k.viewID == viewID {
			count++
		}
	}
	return count
}

func (s *Store) GetView(ctx context.Context, viewID noemaid.ViewID) (turnstore.View, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[viewID]
	if !ok {
		return turnstore.View{}, false, nil
	}
	v.TurnCount = s.turnCountLocked(viewID)
	return v, true, nil
}

func (s *Store) ListRelatedViews(ctx context.Context, mainViewID noemaid.ViewID) ([]turnstore.View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []turnstore.View
	visited := map[noemaid.ViewID]bool{}
	toVisit := []noemaid.ViewID{mainViewID}

	for len(toVisit) > 0 {
		vid := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]
		if visited[vid] {
			continue
		}
		visited[vid] = true

		v, ok := s.views[vid]
		if !ok {
			continue
		}
		v.TurnCount = s.turnCountLocked(vid)
		result = append(result, v)

		for otherID, other := range s.views {
			if other.Fork != nil && other.Fork.FromViewID == vid {
				toVisit = append(toVisit, otherID)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) SelectSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, spanID noemaid.SpanID) error {
	if !s.inTxn(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	seq := 0
	found := false
	for k, sel := range s.selections {
		if k.viewID == viewID {
			if !found || sel.sequenceNumber >= seq {
				seq = sel.sequenceNumber + 1
				found = true
			}
		}
	}
	if !found {
		seq = 0
	}

	s.selections[selectionKey{viewID, turnID}] = viewSelection{spanID: spanID, sequenceNumber: seq}
	return nil
}

func (s *Store) GetSelectedSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID) (noemaid.SpanID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.selections[selectionKey{viewID, turnID}]
	if !ok {
		return "", false, nil
	}
	return sel.spanID, true, nil
}

type orderedSelection struct {
	turnID noemaid.TurnID
	spanID noemaid.SpanID
	seq    int
}

func (s *Store) sortedSelectionsLocked(viewID noemaid.ViewID, below int, hasBelow bool) []orderedSelection {
	var entries []orderedSelection
	for k, sel := range s.selections {
		if k.viewID != viewID {
			continue
		}
		if hasBelow && sel.sequenceNumber >= below {
			continue
		}
		entries = append(entries, orderedSelection{turnID: k.turnID, spanID: sel.spanID, seq: sel.sequenceNumber})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (s *Store) resolvePath(ctx context.Context, entries []orderedSelection) ([]turnstore.TurnWithContent, error) {
	result := make([]turnstore.TurnWithContent, 0, len(entries))
	for _, e := range entries {
		turn, ok, err := s.GetTurn(ctx, e.turnID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, noemaerr.NotFound("turn " + string(e.turnID))
		}
		span, ok, err := s.GetSpan(ctx, e.spanID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, noemaerr.NotFound("span " + string(e.spanID))
		}
		messages, err := s.GetMessages(ctx, e.spanID)
		if err != nil {
			return nil, err
		}
		result = append(result, turnstore.TurnWithContent{Turn: turn, Span: span, Messages: messages})
	}
	return result, nil
}

func (s *Store) GetViewPath(ctx context.Context, viewID noemaid.ViewID) ([]turnstore.TurnWithContent, error) {
	s.mu.RLock()
	entries := s.sortedSelectionsLocked(viewID, 0, false)
	s.mu.RUnlock()
	if len(entries) == 0 {
		return nil, nil
	}
	return s.resolvePath(ctx, entries)
}

func (s *Store) ForkView(ctx context.Context, viewID noemaid.ViewID, atTurnID noemaid.TurnID) (turnstore.View, error) {
	s.mu.Lock()
	sel, ok := s.selections[selectionKey{viewID, atTurnID}]
	if !ok {
		s.mu.Unlock()
		return turnstore.View{}, noemaerr.Validation("turn not in view")
	}
	atSeq := sel.sequenceNumber

	var toCopy []struct {
		turnID noemaid.TurnID
		sel    viewSelection
	}
	for k, s2 := range s.selections {
		if k.viewID == viewID && s2.sequenceNumber < atSeq {
			toCopy = append(toCopy, struct {
				turnID noemaid.TurnID
				sel    viewSelection
			}{k.turnID, s2})
		}
	}

	newView := turnstore.View{
		ID:        noemaid.NewViewID(),
		Fork:      &turnstore.ForkInfo{FromViewID: viewID, AtTurnID: atTurnID},
		TurnCount: len(toCopy),
		CreatedAt: time.Now(),
	}
	s.views[newView.ID] = newView
	for _, c := range toCopy {
		s.selections[selectionKey{newView.ID, c.turnID}] = c.sel
	}
	s.mu.Unlock()
	return newView, nil
}

func (s *Store) GetViewContextAt(ctx context.Context, viewID noemaid.ViewID, upToTurnID noemaid.TurnID) ([]turnstore.TurnWithContent, error) {
	s.mu.RLock()
	sel, ok := s.selections[selectionKey{viewID, upToTurnID}]
	if !ok {
		s.mu.RUnlock()
		return nil, noemaerr.Validation("turn not in view")
	}
	entries := s.sortedSelectionsLocked(viewID, sel.sequenceNumber, true)
	s.mu.RUnlock()
	return s.resolvePath(ctx, entries)
}

func (s *Store) EditTurn(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, messages []turnstore.PendingMessage, modelID string, createFork bool) (turnstore.Span, *turnstore.View, error) {
	span, err := s.CreateSpan(ctx, turnID, modelID)
	if err != nil {
		return turnstore.Span{}, nil, err
	}
	for _, m := range messages {
		if _, err := s.AddMessage(ctx, span.ID, m.Role, m.Content); err != nil {
			return turnstore.Span{}, nil, err
		}
	}

	var forkedView *turnstore.View
	if createFork {
		nv, err := s.ForkView(ctx, viewID, turnID)
		if err != nil {
			return turnstore.Span{}, nil, err
		}
		if err := s.SelectSpan(ctx, nv.ID, turnID, span.ID); err != nil {
			return turnstore.Span{}, nil, err
		}
		forkedView = &nv
	} else {
		if err := s.SelectSpan(ctx, viewID, turnID, span.ID); err != nil {
			return turnstore.Span{}, nil, err
		}
	}

	updated, ok, err := s.GetSpan(ctx, span.ID)
	if err != nil {
		return turnstore.Span{}, nil, err
	}
	if !ok {
		updated = span
	}
	return updated, forkedView, nil
}
