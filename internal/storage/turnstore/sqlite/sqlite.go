// Package sqlite is the durable turnstore.Store backend, used for
// conversations that must survive a process restart. It mirrors the
// memory backend's semantics exactly — sequence numbers, fork
// prefix-copy, turn counts — over a SQLite-backed dbutil.Database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/content"
	"github.com/poucet/noema/internal/storage/turnstore"
)

type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

var _ turnstore.Store = (*Store)(nil)

// WithTxn wraps fn in a database transaction via dbutil's DoTxn: every
// call made with the ctx fn receives joins that transaction, so a
// turn/span/message batch either all commits or all rolls back.
func (s *Store) WithTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_spans_turn_id ON spans(turn_id);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			span_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_span_id ON messages(span_id);
		CREATE TABLE IF NOT EXISTS views (
			id TEXT PRIMARY KEY,
			fork_from_view_id TEXT NOT NULL DEFAULT '',
			fork_at_turn_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS view_selections (
			view_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			PRIMARY KEY (view_id, turn_id)
		);
		CREATE INDEX IF NOT EXISTS idx_view_selections_view_id ON view_selections(view_id);
	`)
	return err
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *Store) CreateTurn(ctx context.Context, role turnstore.Role) (turnstore.Turn, error) {
	turn := turnstore.Turn{ID: noemaid.NewTurnID(), Role: role, CreatedAt: time.Now()}
	_, err := s.db.Exec(ctx, `INSERT INTO turns (id, role, created_at) VALUES ($1, $2, $3)`,
		string(turn.ID), string(turn.Role), turn.CreatedAt.UnixMilli())
	if err != nil {
		return turnstore.Turn{}, noemaerr.Storage("create turn", err)
	}
	return turn, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID noemaid.TurnID) (turnstore.Turn, bool, error) {
	var id, role string
	var createdAt int64
	row := s.db.QueryRow(ctx, `SELECT id, role, created_at FROM turns WHERE id = $1`, string(turnID))
	err := row.Scan(&id, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return turnstore.Turn{}, false, nil
	}
	if err != nil {
		return turnstore.Turn{}, false, noemaerr.Storage("get turn", err)
	}
	return turnstore.Turn{ID: noemaid.TurnID(id), Role: turnstore.Role(role), CreatedAt: time.UnixMilli(createdAt)}, true, nil
}

func (s *Store) CreateSpan(ctx context.Context, turnID noemaid.TurnID, modelID string) (turnstore.Span, error) {
	span := turnstore.Span{ID: noemaid.NewSpanID(), ModelID: modelID, CreatedAt: time.Now()}
	_, err := s.db.Exec(ctx, `INSERT INTO spans (id, turn_id, model_id, created_at) VALUES ($1, $2, $3, $4)`,
		string(span.ID), string(turnID), modelID, span.CreatedAt.UnixMilli())
	if err != nil {
		return turnstore.Span{}, noemaerr.Storage("create span", err)
	}
	return span, nil
}

func (s *Store) messageCount(ctx context.Context, spanID noemaid.SpanID) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE span_id = $1`, string(spanID))
	if err := row.Scan(&count); err != nil {
		return 0, noemaerr.Storage("count messages", err)
	}
	return count, nil
}

func (s *Store) GetSpans(ctx context.Context, turnID noemaid.TurnID) ([]turnstore.Span, error) {
	rows, err := s.db.Query(ctx, `SELECT id, model_id, created_at FROM spans WHERE turn_id = $1 ORDER BY created_at`, string(turnID))
	if err != nil {
		return nil, noemaerr.Storage("get spans", err)
	}
	defer rows.Close()

	var out []turnstore.Span
	for rows.Next() {
		var id, modelID string
		var createdAt int64
		if err := rows.Scan(&id, &modelID, &createdAt); err != nil {
			return nil, noemaerr.Storage("scan span", err)
		}
		count, err := s.messageCount(ctx, noemaid.SpanID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, turnstore.Span{ID: noemaid.SpanID(id), ModelID: modelID, MessageCount: count, CreatedAt: time.UnixMilli(createdAt)})
	}
	return out, rows.Err()
}

func (s *Store) GetSpan(ctx context.Context, spanID noemaid.SpanID) (turnstore.Span, bool, error) {
	var id, modelID string
	var createdAt int64
	row := s.db.QueryRow(ctx, `SELECT id, model_id, created_at FROM spans WHERE id = $1`, string(spanID))
	err := row.Scan(&id, &modelID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return turnstore.Span{}, false, nil
	}
	if err != nil {
		return turnstore.Span{}, false, noemaerr.Storage("get span", err)
	}
	count, err := s.messageCount(ctx, spanID)
	if err != nil {
		return turnstore.Span{}, false, err
	}
	return turnstore.Span{ID: noemaid.SpanID(id), ModelID: modelID, MessageCount: count, CreatedAt: time.UnixMilli(createdAt)}, true, nil
}

func (s *Store) AddMessage(ctx context.Context, spanID noemaid.SpanID, role turnstore.MessageRole, blocks []content.StoredContent) (turnstore.Message, error) {
	var maxSeq sql.NullInt64
	row := s.db.QueryRow(ctx, `SELECT MAX(sequence_number) FROM messages WHERE span_id = $1`, string(spanID))
	if err := row.Scan(&maxSeq); err != nil {
		return turnstore.Message{}, noemaerr.Storage("get next sequence number", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	contentJSON, err := json.Marshal(blocks)
	if err != nil {
		return turnstore.Message{}, noemaerr.Validation("marshal message content: " + err.Error())
	}

	msg := turnstore.Message{
		ID:             noemaid.NewMessageID(),
		SpanID:         spanID,
		SequenceNumber: seq,
		Role:           role,
		CreatedAt:      time.Now(),
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO messages (id, span_id, sequence_number, role, content_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(msg.ID), string(spanID), seq, string(role), string(contentJSON), msg.CreatedAt.UnixMilli())
	if err != nil {
		return turnstore.Message{}, noemaerr.Storage("add message", err)
	}
	return msg, nil
}

func (s *Store) GetMessages(ctx context.Context, spanID noemaid.SpanID) ([]turnstore.MessageWithContent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, sequence_number, role, content_json, created_at FROM messages
		WHERE span_id = $1 ORDER BY sequence_number
	`, string(spanID))
	if err != nil {
		return nil, noemaerr.Storage("get messages", err)
	}
	defer rows.Close()

	var out []turnstore.MessageWithContent
	for rows.Next() {
		var id, role, contentJSON string
		var seq int
		var createdAt int64
		if err := rows.Scan(&id, &seq, &role, &contentJSON, &createdAt); err != nil {
			return nil, noemaerr.Storage("scan message", err)
		}
		var blocks []content.StoredContent
		if err := json.Unmarshal([]byte(contentJSON), &blocks); err != nil {
			return nil, noemaerr.Storage("unmarshal message content", err)
		}
		out = append(out, turnstore.MessageWithContent{
			Message: turnstore.Message{
				ID:             noemaid.MessageID(id),
				SpanID:         spanID,
				SequenceNumber: seq,
				Role:           turnstore.MessageRole(role),
				CreatedAt:      time.UnixMilli(createdAt),
			},
			Content: blocks,
		})
	}
	return out, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, messageID noemaid.MessageID) (turnstore.Message, bool, error) {
	var spanID, role string
	var seq int
	var createdAt int64
	row := s.db.QueryRow(ctx, `SELECT span_id, sequence_number, role, created_at FROM messages WHERE id = $1`, string(messageID))
	err := row.Scan(&spanID, &seq, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return turnstore.Message{}, false, nil
	}
	if err != nil {
		return turnstore.Message{}, false, noemaerr.Storage("get message", err)
	}
	return turnstore.Message{
		ID:             messageID,
		SpanID:         noemaid.SpanID(spanID),
		SequenceNumber: seq,
		Role:           turnstore.MessageRole(role),
		CreatedAt:      time.UnixMilli(createdAt),
	}, true, nil
}

func (s *Store) turnCount(ctx context.Context, viewID noemaid.ViewID) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM view_selections WHERE view_id = $1`, string(viewID))
	if err := row.Scan(&count); err != nil {
		return 0, noemaerr.Storage("count view turns", err)
	}
	return count, nil
}

func (s *Store) CreateView(ctx context.Context) (turnstore.View, error) {
	view := turnstore.View{ID: noemaid.NewViewID(), CreatedAt: time.Now()}
	_, err := s.db.Exec(ctx, `INSERT INTO views (id, created_at) VALUES ($1, $2)`, string(view.ID), view.CreatedAt.UnixMilli())
	if err != nil {
		return turnstore.View{}, noemaerr.Storage("create view", err)
	}
	return view, nil
}

func (s *Store) rowToView(ctx context.Context, id string, forkFrom, forkAt string, createdAt int64) (turnstore.View, error) {
	view := turnstore.View{ID: noemaid.ViewID(id), CreatedAt: time.UnixMilli(createdAt)}
	if forkFrom != "" {
		view.Fork = &turnstore.ForkInfo{FromViewID: noemaid.ViewID(forkFrom), AtTurnID: noemaid.TurnID(forkAt)}
	}
	count, err := s.turnCount(ctx, view.ID)
	if err != nil {
		return turnstore.View{}, err
	}
	view.TurnCount = count
	return view, nil
}

func (s *Store) GetView(ctx context.Context, viewID noemaid.ViewID) (turnstore.View, bool, error) {
	var id, forkFrom, forkAt string
	var createdAt int64
	row := s.db.QueryRow(ctx, `SELECT id, fork_from_view_id, fork_at_turn_id, created_at FROM views WHERE id = $1`, string(viewID))
	err := row.Scan(&id, &forkFrom, &forkAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return turnstore.View{}, false, nil
	}
	if err != nil {
		return turnstore.View{}, false, noemaerr.Storage("get view", err)
	}
	view, err := s.rowToView(ctx, id, forkFrom, forkAt, createdAt)
	if err != nil {
		return turnstore.View{}, false, err
	}
	return view, true, nil
}

// ListRelatedViews walks the fork tree rooted at mainViewID using an
// explicit stack, matching the memory backend's traversal exactly.
func (s *Store) ListRelatedViews(ctx context.Context, mainViewID noemaid.ViewID) ([]turnstore.View, error) {
	rows, err := s.db.Query(ctx, `SELECT id, fork_from_view_id, fork_at_turn_id, created_at FROM views`)
	if err != nil {
		return nil, noemaerr.Storage("list views", err)
	}
	type row struct {
		id, forkFrom, forkAt string
		createdAt            int64
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.forkFrom, &r.forkAt, &r.createdAt); err != nil {
			rows.Close()
			return nil, noemaerr.Storage("scan view", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, noemaerr.Storage("list views", err)
	}

	byID := map[string]row{}
	childrenOf := map[string][]string{}
	for _, r := range all {
		byID[r.id] = r
		if r.forkFrom != "" {
			childrenOf[r.forkFrom] = append(childrenOf[r.forkFrom], r.id)
		}
	}

	var result []turnstore.View
	visited := map[string]bool{}
	toVisit := []string{string(mainViewID)}
	for len(toVisit) > 0 {
		vid := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]
		if visited[vid] {
			continue
		}
		visited[vid] = true

		r, ok := byID[vid]
		if !ok {
			continue
		}
		view, err := s.rowToView(ctx, r.id, r.forkFrom, r.forkAt, r.createdAt)
		if err != nil {
			return nil, err
		}
		result = append(result, view)
		toVisit = append(toVisit, childrenOf[vid]...)
	}

	sortViewsByCreatedAt(result)
	return result, nil
}

func sortViewsByCreatedAt(views []turnstore.View) {
	for i := 1; i < len(views); i++ {
		for j := i; j > 0 && views[j].CreatedAt.Before(views[j-1].CreatedAt); j-- {
			views[j], views[j-1] = views[j-1], views[j]
		}
	}
}

func (s *Store) SelectSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID, spanID noemaid.SpanID) error {
	var maxSeq sql.NullInt64
	row := s.db.QueryRow(ctx, `SELECT MAX(sequence_number) FROM view_selections WHERE view_id = $1`, string(viewID))
	if err := row.Scan(&maxSeq); err != nil {
		return noemaerr.Storage("get next view sequence number", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO view_selections (view_id, turn_id, span_id, sequence_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (view_id, turn_id) DO UPDATE SET span_id = excluded.span_id, sequence_number = excluded.sequence_number
	`, string(viewID), string(turnID), string(spanID), seq)
	if err != nil {
		return noemaerr.Storage("select span", err)
	}
	return nil
}

func (s *Store) GetSelectedSpan(ctx context.Context, viewID noemaid.ViewID, turnID noemaid.TurnID) (noemaid.SpanID, bool, error) {
	var spanID string
	row := s.db.QueryRow(ctx, `SELECT span_id FROM view_selections WHERE view_id = $1 AND turn_id = $2`, string(viewID), string(turnID))
	err := row.Scan(&spanID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, noemaerr.Storage("get selected span", err)
	}
	return noemaid.SpanID(spanID), true, nil
}

type selectionRow struct {
	turnID, spanID string
	seq            int
}

func (s *Store) selectionsBelow(ctx context.Context, viewID noemaid.ViewID, below int, hasBelow bool) ([]selectionRow, error) {
	query := `SELECT turn_id, span_id, sequence_number FROM view_selections WHERE view_id = $1`
	args := []any{string(viewID)}
	if hasBelow {
		query += ` AND sequence_number < $2`
		args = append(args, below)
	}
	query += ` ORDER BY sequence_number`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, noemaerr.Storage("query selections", err)
	}
	defer rows.Close()
	var out []selectionRow
	for rows.Next() {
		var r selectionRow
		if err := rows.Scan(&r.turnID, &r.spanID, &r.seq); err != nil {
			return nil, noemaerr.Storage("scan selection", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) resolvePath(ctx context.Context, entries []selectionRow) ([]turnstore.TurnWithContent, error) {
	result := make([]turnstore.TurnWithContent, 0, len(entries))
	for _, e := range entries {
		turn, ok, err := s.GetTurn(ctx, noemaid.TurnID(e.turnID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, noemaerr.NotFound("turn " + e.turnID)
		}
		span, ok, err := s.GetSpan(ctx, noemaid.SpanID(e.spanID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, noemaerr.NotFound("span " + e.spanID)
		}
		messages, err := s.GetMessages(ctx, noemaid.SpanID(e.spanID))
		if err != nil {
			return nil, err
		}
		result = append(result, turnstore.TurnWithContent{Turn: turn, Span: span, Messages: messages})
	}
	return result, nil
}

func (s *Store) GetViewPath(ctx context.Context, viewID noemaid.ViewID) ([]turnstore.TurnWithContent, error) {
	entries, err := s.selectionsBelow(ctx, viewID, 0, false)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return s.resolvePath(ctx, entries)
}

func (s *Store) ForkView(ctx context.Context, viewID noemaid.ViewID, atTurnID noemaid.TurnID) (turnstore.View, error) {
	var atSeq int
	row := s.db.QueryRow(ctx, `SELECT sequence_number FROM view_selections WHERE view_id = $1 AND turn_id = $2`, string(viewID), string(atTurnID))
	err := row.Scan(&atSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return turnstore.View{}, noemaerr.Validation("turn not in view")
	}
	if err != nil {
		return turnstore.View{}, noemaerr.Storage("get fork point sequence", err)
	}

	toCopy, err := s.selectionsBelow(ctx, viewID, atSeq, true)
	if err != nil {
		return turnstore.View{}, err
	}

	newView := turnstore.View{
		ID:        noemaid.NewViewID(),
		Fork:      &turnstore.ForkInfo{FromViewID: viewID, AtTurnID: atTurnID},
		TurnCount: len(toCopy),
		CreatedAt: time.Now(),
	}
	_, err = s.db.Exec(ctx, `INSERT INTO views (id, fork_from_view_id, fork_at_turn_id, created_at) VALUES ($1, $2, $3, $4)`,
		string(newView.ID), string(viewID), string(atTurnID), newView.CreatedAt.UnixMilli())
	if err != nil {
		return turnstore.View{}, noemaerr.Storage("create forked view", err)
	}
	for _, c := range toCopy {
		_, err = s.db.Exec(ctx, `INSERT INTO view_selections (view_id, turn_id, span_id, sequence_number) VALUES ($1, $2, $3, $4)`,
			string(newView.ID), c.turnID, c.spanID, c.seq)
		if err != nil {
			return turnstore.View{}, noemaerr.Storage("copy fork selection", err)
		}
	}
	return newView, nil
}

func (s *Store) GetViewContextAt(ctx context.Context, viewID noemaid.ViewID, upToTurnID noemaid.TurnID) ([]turnstore.TurnWithContent, error) {
	var upToSeq int
	row := s.db.QueryRow(ctx, `SELECT sequence_number FROM view_selections WHERE view_id = $1 AND turn_id = $2`, string(viewID), string(upToTurnID))
	err := row.Scan(&upToSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, noemaerr.Validation("turn not in view")
	}
	if err != nil {
		return nil, noemaerr.Storage("get context point sequence", err)
	}

	entries, err := s.selectionsBelow(ctx, viewID, upToSeq, true)
	if err != nil {
		return nil, err
	}
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
