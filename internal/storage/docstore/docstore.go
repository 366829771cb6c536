// Package docstore persists documents: user- or import-created
// artifacts organized into hierarchical tabs, each tab carrying a
// linear revision history of markdown content.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
)

type Source string

const (
	SourceUserCreated Source = "user_created"
	SourceImport      Source = "import"
	SourceTool        Source = "tool"
)

type Document struct {
	ID        noemaid.DocumentID
	UserID    noemaid.UserID
	Title     string
	Source    Source
	SourceID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Tab struct {
	ID                 noemaid.DocumentTabID
	DocumentID         noemaid.DocumentID
	ParentTabID        string
	TabIndex           int
	Title              string
	Icon               string
	ContentMarkdown    string
	ReferencedAssets   []noemaid.AssetID
	SourceTabID        string
	CurrentRevisionID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Revision struct {
	ID                 noemaid.DocumentRevisionID
	TabID              noemaid.DocumentTabID
	RevisionNumber     int
	ParentRevisionID   string
	ContentMarkdown    string
	ContentHash        string
	ReferencedAssets   []noemaid.AssetID
	CreatedAt          time.Time
	CreatedBy          string
}

type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);
		CREATE INDEX IF NOT EXISTS idx_documents_user_source_id ON documents(user_id, source, source_id);
		CREATE TABLE IF NOT EXISTS document_tabs (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			parent_tab_id TEXT NOT NULL DEFAULT '',
			tab_index INTEGER NOT NULL,
			title TEXT NOT NULL,
			icon TEXT NOT NULL DEFAULT '',
			content_markdown TEXT NOT NULL DEFAULT '',
			referenced_assets TEXT NOT NULL DEFAULT '[]',
			source_tab_id TEXT NOT NULL DEFAULT '',
			current_revision_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_document_tabs_document ON document_tabs(document_id);
		CREATE INDEX IF NOT EXISTS idx_document_tabs_parent ON document_tabs(parent_tab_id);
		CREATE TABLE IF NOT EXISTS document_revisions (
			id TEXT PRIMARY KEY,
			tab_id TEXT NOT NULL,
			revision_number INTEGER NOT NULL,
			parent_revision_id TEXT NOT NULL DEFAULT '',
			content_markdown TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			referenced_assets TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			created_by TEXT NOT NULL DEFAULT 'import'
		);
		CREATE INDEX IF NOT EXISTS idx_document_revisions_tab ON document_revisions(tab_id);
	`)
	return err
}

func marshalAssets(assets []noemaid.AssetID) string {
	if assets == nil {
		assets = []noemaid.AssetID{}
	}
	b, _ := json.Marshal(assets)
	return string(b)
}

func unmarshalAssets(raw string) []noemaid.AssetID {
	var out []noemaid.AssetID
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (s *Store) CreateDocument(ctx context.Context, userID noemaid.UserID, title string, source Source, sourceID string) (noemaid.DocumentID, error) {
	id := noemaid.NewDocumentID()
	now := time.Now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (id, user_id, title, source, source_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, string(id), string(userID), title, string(source), sourceID, now)
	if err != nil {
		return "", noemaerr.Storage("create document", err)
	}
	return id, nil
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var id, userID, source string
	var createdAt, updatedAt int64
	err := row.Scan(&id, &userID, &d.Title, &source, &d.SourceID, &createdAt, &updatedAt)
	if err != nil {
		return Document{}, err
	}
	d.ID = noemaid.DocumentID(id)
	d.UserID = noemaid.UserID(userID)
	d.Source = Source(source)
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return d, nil
}

const documentColumns = `id, user_id, title, source, source_id, created_at, updated_at`

func (s *Store) GetDocument(ctx context.Context, id noemaid.DocumentID) (Document, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, string(id))
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, noemaerr.Storage("get document", err)
	}
	return d, true, nil
}

func (s *Store) GetDocumentBySource(ctx context.Context, userID noemaid.UserID, source Source, sourceID string) (Document, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE user_id = $1 AND source = $2 AND source_id = $3
	`, string(userID), string(source), sourceID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, noemaerr.Storage("get document by source", err)
	}
	return d, true, nil
}

func (s *Store) ListDocuments(ctx context.Context, userID noemaid.UserID) ([]Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE user_id = $1 ORDER BY updated_at DESC
	`, string(userID))
	if err != nil {
		return nil, noemaerr.Storage("list documents", err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, noemaerr.Storage("scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SearchDocuments(ctx context.Context, userID noemaid.UserID, query string, limit int) ([]Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE user_id = $1 AND title LIKE $2
		ORDER BY updated_at DESC LIMIT $3
	`, string(userID), "%"+query+"%", limit)
	if err != nil {
		return nil, noemaerr.Storage("search documents", err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, noemaerr.Storage("scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDocumentTitle(ctx context.Context, id noemaid.DocumentID, title string) error {
	_, err := s.db.Exec(ctx, `UPDATE documents SET title = $2, updated_at = $3 WHERE id = $1`,
		string(id), title, time.Now().Unix())
	if err != nil {
		return noemaerr.Storage("update document title", err)
	}
	return nil
}

// DeleteDocument removes the document row; tabs and revisions belonging
// to it are orphaned and must be cleaned up by the caller (SQLite here
// has no cascading foreign keys, matching the reference schema's
// app-level enforcement).
func (s *Store) DeleteDocument(ctx context.Context, id noemaid.DocumentID) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, string(id))
	if err != nil {
		return false, noemaerr.Storage("delete document", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CreateTab(ctx context.Context, documentID noemaid.DocumentID, parentTabID string, tabIndex int, title, icon, contentMarkdown string, referencedAssets []noemaid.AssetID, sourceTabID string) (noemaid.DocumentTabID, error) {
	id := noemaid.NewDocumentTabID()
	now := time.Now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO document_tabs (id, document_id, parent_tab_id, tab_index, title, icon, content_markdown, referenced_assets, source_tab_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, string(id), string(documentID), parentTabID, tabIndex, title, icon, contentMarkdown, marshalAssets(referencedAssets), sourceTabID, now)
	if err != nil {
		return "", noemaerr.Storage("create document tab", err)
	}
	return id, nil
}

const tabColumns = `id, document_id, parent_tab_id, tab_index, title, icon, content_markdown, referenced_assets, source_tab_id, current_revision_id, created_at, updated_at`

func scanTab(row interface{ Scan(...any) error }) (Tab, error) {
	var t Tab
	var id, docID, assetsJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&id, &docID, &t.ParentTabID, &t.TabIndex, &t.Title, &t.Icon, &t.ContentMarkdown,
		&assetsJSON, &t.SourceTabID, &t.CurrentRevisionID, &createdAt, &updatedAt)
	if err != nil {
		return Tab{}, err
	}
	t.ID = noemaid.DocumentTabID(id)
	t.DocumentID = noemaid.DocumentID(docID)
	t.ReferencedAssets = unmarshalAssets(assetsJSON)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return t, nil
}

func (s *Store) GetTab(ctx context.Context, id noemaid.DocumentTabID) (Tab, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tabColumns+` FROM document_tabs WHERE id = $1`, string(id))
	t, err := scanTab(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tab{}, false, nil
	}
	if err != nil {
		return Tab{}, false, noemaerr.Storage("get document tab", err)
	}
	return t, true, nil
}

func (s *Store) ListTabs(ctx context.Context, documentID noemaid.DocumentID) ([]Tab, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tabColumns+` FROM document_tabs WHERE document_id = $1 ORDER BY tab_index`, string(documentID))
	if err != nil {
		return nil, noemaerr.Storage("list document tabs", err)
	}
	defer rows.Close()
	var out []Tab
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, noemaerr.Storage("scan document tab", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTabContent(ctx context.Context, id noemaid.DocumentTabID, contentMarkdown string, referencedAssets []noemaid.AssetID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE document_tabs SET content_markdown = $2, referenced_assets = $3, updated_at = $4 WHERE id = $1
	`, string(id), contentMarkdown, marshalAssets(referencedAssets), time.Now().Unix())
	if err != nil {
		return noemaerr.Storage("update document tab content", err)
	}
	return nil
}

func (s *Store) UpdateTabParent(ctx context.Context, id noemaid.DocumentTabID, parentTabID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE document_tabs SET parent_tab_id = $2, updated_at = $3 WHERE id = $1
	`, string(id), parentTabID, time.Now().Unix())
	if err != nil {
		return noemaerr.Storage("update document tab parent", err)
	}
	return nil
}

func (s *Store) SetTabRevision(ctx context.Context, tabID noemaid.DocumentTabID, revisionID noemaid.DocumentRevisionID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE document_tabs SET current_revision_id = $2, updated_at = $3 WHERE id = $1
	`, string(tabID), string(revisionID), time.Now().Unix())
	if err != nil {
		return noemaerr.Storage("set document tab revision", err)
	}
	return nil
}

func (s *Store) DeleteTab(ctx context.Context, id noemaid.DocumentTabID) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM document_tabs WHERE id = $1`, string(id))
	if err != nil {
		return false, noemaerr.Storage("delete document tab", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateRevision appends a new revision to tabID's history, numbering
// it one past the tab's current max and chaining it to the tab's
// current revision as parent.
func (s *Store) CreateRevision(ctx context.Context, tabID noemaid.DocumentTabID, contentMarkdown, contentHash string, referencedAssets []noemaid.AssetID, createdBy string) (noemaid.DocumentRevisionID, error) {
	var maxNum sql.NullInt64
	row := s.db.QueryRow(ctx, `SELECT MAX(revision_number) FROM document_revisions WHERE tab_id = $1`, string(tabID))
	if err := row.Scan(&maxNum); err != nil {
		return "", noemaerr.Storage("get next revision number", err)
	}
	revisionNumber := 1
	if maxNum.Valid {
		revisionNumber = int(maxNum.Int64) + 1
	}

	var parentRevisionID string
	row = s.db.QueryRow(ctx, `SELECT current_revision_id FROM document_tabs WHERE id = $1`, string(tabID))
	_ = row.Scan(&parentRevisionID)

	id := noemaid.NewDocumentRevisionID()
	if createdBy == "" {
		createdBy = "import"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO document_revisions (id, tab_id, revision_number, parent_revision_id, content_markdown, content_hash, referenced_assets, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(id), string(tabID), revisionNumber, parentRevisionID, contentMarkdown, contentHash, marshalAssets(referencedAssets), time.Now().Unix(), createdBy)
	if err != nil {
		return "", noemaerr.Storage("create document revision", err)
	}
	return id, nil
}

const revisionColumns = `id, tab_id, revision_number, parent_revision_id, content_markdown, content_hash, referenced_assets, created_at, created_by`

func scanRevision(row interface{ Scan(...any) error }) (Revision, error) {
	var r Revision
	var id, tabID, assetsJSON string
	var createdAt int64
	err := row.Scan(&id, &tabID, &r.RevisionNumber, &r.ParentRevisionID, &r.ContentMarkdown, &r.ContentHash, &assetsJSON, &createdAt, &r.CreatedBy)
	if err != nil {
		return Revision{}, err
	}
	r.ID = noemaid.DocumentRevisionID(id)
	r.TabID = noemaid.DocumentTabID(tabID)
	r.ReferencedAssets = unmarshalAssets(assetsJSON)
	r.CreatedAt = time.Unix(createdAt, 0)
	return r, nil
}

func (s *Store) GetRevision(ctx context.Context, id noemaid.DocumentRevisionID) (Revision, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+revisionColumns+` FROM document_revisions WHERE id = $1`, string(id))
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, noemaerr.Storage("get document revision", err)
	}
	return r, true, nil
}

func (s *Store) ListRevisions(ctx context.Context, tabID noemaid.DocumentTabID) ([]Revision, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+revisionColumns+` FROM document_revisions WHERE tab_id = $1 ORDER BY revision_number DESC
	`, string(tabID))
	if err != nil {
		return nil, noemaerr.Storage("list document revisions", err)
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, noemaerr.Storage("scan document revision", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
