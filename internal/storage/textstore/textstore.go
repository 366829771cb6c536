// Package textstore holds deduplicated text content blocks, keyed by
// SHA-256 hash of their text. Storing the same text twice under
// different origins returns the existing id rather than a new row.
package textstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
)

type OriginKind string

const (
	OriginUser      OriginKind = "user"
	OriginAssistant OriginKind = "assistant"
	OriginSystem    OriginKind = "system"
	OriginTool      OriginKind = "tool"
)

// Origin records authorship metadata only; it has no effect on the hash.
type Origin struct {
	Kind     OriginKind
	UserID   string
	ModelID  string
	SourceID string
	ParentID string
}

type Block struct {
	ID          noemaid.ContentBlockID
	Text        string
	Hash        string
	ContentType string
	IsPrivate   bool
	Origin      Origin
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS content_blocks (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			text TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text/plain',
			is_private INTEGER NOT NULL DEFAULT 0,
			origin_kind TEXT NOT NULL DEFAULT 'user',
			origin_user_id TEXT NOT NULL DEFAULT '',
			origin_model_id TEXT NOT NULL DEFAULT '',
			origin_source_id TEXT NOT NULL DEFAULT '',
			origin_parent_id TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_content_blocks_hash ON content_blocks(hash);
	`)
	return err
}

// Store finds or inserts a text block by hash. If a row with this hash
// already exists, its existing id is returned and no new row is written
// — the insert races safely via ON CONFLICT DO NOTHING followed by a
// read-back, so two concurrent callers storing identical text converge
// on the same winning id.
func (s *Store) Store(ctx context.Context, text string, contentType string, isPrivate bool, origin Origin) (Block, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	hash := hashText(text)
	id := noemaid.NewContentBlockID()
	_, err := s.db.Exec(ctx, `
		INSERT INTO content_blocks (
			id, hash, text, content_type, is_private,
			origin_kind, origin_user_id, origin_model_id, origin_source_id, origin_parent_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO NOTHING
	`, string(id), hash, text, contentType, isPrivate,
		string(origin.Kind), origin.UserID, origin.ModelID, origin.SourceID, origin.ParentID)
	if err != nil {
		return Block{}, noemaerr.Storage("store content block", err)
	}
	return s.getByHash(ctx, hash)
}

func (s *Store) getByHash(ctx context.Context, hash string) (Block, error) {
	var b Block
	var rawID string
	row := s.db.QueryRow(ctx, `
		SELECT id, hash, text, content_type, is_private,
		       origin_kind, origin_user_id, origin_model_id, origin_source_id, origin_parent_id
		FROM content_blocks WHERE hash = $1
	`, hash)
	err := row.Scan(&rawID, &b.Hash, &b.Text, &b.ContentType, &b.IsPrivate,
		&b.Origin.Kind, &b.Origin.UserID, &b.Origin.ModelID, &b.Origin.SourceID, &b.Origin.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, noemaerr.NotFound("content block hash " + hash)
	}
	if err != nil {
		return Block{}, noemaerr.Storage("get content block by hash", err)
	}
	b.ID = noemaid.ContentBlockID(rawID)
	return b, nil
}

func (s *Store) GetText(ctx context.Context, id noemaid.ContentBlockID) (string, bool, error) {
	var text string
	row := s.db.QueryRow(ctx, `SELECT text FROM content_blocks WHERE id = $1`, string(id))
	err := row.Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, noemaerr.Storage("get content block text", err)
	}
	return text, true, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (Block, bool, error) {
	block, err := s.getByHash(ctx, hash)
	if noemaerr.IsNotFound(err) {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	return block, true, nil
}
