// Package assetstore maps an opaque AssetID to {blob_hash, mime_type,
// size}. Multiple assets may share a blob hash (the same image bytes
// stored under different declared mime types).
package assetstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/noemaid"
	"github.com/poucet/noema/internal/storage/blobstore"
)

type Asset struct {
	ID        noemaid.AssetID
	BlobHash  blobstore.Hash
	MimeType  string
	SizeBytes int64
	// Width/Height are best-effort, populated on ingest for image/* mime
	// types only; zero when unknown or probing failed.
	Width  int
	Height int
}

type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			blob_hash TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_assets_blob_hash ON assets(blob_hash);
	`)
	return err
}

// CreateFromBytes decodes width/height for image mime types (best
// effort, errors are swallowed since dimension metadata is an
// enrichment, not a correctness requirement) before inserting.
func (s *Store) CreateFromBytes(ctx context.Context, hash blobstore.Hash, mimeType string, data []byte) (Asset, error) {
	asset := Asset{
		ID:        noemaid.NewAssetID(),
		BlobHash:  hash,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}
	if strings.HasPrefix(mimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			asset.Width, asset.Height = cfg.Width, cfg.Height
		}
	}
	if err := s.create(ctx, asset); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (s *Store) create(ctx context.Context, a Asset) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO assets (id, blob_hash, mime_type, size_bytes, width, height)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(a.ID), string(a.BlobHash), a.MimeType, a.SizeBytes, a.Width, a.Height)
	if err != nil {
		return noemaerr.Storage("create asset", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id noemaid.AssetID) (Asset, error) {
	var a Asset
	var rawID, rawHash string
	row := s.db.QueryRow(ctx, `
		SELECT id, blob_hash, mime_type, size_bytes, width, height
		FROM assets WHERE id = $1
	`, string(id))
	err := row.Scan(&rawID, &rawHash, &a.MimeType, &a.SizeBytes, &a.Width, &a.Height)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, noemaerr.NotFound("asset " + string(id))
	}
	if err != nil {
		return Asset{}, noemaerr.Storage("get asset", err)
	}
	a.ID = noemaid.AssetID(rawID)
	a.BlobHash = blobstore.Hash(rawHash)
	return a, nil
}

func (s *Store) Exists(ctx context.Context, id noemaid.AssetID) (bool, error) {
	var dummy int
	row := s.db.QueryRow(ctx, `SELECT 1 FROM assets WHERE id = $1`, string(id))
	err := row.Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, noemaerr.Storage("check asset exists", err)
	}
	return true, nil
}
