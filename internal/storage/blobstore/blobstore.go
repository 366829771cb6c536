// Package blobstore implements content-addressed binary storage:
// SHA-256(bytes) -> bytes. Storing identical bytes twice returns the
// same hash and never duplicates storage.
package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/noemaerr"
)

type Hash string

func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// Store is the SQLite-backed blob store.
type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS blobs (
			hash TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`)
	return err
}

// StoreBytes writes bytes if no row with that hash exists yet, and
// returns the hash either way. The ON CONFLICT DO NOTHING upsert makes
// concurrent identical stores converge on one winning row without a
// read-then-write race.
func (s *Store) StoreBytes(ctx context.Context, data []byte) (Hash, error) {
	hash := HashBytes(data)
	_, err := s.db.Exec(ctx, `
		INSERT INTO blobs (hash, data) VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING
	`, string(hash), data)
	if err != nil {
		return "", noemaerr.Storage("store blob", err)
	}
	return hash, nil
}

func (s *Store) Get(ctx context.Context, hash Hash) ([]byte, error) {
	var data []byte
	row := s.db.QueryRow(ctx, `SELECT data FROM blobs WHERE hash = $1`, string(hash))
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, noemaerr.NotFound("blob " + string(hash))
	}
	if err != nil {
		return nil, noemaerr.Storage("get blob", err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, hash Hash) (bool, error) {
	var dummy int
	row := s.db.QueryRow(ctx, `SELECT 1 FROM blobs WHERE hash = $1`, string(hash))
	err := row.Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, noemaerr.Storage("check blob exists", err)
	}
	return true, nil
}
