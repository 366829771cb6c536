// Package entitystore holds opaque named entities and typed directed
// relations between them. Conversations are entities with
// type_tag="conversation" and metadata.main_view_id; subconversation
// linkage is a relation_type="spawned_from" edge.
package entitystore

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

const RelationSpawnedFrom = "spawned_from"

type Entity struct {
	ID        noemaid.EntityID
	TypeTag   string
	UserID    string
	Name      string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Relation struct {
	FromID   noemaid.EntityID
	ToID     noemaid.EntityID
	Type     string
	Metadata map[string]any
}

type Store struct {
	db *dbutil.Database
}

func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type_tag TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entities_user_id ON entities(user_id);
		CREATE TABLE IF NOT EXISTS entity_relations (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (from_id, to_id, relation_type)
		);
	`)
	return err
}

func (s *Store) CreateEntity(ctx context.Context, typeTag string, userID string) (noemaid.EntityID, error) {
	id := noemaid.NewEntityID()
	now := time.Now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO entities (id, type_tag, user_id, name, metadata_json, created_at, updated_at)
		VALUES ($1, $2, $3, '', '{}', $4, $4)
	`, string(id), typeTag, userID, now)
	if err != nil {
		return "", noemaerr.Storage("create entity", err)
	}
	return id, nil
}

func (s *Store) GetEntity(ctx context.Context, id noemaid.EntityID) (Entity, bool, error) {
	var e Entity
	var rawID, metadataJSON string
	var createdAt, updatedAt int64
	row := s.db.QueryRow(ctx, `
		SELECT id, type_tag, user_id, name, metadata_json, created_at, updated_at
		FROM entities WHERE id = $1
	`, string(id))
	err := row.Scan(&rawID, &e.TypeTag, &e.UserID, &e.Name, &metadataJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, noemaerr.Storage("get entity", err)
	}
	e.ID = noemaid.EntityID(rawID)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	e.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
	return e, true, nil
}

func (s *Store) UpdateEntity(ctx context.Context, id noemaid.EntityID, name string, metadata map[string]any) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return noemaerr.Validation("marshal entity metadata: " + err.Error())
	}
	_, err = s.db.Exec(ctx, `
		UPDATE entities SET name = $2, metadata_json = $3, updated_at = $4 WHERE id = $1
	`, string(id), name, string(metadataJSON), time.Now().Unix())
	if err != nil {
		return noemaerr.Storage("update entity", err)
	}
	return nil
}

func (s *Store) AddRelation(ctx context.Context, from, to noemaid.EntityID, relType string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return noemaerr.Validation("marshal relation metadata: " + err.Error())
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO entity_relations (from_id, to_id, relation_type, metadata_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_id, to_id, relation_type) DO UPDATE SET metadata_json = excluded.metadata_json
	`, string(from), string(to), relType, string(metadataJSON))
	if err != nil {
		return noemaerr.Storage("add relation", err)
	}
	return nil
}

func (s *Store) GetRelationsFrom(ctx context.Context, id noemaid.EntityID, relType string) ([]Relation, error) {
	return s.queryRelations(ctx, `
		SELECT from_id, to_id, relation_type, metadata_json FROM entity_relations
		WHERE from_id = $1 AND ($2 = '' OR relation_type = $2)
	`, string(id), relType)
}

func (s *Store) GetRelationsTo(ctx context.Context, id noemaid.EntityID, relType string) ([]Relation, error) {
	return s.queryRelations(ctx, `
		SELECT from_id, to_id, relation_type, metadata_json FROM entity_relations
		WHERE to_id = $1 AND ($2 = '' OR relation_type = $2)
	`, string(id), relType)
}

func (s *Store) queryRelations(ctx context.Context, query string, args ...any) ([]Relation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, noemaerr.Storage("query relations", err)
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var r Relation
		var fromID, toID, metadataJSON string
		if err := rows.Scan(&fromID, &toID, &r.Type, &metadataJSON); err != nil {
			return nil, noemaerr.Storage("scan relation", err)
		}
		r.FromID = noemaid.EntityID(fromID)
		r.ToID = noemaid.EntityID(toID)
		r.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(metadataJSON), &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}
