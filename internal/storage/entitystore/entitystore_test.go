package entitystore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

func setupDB(t *testing.T) *dbutil.Database {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	return db
}

func TestCreateGetUpdateEntity(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	id, err := store.CreateEntity(ctx, "conversation", "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	entity, ok, err := store.GetEntity(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if entity.TypeTag != "conversation" || entity.UserID != "user-1" {
		t.Fatalf("unexpected entity: %+v", entity)
	}

	if err := store.UpdateEntity(ctx, id, "My Chat", map[string]any{"main_view_id": "v1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	entity, ok, err = store.GetEntity(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get after update: ok=%v err=%v", ok, err)
	}
	if entity.Name != "My Chat" || entity.Metadata["main_view_id"] != "v1" {
		t.Fatalf("unexpected entity after update: %+v", entity)
	}
}

func TestRelationsSpawnedFrom(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	store := New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	parent, _ := store.CreateEntity(ctx, "conversation", "u1")
	child, _ := store.CreateEntity(ctx, "conversation", "u1")

	if err := store.AddRelation(ctx, child, parent, RelationSpawnedFrom, map[string]any{"at_turn_id": "t1"}); err != nil {
		t.Fatalf("add relation: %v", err)
	}

	rels, err := store.GetRelationsFrom(ctx, child, RelationSpawnedFrom)
	if err != nil {
		t.Fatalf("get relations from: %v", err)
	}
	if len(rels) != 1 || rels[0].ToID != parent {
		t.Fatalf("unexpected relations: %+v", rels)
	}

	back, err := store.GetRelationsTo(ctx, parent, RelationSpawnedFrom)
	if err != nil {
		t.Fatalf("get relations to: %v", err)
	}
	if len(back) != 1 || back[0].FromID != child {
		t.Fatalf("unexpected reverse relations: %+v", back)
	}
}
