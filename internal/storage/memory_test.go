package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LoadMissingReturnsNil(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.Load(context.Background(), "todo", "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Save(ctx, &Record{
		ActorType:     "todo",
		ActorID:       "list-1",
		InitialCaller: []byte(`{"type":"client","id":"u1"}`),
		Input:         []byte(`{}`),
	})
	require.NoError(t, err)

	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "todo", rec.ActorType)
	assert.JSONEq(t, `{"type":"client","id":"u1"}`, string(rec.InitialCaller))
	assert.Nil(t, rec.Snapshot)
}

func TestMemoryStore_SaveSnapshotOverwrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "todo", "list-1", []byte(`{"value":"a"}`)))
	require.NoError(t, store.SaveSnapshot(ctx, "todo", "list-1", []byte(`{"value":"b"}`)))

	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"value":"b"}`, string(rec.Snapshot))
}

func TestMemoryStore_SnapshotKeepsBirthParams(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{
		ActorType:     "todo",
		ActorID:       "list-1",
		InitialCaller: []byte(`{"type":"client","id":"u1"}`),
	}))
	require.NoError(t, store.SaveSnapshot(ctx, "todo", "list-1", []byte(`{"value":"x"}`)))

	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.InitialCaller)
	assert.NotEmpty(t, rec.Snapshot)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{ActorType: "todo", ActorID: "list-1"}))
	require.NoError(t, store.Delete(ctx, "todo", "list-1"))

	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{ActorType: "todo", ActorID: "list-1"}))
	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)

	rec.ActorType = "mutated"
	again, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	assert.Equal(t, "todo", again.ActorType)
}
