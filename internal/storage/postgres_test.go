package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_LoadMissingReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT initial_caller, input, persisted_snapshot").
		WithArgs("todo", "missing").
		WillReturnError(sql.ErrNoRows)

	rec, err := store.Load(ctx, "todo", "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"initial_caller", "input", "persisted_snapshot"}).
		AddRow(`{"type":"client","id":"u1"}`, `{}`, `{"value":"ready"}`)
	mock.ExpectQuery("SELECT initial_caller, input, persisted_snapshot").
		WithArgs("todo", "list-1").
		WillReturnRows(rows)

	rec, err := store.Load(ctx, "todo", "list-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "todo", rec.ActorType)
	assert.JSONEq(t, `{"value":"ready"}`, string(rec.Snapshot))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO actors").
		WithArgs("todo", "list-1", `{"type":"client","id":"u1"}`, `{}`, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Save(ctx, &Record{
		ActorType:     "todo",
		ActorID:       "list-1",
		InitialCaller: []byte(`{"type":"client","id":"u1"}`),
		Input:         []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO actors").
		WithArgs("todo", "list-1", `{"value":"ready"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.SaveSnapshot(ctx, "todo", "list-1", []byte(`{"value":"ready"}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM actors").
		WithArgs("todo", "list-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(ctx, "todo", "list-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateConfig(t *testing.T) {
	valid := PostgresConfig{Host: "localhost", Port: "5432", User: "actorkit", DBName: "actorkit", SSLMode: "disable"}
	assert.NoError(t, validateConfig(valid))

	injection := valid
	injection.DBName = "actorkit sslmode=disable"
	assert.Error(t, validateConfig(injection))

	badPort := valid
	badPort.Port = "5432; DROP TABLE actors"
	assert.Error(t, validateConfig(badPort))

	badSSL := valid
	badSSL.SSLMode = "nope"
	assert.Error(t, validateConfig(badSSL))
}
