package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	st, err := NewMySQLStoreFromDB(db)
	require.NoError(t, err)
	return st, mock
}

func TestMySQLStore_PutGet(t *testing.T) {
	st, mock := newMockMySQLStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries (store_key, value) VALUES (?, ?)")).
		WithArgs("checkpoint:inst-1", []byte(`{"status":"Running"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE store_key = ?")).
		WithArgs("checkpoint:inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"status":"Running"}`)))

	require.NoError(t, st.Put(ctx, "checkpoint:inst-1", []byte(`{"status":"Running"}`)))
	got, err := st.Get(ctx, "checkpoint:inst-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Running"}`, string(got))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetMissing(t *testing.T) {
	st, mock := newMockMySQLStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE store_key = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := st.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_PutError(t *testing.T) {
	st, mock := newMockMySQLStore(t)
	dbErr := errors.New("deadlock found when trying to get lock")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries")).
		WillReturnError(dbErr)

	err := st.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_KeysAndDelete(t *testing.T) {
	st, mock := newMockMySQLStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT store_key FROM kv_entries")).
		WithArgs("checkpoint:", "checkpoint:").
		WillReturnRows(sqlmock.NewRows([]string{"store_key"}).
			AddRow("checkpoint:a").
			AddRow("checkpoint:b"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv_entries WHERE store_key = ?")).
		WithArgs("checkpoint:a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	keys, err := st.Keys(ctx, "checkpoint:")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint:a", "checkpoint:b"}, keys)

	require.NoError(t, st.Delete(ctx, "checkpoint:a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Closed(t *testing.T) {
	st, mock := newMockMySQLStore(t)
	mock.ExpectClose()

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	ctx := context.Background()
	assert.ErrorIs(t, st.Put(ctx, "k", nil), ErrClosed)
	_, err := st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Ping(ctx), ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewMySQLStoreFromDB_CreateTableError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(errors.New("access denied"))

	_, err = NewMySQLStoreFromDB(db)
	assert.ErrorContains(t, err, "failed to create tables")
}
