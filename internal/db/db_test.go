package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDBMemory(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)
}

func TestNewSqliteDBFileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))

	var mode string
	require.NoError(t, database.Get(&mode, "PRAGMA journal_mode;"))
	assert.Equal(t, "wal", mode)
}

func TestReaderHandleSeesCommittedRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	writer, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer writer.Close()
	_, err = writer.Exec("CREATE TABLE t (v TEXT); INSERT INTO t VALUES ('a');")
	require.NoError(t, err)

	reader, err := NewSqliteDB(WithPath(dbPath), WithReader())
	require.NoError(t, err)
	defer reader.Close()

	var n int
	require.NoError(t, reader.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}
