package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/steprec/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 10_000, busyTimeout)

	var sync int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 1, sync, "synchronous NORMAL")
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&bt))
	assert.Equal(t, 5000, bt)
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY)`))
	_, err := db.Exec(`INSERT INTO t (id) VALUES ('a')`)
	require.NoError(t, err)
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "steprec.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steprec.db")
	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(7000))
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(3)

	ctx := context.Background()
	var conns []*sql.Conn
	for range 3 {
		c, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for i, c := range conns {
		var bt, sync int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt))
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync))
		assert.Equal(t, 7000, bt, "conn %d", i)
		assert.Equal(t, 1, sync, "conn %d", i)
	}
	for _, c := range conns {
		c.Close()
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"a.db?_pragma=busy_timeout(10)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		dbopen.DSN("a.db", 10, "FULL"))
	assert.Equal(t,
		"file:a.db?mode=ro&_pragma=busy_timeout(10)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		dbopen.DSN("file:a.db?mode=ro", 10, "NORMAL"))
}

func TestIsBusy(t *testing.T) {
	assert.False(t, dbopen.IsBusy(nil))
	assert.True(t, dbopen.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, dbopen.IsBusy(errors.New("database table is locked")))
	assert.False(t, dbopen.IsBusy(errors.New("no such table")))
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY)`))

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t (id) VALUES ('a')`)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunTxRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY)`))
	boom := errors.New("boom")

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (id) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Zero(t, n)
}
