package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestResolve(t *testing.T) {
	d, driver, _, err := resolve("postgres://u:p@localhost/db")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "pgx", driver)

	d, driver, _, err = resolve("file:test.db?mode=memory")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	assert.Equal(t, "sqlite", driver)

	_, _, _, err = resolve("mysql://nope")
	assert.Error(t, err)

	_, _, _, err = resolve("sqlite://")
	assert.Error(t, err)
}

func TestNewDBSQLiteMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registrar.db")
	db, err := NewDB("sqlite://" + path)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	// idempotent
	require.NoError(t, db.Migrate(ctx))
	assert.True(t, db.Healthy(ctx))

	var n int
	require.NoError(t, db.Client.QueryRow(`SELECT COUNT(*) FROM attendance_records`).Scan(&n))
	assert.Zero(t, n)
}
