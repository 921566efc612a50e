package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/mattn/go-sqlite3"
)

type testConfig struct{}

func (testConfig) GetDebug() bool                { return false }
func (testConfig) GetDriver() string             { return DialectSQLite }
func (testConfig) GetServer() string             { return ":memory:" }
func (testConfig) GetPingTimeout() time.Duration { return time.Second }
func (testConfig) GetOtelIdentifier() string     { return "" }

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)
	return db
}

func open(t *testing.T, db *sql.DB) *persistence.Client {
	t.Helper()
	client, err := Open(context.Background(), testConfig{}, db, sqlitedialect.New(), nil)
	require.NoError(t, err)
	return client
}

func TestOpenCreatesTables(t *testing.T) {
	db := openSQLite(t)
	open(t, db)

	for _, table := range []string{"accounts", "account_tokens"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	db := openSQLite(t)

	open(t, db)
	open(t, db)

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM bun_migrations").Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestFSRejectsUnknownDialect(t *testing.T) {
	_, err := FS("oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestFSListsBothDialects(t *testing.T) {
	for _, dialect := range []string{DialectSQLite, DialectPostgres} {
		fsys, err := FS(dialect)
		require.NoError(t, err)

		up, err := fs.Glob(fsys, "*.up.sql")
		require.NoError(t, err)
		down, err := fs.Glob(fsys, "*.down.sql")
		require.NoError(t, err)

		assert.Len(t, up, 2, dialect)
		assert.Len(t, down, 2, dialect)
	}
}

func TestAccountDeleteIsRestrictedByCreator(t *testing.T) {
	db := openSQLite(t)
	open(t, db)

	_, err := db.Exec(`INSERT INTO accounts (id, email, password_hash, first_name, last_name, slug)
		VALUES ('a', 'admin@example.com', 'x', 'Ada', 'Admin', 'ada-admin')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO accounts (id, email, password_hash, first_name, last_name, slug, created_by_id)
		VALUES ('b', 'user@example.com', 'x', 'Bob', 'User', 'bob-user', 'a')`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM accounts WHERE id = 'a'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOREIGN KEY constraint failed")
}
