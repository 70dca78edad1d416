package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestStore(t)
	})
}

func TestLibSQLStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	var version int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- leading comment
CREATE TABLE a (id TEXT);

-- only a comment;
CREATE INDEX idx ON a(id);
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx")
}

func TestEmbeddedMigrationsSplitCleanly(t *testing.T) {
	for _, set := range [][]migration{migrations, postgresMigrations} {
		for _, m := range set {
			for _, stmt := range splitStatements(m.SQL) {
				assert.Regexp(t, `(?s)^(--[^\n]*\n\s*)*(CREATE) `, stmt)
			}
		}
	}
}
