package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("opens database and creates schema", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "jobs", "users", "projects", "audit_log"} {
			var exists int
			err = db.QueryRow(
				"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
			).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations twice should be safe")
	})

	t.Run("records applied versions", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 4, "all bundled migrations should be recorded")
	})
}

func TestJobsSchemaConstraints(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO jobs (id, type, status, owner_id, project_id, broker_handle, created_at, updated_at)
		VALUES ('j1', 'compile', 'queued', 'u1', 'p1', 'compile-j1', datetime('now'), datetime('now'))`)
	require.NoError(t, err)

	t.Run("rejects unknown job type", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO jobs (id, type, status, owner_id, project_id, broker_handle, created_at, updated_at)
			VALUES ('j2', 'transpile', 'queued', 'u1', 'p1', 'transpile-j2', datetime('now'), datetime('now'))`)
		assert.Error(t, err)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO jobs (id, type, status, owner_id, project_id, broker_handle, created_at, updated_at)
			VALUES ('j3', 'compile', 'paused', 'u1', 'p1', 'compile-j3', datetime('now'), datetime('now'))`)
		assert.Error(t, err)
	})

	t.Run("enforces unique broker handle", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO jobs (id, type, status, owner_id, project_id, broker_handle, created_at, updated_at)
			VALUES ('j4', 'compile', 'queued', 'u1', 'p1', 'compile-j1', datetime('now'), datetime('now'))`)
		assert.Error(t, err)
	})
}

func TestIsDatabaseClosed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))

	assert.False(t, IsDatabaseClosed(nil))
}
