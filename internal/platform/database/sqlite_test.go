package database

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_RecordsVersions(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)

	var versions []string
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())

	assert.Len(t, versions, len(files))
	assert.Equal(t, "001_users_projects.sql", versions[0])
}

func TestMigrate_SkipsAppliedFiles(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`DROP TABLE audit_logs`)
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, db))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'audit_logs'`).Scan(&n))
	assert.Zero(t, n, "a recorded migration is not re-run")

	_, err = db.Exec(`DELETE FROM schema_migrations WHERE version = '004_audit_logs.sql'`)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'audit_logs'`).Scan(&n))
	assert.Equal(t, 1, n)
}
