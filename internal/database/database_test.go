package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "warden.db"))
	require.NoError(t, err)

	require.NoError(t, Migrate(db))

	// Migration is idempotent.
	require.NoError(t, Migrate(db))

	assert.True(t, db.Migrator().HasTable("security_events"))
	assert.True(t, db.Migrator().HasTable("ip_list_entries"))
	assert.True(t, db.Migrator().HasTable("detector_states"))
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "sub", "warden.db"))
	assert.Error(t, err)
}
