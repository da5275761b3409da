package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_tracks.up.sql", "001_init.up.sql", "001_init.down.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o755))

	up, err := listMigrations(dir, upSuffix)
	require.NoError(t, err)
	require.Equal(t, []string{"001_init", "002_tracks"}, up)

	down, err := listMigrations(dir, downSuffix)
	require.NoError(t, err)
	require.Equal(t, []string{"001_init"}, down)

	_, err = listMigrations(filepath.Join(dir, "missing"), upSuffix)
	require.Error(t, err)
}

func TestRepositoryMigrationsArePaired(t *testing.T) {
	dir := filepath.Join("..", "..", "migrations")
	up, err := listMigrations(dir, upSuffix)
	require.NoError(t, err)
	require.NotEmpty(t, up)

	down, err := listMigrations(dir, downSuffix)
	require.NoError(t, err)
	require.Equal(t, up, down)
}
