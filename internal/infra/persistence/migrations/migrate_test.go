package migrations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/tradefeed/db/migrations"
)

func TestResolveDir(t *testing.T) {
	dir := t.TempDir()
	migrationsDir := filepath.Join(dir, "db", "migrations")
	require.NoError(t, os.MkdirAll(migrationsDir, 0o755))
	file := filepath.Join(dir, "schema.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1;"), 0o600))

	resolved, err := resolveDir(migrationsDir + "/")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(migrationsDir), resolved)

	_, err = resolveDir(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)

	_, err = resolveDir("  ")
	require.ErrorContains(t, err, "migrations path required")
}

func TestFileURL(t *testing.T) {
	for path, want := range map[string]string{
		"/srv/tradefeed/db/migrations": "file:///srv/tradefeed/db/migrations",
		"C:/feed/migrations":           "file:///C:/feed/migrations",
	} {
		require.Equal(t, want, fileURL(path))
	}
}

func TestPathValidatedBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	require.ErrorIs(t, Apply(ctx, "postgresql://invalid", "does-not-exist", nil), fs.ErrNotExist)
	require.ErrorIs(t, Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil), fs.ErrNotExist)
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", t.TempDir(), 0, nil)
	require.ErrorContains(t, err, "steps must be >0")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	require.NoError(t, err)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}
