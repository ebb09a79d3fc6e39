package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/engine/internal/config"
)

// cliContextFor builds a *cobra.Command with a CLIContext attached to its
// context, the same way PersistentPreRunE wires one in via loadConfig —
// but pointed at a temp directory instead of touching real config/data
// paths.
func cliContextFor(t *testing.T, collection string) *cobra.Command {
	t.Helper()

	cfg := &config.Config{Storage: config.StorageConfig{DatabaseDir: t.TempDir()}}
	cc := &CLIContext{Cfg: cfg, Collection: collection, Logger: discardLogger()}

	cmd := &cobra.Command{}
	cmd.SetContext(context.WithValue(context.Background(), cliContextKey{}, cc))

	return cmd
}

func TestRunSchemaMigrateRequiresCollection(t *testing.T) {
	cmd := cliContextFor(t, "")

	err := runSchemaMigrate(cmd, nil)
	assert.ErrorContains(t, err, "--collection is required")
}

func TestRunSchemaMigrateRejectsUnknownCollection(t *testing.T) {
	cmd := cliContextFor(t, "not-a-real-collection")

	err := runSchemaMigrate(cmd, nil)
	assert.ErrorContains(t, err, "unknown collection")
}

func TestRunSchemaMigrateOpensStoreAndReportsVersion(t *testing.T) {
	cmd := cliContextFor(t, "bookmarks")

	require.NoError(t, runSchemaMigrate(cmd, nil))

	cc := mustCLIContext(cmd.Context())
	dbPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, "bookmarks.db")
	assert.FileExists(t, dbPath)
}
