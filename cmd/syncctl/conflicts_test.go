package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/engine/internal/storecore"
)

func TestRunConflictsListRequiresCollection(t *testing.T) {
	cmd := cliContextFor(t, "")

	err := runConflictsList(cmd, nil)
	assert.ErrorContains(t, err, "--collection is required")
}

func TestRunConflictsListRejectsUnknownCollection(t *testing.T) {
	cmd := cliContextFor(t, "not-a-real-collection")

	err := runConflictsList(cmd, nil)
	assert.ErrorContains(t, err, "unknown collection")
}

func TestRunConflictsListNoMalformedRecordsPrintsNotice(t *testing.T) {
	cmd := cliContextFor(t, "bookmarks")
	cc := mustCLIContext(cmd.Context())

	require.NoError(t, os.MkdirAll(cc.Cfg.Storage.DatabaseDir, 0o755))
	dbPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, "bookmarks.db")
	store, err := storecore.OpenSQLiteStore(dbPath, storecore.Registry["bookmarks"], cc.Logger)
	require.NoError(t, err)
	store.Close()

	assert.NoError(t, runConflictsList(cmd, nil))
}
