package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftsync/engine/internal/storecore"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage --collection's local database",
	}

	cmd.AddCommand(newStoreResetCmd())
	cmd.AddCommand(newStoreWipeCmd())

	return cmd
}

func newStoreResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear sync_id/last_sync and mirror state but keep local data",
		Long: `Forces the next sync to treat the collection as never-synced: sync_id,
last_sync and the delta-fetch cursor are cleared, but every local record
stays in place and is re-uploaded as new.`,
		RunE: runStoreReset,
	}
}

func newStoreWipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe",
		Short: "Delete all local data for --collection, including the local table",
		Long: `Irreversible: drops every local record, mirror row and tombstone for
--collection. The next sync starts from an empty
local state and repopulates entirely from the server.`,
		RunE: runStoreWipe,
	}
}

func runStoreReset(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(store *storecore.SQLiteStore) error {
		if err := store.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("resetting store: %w", err)
		}

		return nil
	})
}

func runStoreWipe(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(store *storecore.SQLiteStore) error {
		if err := store.Wipe(cmd.Context()); err != nil {
			return fmt.Errorf("wiping store: %w", err)
		}

		return nil
	})
}

// withStore opens --collection's store, runs fn, and reports success —
// shared by reset and wipe since both are "open, mutate, confirm".
func withStore(cmd *cobra.Command, fn func(*storecore.SQLiteStore) error) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Collection == "" {
		return fmt.Errorf("--collection is required")
	}

	schema, ok := storecore.Registry[cc.Collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", cc.Collection)
	}

	dbPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, cc.Collection+".db")

	if err := os.MkdirAll(cc.Cfg.Storage.DatabaseDir, 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	store, err := storecore.OpenSQLiteStore(dbPath, schema, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	if err := fn(store); err != nil {
		return err
	}

	cc.Statusf("%s: %s complete\n", cc.Collection, cmd.Name())

	return nil
}
