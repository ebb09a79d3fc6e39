package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftsync/engine/internal/storecore"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect records rejected by the reconciler",
	}

	cmd.AddCommand(newConflictsListCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List --collection's malformed records rejected by apply_incoming",
		RunE:  runConflictsList,
	}
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Collection == "" {
		return fmt.Errorf("--collection is required")
	}

	schema, ok := storecore.Registry[cc.Collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", cc.Collection)
	}

	dbPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, cc.Collection+".db")

	store, err := storecore.OpenSQLiteStore(dbPath, schema, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	records, err := store.MalformedRecords(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing malformed records: %w", err)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	if len(records) == 0 {
		cc.Statusf("no malformed records\n")
		return nil
	}

	headers := []string{"ID", "REASON", "FIRST SEEN"}
	rows := make([][]string, 0, len(records))

	for _, r := range records {
		rows = append(rows, []string{r.ID, r.Reason, formatTime(r.FirstSeen)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
