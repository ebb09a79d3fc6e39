package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/engine/internal/metrics"
	"github.com/driftsync/engine/internal/storecore"
	"github.com/driftsync/engine/internal/storecore/reconcile"
	"github.com/driftsync/engine/internal/syncengine"
	"github.com/driftsync/engine/internal/transport/fixture"
)

var flagWatch bool

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync cycle for the selected collection",
		Long: `Runs the sync loop once for --collection: fetch info/collections,
reconcile incoming changes, upload outgoing changes, commit.

With --watch, runs continuously on the configured poll interval until
interrupted (SIGINT/SIGTERM), writing a PID file so a second --watch
invocation refuses to start.`,
		RunE: runSync,
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "run continuously on the configured poll interval")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Collection == "" {
		return fmt.Errorf("--collection is required")
	}

	schema, ok := storecore.Registry[cc.Collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", cc.Collection)
	}

	collector := metrics.New()

	driver, store, err := buildDriver(cc, schema, collector)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	if !flagWatch {
		return runSyncOnce(ctx, cc, driver)
	}

	if cc.Cfg.Metrics.ListenAddr != "" {
		stopMetrics := serveMetrics(cc, collector)
		defer stopMetrics()
	}

	return runSyncWatch(ctx, cc, driver)
}

// serveMetrics starts the Prometheus exposition endpoint in the background
// and returns a function that shuts it down.
func serveMetrics(cc *CLIContext, collector *metrics.Collector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{Addr: cc.Cfg.Metrics.ListenAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cc.Logger.Error("metrics server failed", "error", err)
		}
	}()

	cc.Statusf("serving metrics on %s/metrics\n", cc.Cfg.Metrics.ListenAddr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}
}

func runSyncOnce(ctx context.Context, cc *CLIContext, driver *storecore.Driver) error {
	report, err := driver.Sync(ctx, storecore.ReasonManual, nil)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if report.NoChanges {
		cc.Statusf("no changes\n")
		return nil
	}

	cc.Statusf("applied=%d rejected=%d uploaded=%d duration=%s\n",
		report.RecordsApplied, report.RecordsRejected, report.RecordsUploaded, report.Duration)

	return nil
}

func runSyncWatch(ctx context.Context, cc *CLIContext, driver *storecore.Driver) error {
	pidPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, "syncctl.pid")

	cleanup, err := writePIDFile(pidPath, cc.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	interval, err := time.ParseDuration(cc.Cfg.Sync.PollInterval)
	if err != nil {
		return fmt.Errorf("parsing sync.poll_interval: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cc.Statusf("watching (poll interval %s, PID %d)\n", interval, os.Getpid())

	for {
		if err := runSyncOnce(ctx, cc, driver); err != nil {
			cc.Logger.Error("sync cycle failed", "error", err)
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			cc.Statusf("shutting down\n")
			return nil
		}
	}
}

// buildDriver assembles a Driver for the given schema, wired to the
// configured local store and — absent a configured real transport — an
// in-process fixture transport, the same pattern transport/fixture's test
// harness uses. A production deployment would substitute a transport.Client
// pointed at a real BSO server.
func buildDriver(cc *CLIContext, schema *storecore.SchemaDescriptor, collector *metrics.Collector) (*storecore.Driver, *storecore.SQLiteStore, error) {
	dbPath := filepath.Join(cc.Cfg.Storage.DatabaseDir, cc.Collection+".db")

	if err := os.MkdirAll(cc.Cfg.Storage.DatabaseDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating database directory: %w", err)
	}

	store, err := storecore.OpenSQLiteStore(dbPath, schema, cc.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	reconciler := reconcile.New(schema, cc.Logger)

	syncKey, err := loadSyncKey(cc.Cfg.Crypto.SyncKeyFile)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	fx := fixture.New()
	tr := syncengine.NewTransportAdapter(fx)
	keys := syncengine.NewSyncKeyProvider(syncKey)
	sealer := syncengine.NewSealer()
	deduper := syncengine.NewDeduper(schema, store.DB())

	driver := storecore.NewDriver(store, tr, reconciler.Func(), keys, sealer, collector, deduper, cc.Logger)

	return driver, store, nil
}

// loadSyncKey reads the root sync key material from disk, generating a
// throwaway development key when no path is configured so "syncctl sync"
// works without prior key setup against the fixture transport.
func loadSyncKey(path string) ([]byte, error) {
	if path == "" {
		return []byte("syncctl-development-key-do-not-use-in-production"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crypto.sync_key_file: %w", err)
	}

	return data, nil
}
