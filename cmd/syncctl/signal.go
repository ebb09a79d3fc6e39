package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// forceExitGrace is how long a second SIGINT/SIGTERM within this window of
// the first is treated as "the watch loop is stuck mid-cycle, kill it now"
// rather than a second, unrelated shutdown request arriving after the
// process had already exited on its own.
const forceExitGrace = 30 * time.Second

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM,
// aborting runSyncWatch's in-flight cycle (its open transaction rolls back)
// so it can release the PID file lock before exiting. A second signal within
// forceExitGrace force-exits, for when a sync cycle is wedged on a stalled
// transport call.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, waiting for in-flight sync cycle to finish",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal before cycle finished, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-time.After(forceExitGrace):
			return
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
