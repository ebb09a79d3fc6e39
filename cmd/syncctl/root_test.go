package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/engine/internal/config"
)

// resetGlobalFlags restores the package-level flag vars that buildLogger
// and newRootCmd read from, so tests don't leak state into each other.
func resetGlobalFlags(t *testing.T) {
	t.Helper()

	flagVerbose, flagDebug, flagQuiet = false, false, false
	t.Cleanup(func() { flagVerbose, flagDebug, flagQuiet = false, false, false })
}

func TestBuildLoggerDefaultsToConfigLevel(t *testing.T) {
	resetGlobalFlags(t)

	cfg := &config.Config{Logging: config.LoggingConfig{LogLevel: "debug"}}
	logger := buildLogger(cfg)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLoggerNilConfigDefaultsToWarn(t *testing.T) {
	resetGlobalFlags(t)

	logger := buildLogger(nil)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLoggerVerboseFlagOverridesConfig(t *testing.T) {
	resetGlobalFlags(t)
	flagVerbose = true

	cfg := &config.Config{Logging: config.LoggingConfig{LogLevel: "error"}}
	logger := buildLogger(cfg)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLoggerDebugFlagOverridesConfig(t *testing.T) {
	resetGlobalFlags(t)
	flagDebug = true

	cfg := &config.Config{Logging: config.LoggingConfig{LogLevel: "error"}}
	logger := buildLogger(cfg)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLoggerQuietFlagOverridesConfig(t *testing.T) {
	resetGlobalFlags(t)
	flagQuiet = true

	cfg := &config.Config{Logging: config.LoggingConfig{LogLevel: "debug"}}
	logger := buildLogger(cfg)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestNewRootCmdRegistersExpectedFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "collection", "json", "verbose", "debug", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing --%s flag", name)
	}
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"sync", "schema", "conflicts", "store"} {
		assert.True(t, names[want], "missing %q subcommand", want)
	}
}

func TestNewRootCmdRejectsMutuallyExclusiveVerboseAndDebug(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--verbose", "--debug", "sync"})

	require.NoError(t, cmd.ParseFlags([]string{"--verbose", "--debug"}))
	err := cmd.ValidateFlagGroups()
	assert.Error(t, err)
}

func TestNewRootCmdAllowsSingleLogLevelFlag(t *testing.T) {
	cmd := newRootCmd()

	require.NoError(t, cmd.ParseFlags([]string{"--verbose"}))
	assert.NoError(t, cmd.ValidateFlagGroups())
}

func TestCLIContextFromMissingReturnsNil(t *testing.T) {
	assert.Nil(t, cliContextFrom(context.Background()))
}

func TestMustCLIContextPanicsWhenMissing(t *testing.T) {
	assert.Panics(t, func() {
		mustCLIContext(context.Background())
	})
}
