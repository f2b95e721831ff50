package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/state"
	"github.com/mattjoyce/foreman/internal/storage"
)

func loadProactive(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeTestConfig(t, coreProject(t)))
	require.NoError(t, err)
	cfg.Autonomy.Global = "proactive"
	return cfg
}

func testDaemon(t *testing.T, cfg *config.Config) *daemon {
	t.Helper()
	d, err := newDaemon(context.Background(), cfg, log.Discard())
	require.NoError(t, err)
	t.Cleanup(d.close)
	return d
}

func TestDaemonRestoresAutonomyLevels(t *testing.T) {
	cfg := loadProactive(t)
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	st := state.NewStore(db, clock.Real())
	require.NoError(t, st.RecordAutonomyChange(ctx, state.AutonomyChange{Actor: "alice", Scope: "core", Level: "cautious", Version: 2}))
	require.NoError(t, db.Close())

	d := testDaemon(t, cfg)
	assert.Equal(t, autonomy.Cautious, d.autonomy.Snapshot().LevelFor("core"))
	assert.Equal(t, autonomy.Proactive, d.autonomy.Snapshot().Global)

	d.reload(cfg)
	assert.Equal(t, autonomy.Cautious, d.autonomy.Snapshot().LevelFor("core"), "a reload keeps the restored level")
}

func TestReloadRejectsConfigAsAWhole(t *testing.T) {
	cfg := loadProactive(t)
	d := testDaemon(t, cfg)
	version := d.graphVersion.Load()
	autonomyVersion := d.autonomy.Snapshot().Version

	bad := *cfg
	bad.Autonomy.Global = "scheduled"
	bad.Routing.DefaultTier = "gold"
	d.reload(&bad)

	assert.Equal(t, version, d.graphVersion.Load())
	assert.Equal(t, autonomyVersion, d.autonomy.Snapshot().Version)
	assert.Equal(t, autonomy.Proactive, d.autonomy.Snapshot().Global, "autonomy is not swapped when the router config is bad")

	good := *cfg
	good.Autonomy.Global = "scheduled"
	d.reload(&good)
	assert.Equal(t, version+1, d.graphVersion.Load())
	assert.Equal(t, autonomy.Scheduled, d.autonomy.Snapshot().Global)
}
