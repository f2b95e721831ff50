package autonomy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/graph"
)

func scopesFor(project string) []graph.ActionScope {
	var out []graph.ActionScope
	for _, destructive := range []bool{false, true} {
		for _, remote := range []bool{false, true} {
			for _, impact := range []action.Impact{action.ImpactLow, action.ImpactMedium, action.ImpactHigh} {
				out = append(out, graph.ActionScope{
					Projects:        []string{project},
					Destructive:     destructive,
					Reversible:      !destructive,
					AffectsRemote:   remote,
					EstimatedImpact: impact,
				})
			}
		}
	}
	return out
}

func engineWith(t *testing.T, global string, preApproved ...string) *Engine {
	t.Helper()
	e, err := NewEngine(config.AutonomyConfig{
		Global:      global,
		PreApproved: map[string][]string{"core": preApproved},
	})
	require.NoError(t, err)
	return e
}

func TestCautiousNeverActs(t *testing.T) {
	e := engineWith(t, "cautious", "run-tests", "merge")
	for _, a := range action.Names() {
		for _, s := range scopesFor("core") {
			assert.False(t, e.CanAutoExecute(a, s), "%s %+v", a, s)
			assert.False(t, e.ShouldPropose(a, s), "%s %+v", a, s)
			assert.Equal(t, Skip, e.Snapshot().Decide(a, s))
		}
	}
}

func TestScheduledOnlyPreApproved(t *testing.T) {
	// delete-branch and set-autonomy listed on purpose: config cannot pre-approve them.
	listed := []string{"run-tests", "merge", "delete-branch", "set-autonomy", "release"}
	e := engineWith(t, "scheduled", listed...)

	for _, a := range action.Names() {
		inList := false
		for _, l := range listed {
			inList = inList || action.Name(l) == a
		}
		for _, s := range scopesFor("core") {
			want := inList && !action.NeverPreApprovable(a) && !s.Destructive
			assert.Equal(t, want, e.CanAutoExecute(a, s), "%s %+v", a, s)
			assert.Equal(t, !(inList && !action.NeverPreApprovable(a)), e.ShouldPropose(a, s), "%s %+v", a, s)
		}
	}
}

func TestDestructiveNeverAutoExecutes(t *testing.T) {
	for _, level := range []string{"cautious", "proactive", "scheduled"} {
		e := engineWith(t, level, "delete-branch", "force-push")
		for _, a := range action.Names() {
			for _, s := range scopesFor("core") {
				if s.Destructive || a == action.DeleteBranch || a == action.ForcePush || a == action.SetAutonomy {
					assert.False(t, e.CanAutoExecute(a, s), "%s %s %+v", level, a, s)
				}
			}
		}
	}
}

func TestProactive(t *testing.T) {
	e := engineWith(t, "proactive")
	local := graph.ActionScope{Projects: []string{"core"}, Reversible: true, EstimatedImpact: action.ImpactLow}
	remote := graph.ActionScope{Projects: []string{"core"}, Reversible: true, AffectsRemote: true, EstimatedImpact: action.ImpactHigh}

	assert.True(t, e.CanAutoExecute(action.RunTests, local))
	assert.True(t, e.ShouldPropose(action.RunTests, local))
	assert.False(t, e.CanAutoExecute(action.Merge, remote))
	assert.False(t, e.ShouldPropose(action.Merge, remote))
	assert.False(t, e.CanAutoExecute(action.Release, local), "release is never pre-approvable")

	medium := remote
	medium.EstimatedImpact = action.ImpactMedium
	assert.Equal(t, Propose, e.Snapshot().Decide(action.Merge, medium))
	assert.Equal(t, AutoExecute, e.Snapshot().Decide(action.RunTests, local))
}

func TestOverridesWinAndMostRestrictiveApplies(t *testing.T) {
	e, err := NewEngine(config.AutonomyConfig{
		Global:    "proactive",
		Overrides: map[string]string{"legacy": "cautious"},
	})
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, Cautious, snap.LevelFor("legacy"))
	assert.Equal(t, Proactive, snap.LevelFor("core"))

	both := graph.ActionScope{Projects: []string{"core", "legacy"}, Reversible: true}
	assert.False(t, e.CanAutoExecute(action.RunTests, both))
	assert.True(t, e.CanAutoExecute(action.RunTests, graph.ActionScope{Projects: []string{"core"}, Reversible: true}))
	assert.True(t, e.CanAutoExecute(action.RunTests, graph.ActionScope{Reversible: true}), "empty scope uses global")
}

func TestSetLevel(t *testing.T) {
	e := engineWith(t, "cautious")
	before := e.Snapshot()

	_, err := e.SetLevel("", "core", Proactive)
	assert.ErrorIs(t, err, ErrHumanRequired)

	_, err = e.SetLevel("alice", "core", "yolo")
	assert.Error(t, err)

	snap, err := e.SetLevel("alice", "core", Proactive)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, snap.Version)
	assert.Equal(t, Proactive, e.Snapshot().LevelFor("core"))
	assert.Equal(t, Cautious, before.LevelFor("core"), "old snapshot is unchanged")

	_, err = e.SetLevel("alice", GlobalScope, Scheduled)
	require.NoError(t, err)
	assert.Equal(t, Scheduled, e.Snapshot().Global)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	e := engineWith(t, "cautious")
	require.NoError(t, e.Reload(config.AutonomyConfig{Global: "proactive"}))
	assert.Equal(t, Proactive, e.Snapshot().Global)
	assert.Error(t, e.Reload(config.AutonomyConfig{Global: "wild"}))
	assert.Equal(t, Proactive, e.Snapshot().Global)
}

func TestRuntimeLevelsSurviveReload(t *testing.T) {
	cfg := config.AutonomyConfig{Global: "proactive", Overrides: map[string]string{"web": "scheduled"}}
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	_, err = e.SetLevel("alice", "core", Cautious)
	require.NoError(t, err)
	require.NoError(t, e.Reload(cfg))
	assert.Equal(t, Cautious, e.Snapshot().LevelFor("core"), "a reload never widens a level a human narrowed")
	assert.Equal(t, Scheduled, e.Snapshot().LevelFor("web"))

	_, err = e.SetLevel("alice", "", Cautious)
	require.NoError(t, err)
	require.NoError(t, e.Reload(config.AutonomyConfig{Global: "scheduled"}))
	assert.Equal(t, Cautious, e.Snapshot().Global)
	assert.Equal(t, Cautious, e.Snapshot().LevelFor("web"), "file overrides removed by the reload are gone")
	assert.Equal(t, Cautious, e.Snapshot().LevelFor("core"))
}

func TestRestoreReplaysRecordedLevels(t *testing.T) {
	e := engineWith(t, "proactive")
	before := e.Snapshot().Version

	require.NoError(t, e.Restore([]Change{
		{Scope: "core", Level: Scheduled},
		{Scope: GlobalScope, Level: Cautious},
		{Scope: "core", Level: Proactive},
	}))
	snap := e.Snapshot()
	assert.Equal(t, before+1, snap.Version)
	assert.Equal(t, Cautious, snap.Global)
	assert.Equal(t, Proactive, snap.LevelFor("core"), "the latest change wins")

	assert.Error(t, e.Restore([]Change{{Scope: "core", Level: "wild"}}))
	assert.Equal(t, snap, e.Snapshot(), "a bad trail changes nothing")

	require.NoError(t, e.Reload(config.AutonomyConfig{Global: "scheduled"}))
	assert.Equal(t, Cautious, e.Snapshot().Global)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(config.AutonomyConfig{Global: "cautious"}))
	assert.Error(t, Validate(config.AutonomyConfig{Global: "wild"}))
	assert.Error(t, Validate(config.AutonomyConfig{Global: "cautious", Overrides: map[string]string{"core": "loud"}}))
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	e := engineWith(t, "cautious")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := e.Snapshot()
				_ = s.LevelFor("core")
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := e.SetLevel("alice", "core", Proactive)
		require.NoError(t, err)
	}
	wg.Wait()
}
