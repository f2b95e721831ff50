package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/autonomy"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/registry"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(registry.New(3,
		registry.Project{ID: "core", Path: "/src/core", Workflow: registry.TwoBranch},
		registry.Project{ID: "web", Path: "/src/web", DependsOn: []string{"core"}, Workflow: registry.TwoBranch},
		registry.Project{ID: "cli", Path: "/src/cli", DependsOn: []string{"core"}, Workflow: registry.Trunk},
		registry.Project{ID: "docs", Path: "/src/docs", Workflow: registry.Trunk},
	))
	require.NoError(t, err)
	return g
}

func testSnapshot(t *testing.T, level string) *autonomy.Snapshot {
	t.Helper()
	e, err := autonomy.NewEngine(config.AutonomyConfig{Global: level})
	require.NoError(t, err)
	return e.Snapshot()
}

func stepIDs(steps []plan.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func TestPlanMergeWithPropagation(t *testing.T) {
	p := NewPlanner(time.Minute, BuiltinTemplates()...)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	pl, err := p.Plan("Merge project core into stable and propagate to dependents", testGraph(t), testSnapshot(t, "proactive"), now)
	require.NoError(t, err)

	assert.NotEmpty(t, pl.ID)
	assert.Equal(t, "core", pl.Target)
	assert.Equal(t, uint64(3), pl.GraphVersion)
	assert.Equal(t, now, pl.CreatedAt)
	assert.Equal(t, []string{
		"validate-core", "merge-core",
		"update-dependency-cli", "revalidate-cli",
		"update-dependency-web", "revalidate-web",
	}, stepIDs(pl.Steps))

	merge, ok := pl.Step("merge-core")
	require.True(t, ok)
	assert.Equal(t, plan.KindDirect, merge.Kind)
	assert.Equal(t, time.Minute, merge.Timeout, "direct steps get the default timeout")
	assert.Equal(t, []string{"validate-core"}, merge.DependsOn)

	update, ok := pl.Step("update-dependency-web")
	require.True(t, ok)
	assert.Equal(t, "core", update.Params["dependency"])
	assert.Zero(t, update.Timeout)

	assert.Equal(t, []string{"cli", "core", "web"}, pl.Scope.Projects)
	assert.True(t, pl.Scope.AffectsRemote)
	assert.True(t, pl.RequiresApproval, "merge reaches the remote")
	// validate, merge, update, revalidate along one branch of the DAG.
	assert.Equal(t, 31*time.Minute, pl.EstimatedDuration)
}

func TestPlanMergePropagatesTransitively(t *testing.T) {
	g, err := graph.New(registry.New(1,
		registry.Project{ID: "core", Path: "/src/core", Workflow: registry.TwoBranch},
		registry.Project{ID: "lib", Path: "/src/lib", DependsOn: []string{"core"}, Workflow: registry.TwoBranch},
		registry.Project{ID: "app", Path: "/src/app", DependsOn: []string{"lib"}, Workflow: registry.Trunk},
		registry.Project{ID: "cli", Path: "/src/cli", DependsOn: []string{"core"}, Workflow: registry.Trunk},
	))
	require.NoError(t, err)
	p := NewPlanner(time.Minute, BuiltinTemplates()...)

	pl, err := p.Plan("merge project core into stable and propagate to dependents", g, testSnapshot(t, "proactive"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"validate-core", "merge-core",
		"update-dependency-cli", "revalidate-cli",
		"update-dependency-lib", "revalidate-lib",
		"update-dependency-app", "revalidate-app",
	}, stepIDs(pl.Steps))

	lib, ok := pl.Step("update-dependency-lib")
	require.True(t, ok)
	assert.Equal(t, []string{"merge-core"}, lib.DependsOn)

	app, ok := pl.Step("update-dependency-app")
	require.True(t, ok)
	assert.Equal(t, []string{"revalidate-lib"}, app.DependsOn, "a transitive dependent waits for its own upstream")
	assert.Equal(t, "core", app.Params["dependency"])
	assert.Equal(t, []string{"app", "cli", "core", "lib"}, pl.Scope.Projects)
}

func TestPlanMergeWithoutPropagation(t *testing.T) {
	p := NewPlanner(time.Minute, BuiltinTemplates()...)
	pl, err := p.Plan("merge project web's integration branch into stable", testGraph(t), testSnapshot(t, "proactive"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"validate-web", "merge-web"}, stepIDs(pl.Steps))
	assert.Equal(t, []string{"develop", "main"}, pl.Scope.Branches)
}

func TestPlanRunTestsEverywhere(t *testing.T) {
	p := NewPlanner(time.Minute, BuiltinTemplates()...)
	pl, err := p.Plan("run tests across all projects", testGraph(t), testSnapshot(t, "proactive"), time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"run-tests-core", "run-tests-web", "run-tests-cli", "run-tests-docs"}, stepIDs(pl.Steps))
	assert.False(t, pl.RequiresApproval)
	assert.Equal(t, 10*time.Minute, pl.EstimatedDuration, "independent steps run side by side")

	cautious, err := p.Plan("run tests across all projects", testGraph(t), testSnapshot(t, "cautious"), time.Now())
	require.NoError(t, err)
	assert.True(t, cautious.RequiresApproval)
}

func TestPlanImplementDefaultsComplexity(t *testing.T) {
	p := NewPlanner(time.Minute, BuiltinTemplates()...)
	pl, err := p.Plan("implement Streaming CSV export! in project docs", testGraph(t), testSnapshot(t, "proactive"), time.Now())
	require.NoError(t, err)
	require.Len(t, pl.Steps, 1)

	s := pl.Steps[0]
	assert.Equal(t, action.Implement, s.Action)
	assert.Equal(t, plan.KindInference, s.Kind)
	assert.Equal(t, "moderate", s.Complexity)
	assert.Equal(t, "implement", s.TaskType)
	assert.Equal(t, "foreman/streaming-csv-export", s.Branch)
	assert.Equal(t, []string{"foreman/streaming-csv-export"}, pl.Scope.Branches)
}

func TestPlanRejectsUnknownInput(t *testing.T) {
	p := NewPlanner(time.Minute, BuiltinTemplates()...)
	g := testGraph(t)
	snap := testSnapshot(t, "proactive")

	_, err := p.Plan("   ", g, snap, time.Now())
	require.ErrorIs(t, err, ErrUnrecognisedTask)

	_, err = p.Plan("reticulate splines", g, snap, time.Now())
	require.ErrorIs(t, err, ErrUnrecognisedTask)

	_, err = p.Plan("lint project ghost", g, snap, time.Now())
	require.ErrorIs(t, err, ErrUnknownProject)
}

func TestFirstMatchingTemplateWins(t *testing.T) {
	override := stepsTemplate{task: "lint project core", target: "core", steps: []plan.Step{
		{ID: "custom", Action: action.Lint, Project: "core", Kind: plan.KindDirect},
	}}
	p := NewPlanner(0, override, BuiltinTemplates()[0])
	pl, err := p.Plan("lint project core", testGraph(t), testSnapshot(t, "proactive"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, stepIDs(pl.Steps))
}

func TestVerdictFoldsSteps(t *testing.T) {
	g := testGraph(t)
	lint := []plan.Step{{ID: "l", Action: action.Lint, Project: "core", Kind: plan.KindDelegated}}
	scope, err := AggregateScope(g, lint)
	require.NoError(t, err)

	assert.Equal(t, autonomy.AutoExecute, Verdict(testSnapshot(t, "proactive"), lint, scope))
	assert.Equal(t, autonomy.Skip, Verdict(testSnapshot(t, "cautious"), lint, scope))
	assert.Equal(t, autonomy.Propose, Verdict(testSnapshot(t, "scheduled"), lint, scope))

	mixed := append(lint, plan.Step{ID: "d", Action: action.DeleteBranch, Project: "core", Branch: "old", Kind: plan.KindDirect})
	mixedScope, err := AggregateScope(g, mixed)
	require.NoError(t, err)
	assert.NotEqual(t, autonomy.AutoExecute, Verdict(testSnapshot(t, "proactive"), mixed, mixedScope))
	assert.True(t, RequiresApproval(testSnapshot(t, "proactive"), mixed, mixedScope))
}
