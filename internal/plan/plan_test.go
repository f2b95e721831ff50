package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/errs"
)

func ids(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestOrderIsStableByInsertion(t *testing.T) {
	steps := []Step{
		{ID: "tag", DependsOn: []string{"merge"}},
		{ID: "validate"},
		{ID: "merge", DependsOn: []string{"validate"}},
		{ID: "lint"},
	}
	got, err := Order(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "merge", "tag", "lint"}, ids(got))
}

func TestOrderDetectsCycle(t *testing.T) {
	_, err := Order([]Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDependencyCycle)
	var ce *errs.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "a"}, ce.Path)
}

func TestValidate(t *testing.T) {
	good := Plan{Steps: []Step{
		{ID: "v", Action: action.Validate, Kind: KindDelegated},
		{ID: "m", Action: action.Merge, Kind: KindDirect, DependsOn: []string{"v"}},
	}}
	require.NoError(t, good.Validate())

	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"duplicate", []Step{{ID: "a", Action: action.Lint, Kind: KindDirect}, {ID: "a", Action: action.Lint, Kind: KindDirect}}},
		{"unknown action", []Step{{ID: "a", Action: "dance", Kind: KindDirect}}},
		{"unknown kind", []Step{{ID: "a", Action: action.Lint, Kind: "magic"}}},
		{"unknown dep", []Step{{ID: "a", Action: action.Lint, Kind: KindDirect, DependsOn: []string{"z"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan{Steps: tt.steps}
			assert.Error(t, p.Validate())
		})
	}
}

func TestExecVariants(t *testing.T) {
	e, err := Step{ID: "i", Kind: KindInference, TaskType: "implement", Complexity: "complex"}.Exec()
	require.NoError(t, err)
	inf, ok := e.(Inference)
	require.True(t, ok)
	assert.Equal(t, "implement", inf.TaskType)
	assert.Equal(t, KindInference, inf.Kind())

	e, err = Step{Kind: KindDirect}.Exec()
	require.NoError(t, err)
	assert.IsType(t, Direct{}, e)
}

func TestRecordApproved(t *testing.T) {
	r := Record{Plan: Plan{RequiresApproval: true}}
	assert.False(t, r.Approved())
	r.ApprovedBy = "alice"
	assert.True(t, r.Approved())
	assert.True(t, (&Record{}).Approved())
	assert.True(t, StatusPendingHuman.Terminal())
	assert.False(t, StatusQueued.Terminal())
}
