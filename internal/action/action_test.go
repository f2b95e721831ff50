package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestructiveActionsAreNeverPreApprovable(t *testing.T) {
	for _, n := range Names() {
		d := MustLookup(n)
		if d.Destructive {
			assert.True(t, NeverPreApprovable(n), "%s is destructive", n)
		}
	}
	for _, n := range []Name{DeleteBranch, ForcePush, SetAutonomy, Release, Tag, Publish} {
		assert.True(t, NeverPreApprovable(n), n)
	}
	assert.True(t, NeverPreApprovable("made-up"))
	assert.False(t, NeverPreApprovable(RunTests))
}

func TestImpactOrderingAndText(t *testing.T) {
	assert.Equal(t, ImpactHigh, MaxImpact(ImpactLow, ImpactHigh))
	assert.Equal(t, ImpactMedium, MaxImpact(ImpactMedium, ImpactLow))

	b, err := json.Marshal(map[string]Impact{"i": ImpactMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":"medium"}`, string(b))

	var out map[string]Impact
	require.NoError(t, json.Unmarshal([]byte(`{"i":"high"}`), &out))
	assert.Equal(t, ImpactHigh, out["i"])

	_, err = ParseImpact("huge")
	assert.Error(t, err)
}
