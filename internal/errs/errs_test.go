package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unrelated", errors.New("boom"), ""},
		{"config", Configf("bad field %q", "x"), KindConfiguration},
		{"cycle", &CycleError{Path: []string{"a", "b", "a"}}, KindDependencyCycle},
		{"wrapped timeout", fmt.Errorf("slot: %w", ErrPoolTimeout), KindPoolTimeout},
		{"silent worker", fmt.Errorf("w1: %w", ErrWorkerSilent), KindWorkerSilent},
		{"step", &StepError{PlanID: "p", StepID: "s", Cause: errors.New("exit 1")}, KindStepFailed},
		{"step wrapping timeout", &StepError{PlanID: "p", StepID: "s", Cause: ErrWorkerTimeout}, KindWorkerTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCycleErrorMatchesBoth(t *testing.T) {
	err := fmt.Errorf("build graph: %w", &CycleError{Path: []string{"core", "app", "core"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "core -> app -> core")
}

func TestStepErrorMessage(t *testing.T) {
	err := &StepError{PlanID: "p1", StepID: "merge", Cause: context.DeadlineExceeded, Compensations: []string{"validate"}}
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "plan p1 step merge failed: context deadline exceeded (compensated: validate)", err.Error())
}
