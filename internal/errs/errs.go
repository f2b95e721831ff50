// Package errs holds the closed error taxonomy surfaced to the command layer.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration           = errors.New("configuration error")
	ErrDependencyCycle         = errors.New("dependency cycle")
	ErrApprovalDenied          = errors.New("approval denied")
	ErrPoolTimeout             = errors.New("pool timeout")
	ErrStepFailed              = errors.New("step failed")
	ErrWorkerTimeout           = errors.New("worker timeout")
	ErrWorkerSilent            = errors.New("worker silent")
	ErrNoHealthyEndpoint       = errors.New("no healthy endpoint")
	ErrRevisionBudgetExhausted = errors.New("revision budget exhausted")
)

// Kind names used on the wire and in CLI exit messages.
const (
	KindConfiguration           = "ConfigurationError"
	KindDependencyCycle         = "DependencyCycle"
	KindApprovalDenied          = "ApprovalDenied"
	KindPoolTimeout             = "PoolTimeout"
	KindStepFailed              = "StepFailed"
	KindWorkerTimeout           = "WorkerTimeout"
	KindWorkerSilent            = "WorkerSilent"
	KindNoHealthyEndpoint       = "NoHealthyEndpoint"
	KindRevisionBudgetExhausted = "RevisionBudgetExhausted"
)

var kinds = []struct {
	err  error
	kind string
}{
	// Cycle is checked before configuration since a cycle is both.
	{ErrDependencyCycle, KindDependencyCycle},
	{ErrConfiguration, KindConfiguration},
	{ErrApprovalDenied, KindApprovalDenied},
	{ErrPoolTimeout, KindPoolTimeout},
	{ErrWorkerTimeout, KindWorkerTimeout},
	{ErrWorkerSilent, KindWorkerSilent},
	{ErrNoHealthyEndpoint, KindNoHealthyEndpoint},
	{ErrRevisionBudgetExhausted, KindRevisionBudgetExhausted},
	{ErrStepFailed, KindStepFailed},
}

// KindOf returns the taxonomy name for err, or "" if err is outside the taxonomy.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// CycleError reports a dependency cycle with the offending path.
// It matches both ErrDependencyCycle and ErrConfiguration.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrDependencyCycle || target == ErrConfiguration
}

// StepError attributes an execution failure to a plan step.
type StepError struct {
	PlanID        string
	StepID        string
	Cause         error
	Compensations []string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("plan %s step %s failed: %v", e.PlanID, e.StepID, e.Cause)
	if len(e.Compensations) > 0 {
		msg += fmt.Sprintf(" (compensated: %s)", strings.Join(e.Compensations, ", "))
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailed, e.Cause}
}

// Configf wraps a formatted message as a configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
