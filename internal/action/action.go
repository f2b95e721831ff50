// Package action is the closed catalogue of actions the orchestrator can plan,
// with the intrinsic blast-radius properties of each.
package action

import (
	"fmt"
	"sort"
	"strings"
)

// Name identifies an action.
type Name string

const (
	Validate         Name = "validate"
	RunTests         Name = "run-tests"
	Lint             Name = "lint"
	Sync             Name = "sync"
	Merge            Name = "merge"
	Tag              Name = "tag"
	UpdateDependency Name = "update-dependency"
	Revalidate       Name = "revalidate"
	Publish          Name = "publish"
	Release          Name = "release"
	Implement        Name = "implement"
	Revise           Name = "revise"
	DeleteBranch     Name = "delete-branch"
	ForcePush        Name = "force-push"
	SetAutonomy      Name = "set-autonomy"
)

// Impact is the estimated impact of an action, ordered low < medium < high.
type Impact int

const (
	ImpactLow Impact = iota
	ImpactMedium
	ImpactHigh
)

func (i Impact) String() string {
	switch i {
	case ImpactLow:
		return "low"
	case ImpactMedium:
		return "medium"
	case ImpactHigh:
		return "high"
	default:
		return fmt.Sprintf("impact(%d)", int(i))
	}
}

// ParseImpact parses "low", "medium" or "high".
func ParseImpact(s string) (Impact, error) {
	switch strings.ToLower(s) {
	case "low":
		return ImpactLow, nil
	case "medium":
		return ImpactMedium, nil
	case "high":
		return ImpactHigh, nil
	}
	return ImpactLow, fmt.Errorf("unknown impact %q", s)
}

func (i Impact) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Impact) UnmarshalText(b []byte) error {
	v, err := ParseImpact(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// MaxImpact returns the higher of a and b.
func MaxImpact(a, b Impact) Impact {
	if a > b {
		return a
	}
	return b
}

// Descriptor holds the properties of an action independent of where it runs.
type Descriptor struct {
	Name          Name
	Writes        bool
	Destructive   bool
	Reversible    bool
	AffectsRemote bool
	Impact        Impact
	// NeverPreApprovable actions always need a human decision, whatever the config says.
	NeverPreApprovable bool
}

var catalogue = map[Name]Descriptor{
	Validate:         {Name: Validate, Reversible: true, Impact: ImpactLow},
	RunTests:         {Name: RunTests, Reversible: true, Impact: ImpactLow},
	Lint:             {Name: Lint, Reversible: true, Impact: ImpactLow},
	Revalidate:       {Name: Revalidate, Reversible: true, Impact: ImpactLow},
	Sync:             {Name: Sync, Writes: true, Reversible: true, Impact: ImpactLow},
	Implement:        {Name: Implement, Writes: true, Reversible: true, Impact: ImpactMedium},
	Revise:           {Name: Revise, Writes: true, Reversible: true, Impact: ImpactMedium},
	UpdateDependency: {Name: UpdateDependency, Writes: true, Reversible: true, Impact: ImpactMedium},
	Merge:            {Name: Merge, Writes: true, Reversible: true, AffectsRemote: true, Impact: ImpactMedium},
	Tag:              {Name: Tag, Writes: true, Reversible: true, AffectsRemote: true, Impact: ImpactMedium, NeverPreApprovable: true},
	Release:          {Name: Release, Writes: true, Reversible: true, AffectsRemote: true, Impact: ImpactHigh, NeverPreApprovable: true},
	Publish:          {Name: Publish, Writes: true, AffectsRemote: true, Impact: ImpactHigh, NeverPreApprovable: true},
	DeleteBranch:     {Name: DeleteBranch, Writes: true, Destructive: true, AffectsRemote: true, Impact: ImpactHigh, NeverPreApprovable: true},
	ForcePush:        {Name: ForcePush, Writes: true, Destructive: true, AffectsRemote: true, Impact: ImpactHigh, NeverPreApprovable: true},
	SetAutonomy:      {Name: SetAutonomy, Writes: true, Reversible: true, Impact: ImpactHigh, NeverPreApprovable: true},
}

// Lookup returns the descriptor for name.
func Lookup(name Name) (Descriptor, bool) {
	d, ok := catalogue[name]
	return d, ok
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name Name) Descriptor {
	d, ok := catalogue[name]
	if !ok {
		panic(fmt.Sprintf("action: unknown action %q", name))
	}
	return d
}

// NeverPreApprovable reports whether name can never run unattended.
// Unknown actions are treated as never pre-approvable.
func NeverPreApprovable(name Name) bool {
	d, ok := catalogue[name]
	return !ok || d.NeverPreApprovable || d.Destructive
}

// Names returns every known action name, sorted.
func Names() []Name {
	out := make([]Name, 0, len(catalogue))
	for n := range catalogue {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
