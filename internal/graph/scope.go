package graph

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/foreman/internal/action"
)

// ActionScope is the blast radius of one or more actions. Always recomputed, never stored.
type ActionScope struct {
	Projects        []string      `json:"projects"`
	Branches        []string      `json:"branches"`
	Destructive     bool          `json:"destructive"`
	Reversible      bool          `json:"reversible"`
	AffectsRemote   bool          `json:"affects_remote"`
	EstimatedImpact action.Impact `json:"estimated_impact"`
}

// ScopeOf computes the scope of running action a against project on branch.
// An empty branch means the project's default branch for that action.
func (g *Graph) ScopeOf(a action.Name, project, branch string) (ActionScope, error) {
	d, ok := action.Lookup(a)
	if !ok {
		return ActionScope{}, fmt.Errorf("unknown action %q", a)
	}
	p, ok := g.reg.Get(project)
	if !ok {
		return ActionScope{}, fmt.Errorf("unknown project %q", project)
	}

	branches := []string{}
	switch {
	case branch != "":
		branches = append(branches, branch)
	case a == action.Merge:
		branches = append(branches, p.IntegrationBranch(), p.StableBranch())
	case a == action.Tag || a == action.Release || a == action.Publish:
		branches = append(branches, p.StableBranch())
	default:
		branches = append(branches, p.IntegrationBranch())
	}

	impact := d.Impact
	// Remote writes to a project with dependents reach further than the project itself.
	if d.Writes && d.AffectsRemote && len(g.downstream[project]) > 0 {
		impact = action.MaxImpact(impact, action.ImpactHigh)
	}

	return ActionScope{
		Projects:        []string{project},
		Branches:        dedupe(branches),
		Destructive:     d.Destructive,
		Reversible:      d.Reversible,
		AffectsRemote:   d.AffectsRemote,
		EstimatedImpact: impact,
	}, nil
}

// Evaluate combines per-step scopes: project and branch sets are unioned,
// destructive and remote flags OR-ed, reversibility AND-ed and impact maxed.
func Evaluate(scopes ...ActionScope) ActionScope {
	out := ActionScope{Reversible: true, EstimatedImpact: action.ImpactLow}
	var projects, branches []string
	for _, s := range scopes {
		projects = append(projects, s.Projects...)
		branches = append(branches, s.Branches...)
		out.Destructive = out.Destructive || s.Destructive
		out.AffectsRemote = out.AffectsRemote || s.AffectsRemote
		out.Reversible = out.Reversible && s.Reversible
		out.EstimatedImpact = action.MaxImpact(out.EstimatedImpact, s.EstimatedImpact)
	}
	out.Projects = dedupe(projects)
	out.Branches = dedupe(branches)
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
