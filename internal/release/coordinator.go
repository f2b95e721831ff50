// Package release plans multi-project releases. A release is an ordinary
// dispatch plan: the target is validated, promoted and tagged, then every
// project downstream of it is validated, moved onto the new version and
// revalidated. Tagging is never pre-approvable, so every release waits for a
// human.
package release

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/plan"
	"github.com/mattjoyce/foreman/internal/registry"
)

var taskRe = regexp.MustCompile(`(?i)^release project (\S+) (v\S+?)( and publish)?$`)

// Coordinator is the release task template.
type Coordinator struct{}

var _ dispatch.Template = Coordinator{}

func (Coordinator) Name() string { return "release" }

// Build turns "release project <id> v<semver> [and publish]" into steps.
func (c Coordinator) Build(task string, g *graph.Graph) (dispatch.Draft, bool, error) {
	m := taskRe.FindStringSubmatch(strings.TrimSpace(task))
	if m == nil {
		return dispatch.Draft{}, false, nil
	}
	id, version, publish := m[1], m[2], m[3] != ""
	if !semver.IsValid(version) {
		return dispatch.Draft{}, true, fmt.Errorf("invalid release version %q", version)
	}
	if err := dispatch.RequireProject(g, id); err != nil {
		return dispatch.Draft{}, true, err
	}
	steps, err := Steps(g, id, version, publish)
	return dispatch.Draft{Target: id, Steps: steps}, true, err
}

// Steps plans the release of id at version.
//
// Dependents are visited in topological order. Each one is validated as soon
// as the plan starts; its dependency update waits for the target's tag and
// for the revalidation of every upstream project that is itself part of the
// release.
func Steps(g *graph.Graph, id, version string, publish bool) ([]plan.Step, error) {
	reg := g.Registry()
	target, ok := reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", dispatch.ErrUnknownProject, id)
	}
	params := map[string]string{"version": version}

	validate := dispatch.StepID(action.Validate, id)
	steps := []plan.Step{{
		ID:      validate,
		Action:  action.Validate,
		Project: id,
		Kind:    plan.KindDelegated,
		Task:    fmt.Sprintf("validate project %s before releasing %s", id, version),
	}}

	tagAfter := validate
	if target.Workflow != registry.Trunk {
		merge := dispatch.StepID(action.Merge, id)
		steps = append(steps, plan.Step{
			ID:        merge,
			Action:    action.Merge,
			Project:   id,
			Kind:      plan.KindDirect,
			DependsOn: []string{validate},
			Params:    params,
		})
		tagAfter = merge
	}
	tag := dispatch.StepID(action.Tag, id)
	steps = append(steps, plan.Step{
		ID:        tag,
		Action:    action.Tag,
		Project:   id,
		Kind:      plan.KindDirect,
		DependsOn: []string{tagAfter},
		Params:    params,
	})

	// ready maps a released project to the step its dependents wait for.
	ready := map[string]string{id: tag}
	var revalidations []string
	for _, dep := range g.Downstream(id) {
		p, ok := reg.Get(dep)
		if !ok {
			continue
		}
		depValidate := dispatch.StepID(action.Validate, dep)
		update := dispatch.StepID(action.UpdateDependency, dep)
		revalidate := dispatch.StepID(action.Revalidate, dep)

		after := []string{depValidate}
		for _, up := range p.DependsOn {
			if s, ok := ready[up]; ok {
				after = append(after, s)
			}
		}
		steps = append(steps,
			plan.Step{
				ID:      depValidate,
				Action:  action.Validate,
				Project: dep,
				Kind:    plan.KindDelegated,
				Task:    fmt.Sprintf("validate project %s before moving it to %s %s", dep, id, version),
			},
			plan.Step{
				ID:        update,
				Action:    action.UpdateDependency,
				Project:   dep,
				Kind:      plan.KindDelegated,
				DependsOn: after,
				Params:    map[string]string{"dependency": id, "version": version},
				Task:      fmt.Sprintf("update the dependency on %s to %s", id, version),
			},
			plan.Step{
				ID:        revalidate,
				Action:    action.Revalidate,
				Project:   dep,
				Kind:      plan.KindDelegated,
				DependsOn: []string{update},
				Task:      fmt.Sprintf("revalidate project %s against %s %s", dep, id, version),
			},
		)
		ready[dep] = revalidate
		revalidations = append(revalidations, revalidate)
	}

	if publish {
		steps = append(steps, plan.Step{
			ID:        dispatch.StepID(action.Publish, id),
			Action:    action.Publish,
			Project:   id,
			Kind:      plan.KindDirect,
			DependsOn: append([]string{tag}, revalidations...),
			Params:    params,
		})
	}
	return steps, nil
}
