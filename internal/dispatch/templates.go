package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/graph"
	"github.com/mattjoyce/foreman/internal/plan"
)

var (
	// ErrUnrecognisedTask is returned when no template matches a task.
	ErrUnrecognisedTask = errors.New("unrecognised task")
	ErrUnknownProject   = errors.New("unknown project")
)

// Draft is a template's decomposition of a task, before scope and approval
// are computed.
type Draft struct {
	Target string
	Steps  []plan.Step
}

// Template turns one family of task descriptions into steps. Build reports
// false when the task is not one it understands.
type Template interface {
	Name() string
	Build(task string, g *graph.Graph) (Draft, bool, error)
}

// RequireProject checks that id is a managed project.
func RequireProject(g *graph.Graph, id string) error {
	if _, ok := g.Registry().Get(id); !ok {
		return fmt.Errorf("%w %q", ErrUnknownProject, id)
	}
	return nil
}

// StepID joins an action and a project into a step id.
func StepID(a action.Name, project string) string {
	return string(a) + "-" + project
}

// regexTemplate is a template keyed by one case-insensitive pattern.
type regexTemplate struct {
	name  string
	re    *regexp.Regexp
	build func(m []string, g *graph.Graph) (Draft, error)
}

func (t regexTemplate) Name() string { return t.name }

func (t regexTemplate) Build(task string, g *graph.Graph) (Draft, bool, error) {
	m := t.re.FindStringSubmatch(strings.TrimSpace(task))
	if m == nil {
		return Draft{}, false, nil
	}
	d, err := t.build(m, g)
	return d, true, err
}

// BuiltinTemplates returns the task grammars the planner always understands.
func BuiltinTemplates() []Template {
	return []Template{
		regexTemplate{
			name:  "run-tests-all",
			re:    regexp.MustCompile(`(?i)^run tests across all projects$`),
			build: buildRunTestsAll,
		},
		regexTemplate{
			name:  "merge-to-stable",
			re:    regexp.MustCompile(`(?i)^merge project (\S+?)(?:'s integration branch)? into stable( and propagate to dependents)?$`),
			build: buildMerge,
		},
		regexTemplate{
			name:  "implement",
			re:    regexp.MustCompile(`(?i)^implement (.+) in project (\S+?)(?: complexity (simple|moderate|complex))?$`),
			build: buildImplement,
		},
		regexTemplate{
			name:  "delete-branch",
			re:    regexp.MustCompile(`(?i)^delete branch (\S+) in project (\S+)$`),
			build: buildDeleteBranch,
		},
		regexTemplate{
			name:  "single-check",
			re:    regexp.MustCompile(`(?i)^(validate|lint) project (\S+)$`),
			build: buildSingleCheck,
		},
	}
}

func buildRunTestsAll(_ []string, g *graph.Graph) (Draft, error) {
	ids := g.TopoOrder()
	if len(ids) == 0 {
		return Draft{}, errors.New("no projects configured")
	}
	d := Draft{}
	for _, id := range ids {
		d.Steps = append(d.Steps, plan.Step{
			ID:      StepID(action.RunTests, id),
			Action:  action.RunTests,
			Project: id,
			Kind:    plan.KindDelegated,
			Task:    "run the test suite of project " + id,
		})
	}
	return d, nil
}

func buildMerge(m []string, g *graph.Graph) (Draft, error) {
	id := m[1]
	if err := RequireProject(g, id); err != nil {
		return Draft{}, err
	}
	propagate := m[2] != ""

	d := Draft{Target: id}
	validate := StepID(action.Validate, id)
	merge := StepID(action.Merge, id)
	d.Steps = append(d.Steps,
		plan.Step{ID: validate, Action: action.Validate, Project: id, Kind: plan.KindDelegated,
			Task: "validate the integration branch of project " + id},
		plan.Step{ID: merge, Action: action.Merge, Project: id, Kind: plan.KindDirect, DependsOn: []string{validate}},
	)
	if !propagate {
		return d, nil
	}
	// Every transitive dependent moves, each after the upstreams it builds on.
	ready := map[string]string{id: merge}
	for _, dep := range g.Downstream(id) {
		p, ok := g.Registry().Get(dep)
		if !ok {
			continue
		}
		var after []string
		for _, up := range p.DependsOn {
			if s, ok := ready[up]; ok {
				after = append(after, s)
			}
		}
		update := StepID(action.UpdateDependency, dep)
		revalidate := StepID(action.Revalidate, dep)
		d.Steps = append(d.Steps,
			plan.Step{ID: update, Action: action.UpdateDependency, Project: dep, Kind: plan.KindDelegated,
				DependsOn: after, Params: map[string]string{"dependency": id},
				Task: fmt.Sprintf("update the dependency on %s to its stable branch", id)},
			plan.Step{ID: revalidate, Action: action.Revalidate, Project: dep, Kind: plan.KindDelegated,
				DependsOn: []string{update}, Task: "revalidate project " + dep},
		)
		ready[dep] = revalidate
	}
	return d, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}

func buildImplement(m []string, g *graph.Graph) (Draft, error) {
	unit, id := strings.TrimSpace(m[1]), m[2]
	if err := RequireProject(g, id); err != nil {
		return Draft{}, err
	}
	complexity := strings.ToLower(m[3])
	if complexity == "" {
		complexity = "moderate"
	}
	return Draft{
		Target: id,
		Steps: []plan.Step{{
			ID:         StepID(action.Implement, id),
			Action:     action.Implement,
			Project:    id,
			Branch:     "foreman/" + slug(unit),
			Kind:       plan.KindInference,
			TaskType:   "implement",
			Complexity: complexity,
			Task:       unit,
		}},
	}, nil
}

func buildDeleteBranch(m []string, g *graph.Graph) (Draft, error) {
	branch, id := m[1], m[2]
	if err := RequireProject(g, id); err != nil {
		return Draft{}, err
	}
	return Draft{
		Target: id,
		Steps: []plan.Step{{
			ID:      StepID(action.DeleteBranch, id),
			Action:  action.DeleteBranch,
			Project: id,
			Branch:  branch,
			Kind:    plan.KindDirect,
		}},
	}, nil
}

func buildSingleCheck(m []string, g *graph.Graph) (Draft, error) {
	a, id := action.Name(strings.ToLower(m[1])), m[2]
	if err := RequireProject(g, id); err != nil {
		return Draft{}, err
	}
	return Draft{
		Target: id,
		Steps: []plan.Step{{
			ID:      StepID(a, id),
			Action:  a,
			Project: id,
			Kind:    plan.KindDelegated,
			Task:    fmt.Sprintf("%s project %s", a, id),
		}},
	}, nil
}
