// Package registry holds the immutable metadata of managed projects.
package registry

import (
	"sort"

	"github.com/mattjoyce/foreman/internal/config"
)

// Workflow is a project's branching model.
type Workflow string

const (
	TwoBranch Workflow = "two-branch"
	Trunk     Workflow = "trunk"
)

// Project is one managed project. Immutable after load.
type Project struct {
	ID            string   `json:"id"`
	Path          string   `json:"path"`
	Remote        string   `json:"remote"`
	Workflow      Workflow `json:"workflow"`
	DependsOn     []string `json:"depends_on,omitempty"`
	ManifestFiles []string `json:"manifest_files,omitempty"`
}

// StableBranch is the branch releases are cut from.
func (p Project) StableBranch() string { return "main" }

// IntegrationBranch is where work lands before it is promoted.
// Trunk projects integrate directly on the stable branch.
func (p Project) IntegrationBranch() string {
	if p.Workflow == Trunk {
		return p.StableBranch()
	}
	return "develop"
}

// Registry is a versioned, read-only set of projects.
type Registry struct {
	version  uint64
	projects map[string]Project
	ids      []string
}

// New builds a registry from projects.
func New(version uint64, projects ...Project) *Registry {
	r := &Registry{version: version, projects: make(map[string]Project, len(projects))}
	for _, p := range projects {
		p.DependsOn = append([]string(nil), p.DependsOn...)
		r.projects[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r
}

// FromConfig builds a registry from the projects section of cfg.
func FromConfig(cfg *config.Config, version uint64) *Registry {
	projects := make([]Project, 0, len(cfg.Projects))
	for id, pc := range cfg.Projects {
		projects = append(projects, Project{
			ID:            id,
			Path:          pc.Path,
			Remote:        pc.Remote,
			Workflow:      Workflow(pc.Workflow),
			DependsOn:     pc.DependsOn,
			ManifestFiles: pc.ManifestFiles,
		})
	}
	return New(version, projects...)
}

// Get returns a project by id.
func (r *Registry) Get(id string) (Project, bool) {
	p, ok := r.projects[id]
	return p, ok
}

// IDs returns all project ids, sorted.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Len returns the number of projects.
func (r *Registry) Len() int { return len(r.ids) }

// Version identifies the config load this registry came from.
func (r *Registry) Version() uint64 { return r.version }
