package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/registry"
)

// Scope restricts where a worker may write. Reads are always permitted.
// Patterns are relative to Root; "dir/**" covers a subtree and a leading "!" excludes.
type Scope struct {
	Root  string   `json:"root"`
	Write []string `json:"write"`
}

// ScopeError is returned for a write outside the granted patterns.
// The message is shown to the worker verbatim.
type ScopeError struct {
	Path    string
	Allowed []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("write to %q is outside the granted scope %v; "+
		"ask for an expanded scope with a question report instead of writing elsewhere", e.Path, e.Allowed)
}

// CheckRead always succeeds.
func (s Scope) CheckRead(string) error { return nil }

// CheckWrite returns a *ScopeError unless path is covered by the write patterns.
func (s Scope) CheckWrite(path string) error {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(s.Root, path)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return &ScopeError{Path: path, Allowed: s.Write}
		}
		rel = r
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return &ScopeError{Path: path, Allowed: s.Write}
	}

	allowed := false
	for _, p := range s.Write {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if matchPattern(neg, rel) {
				return &ScopeError{Path: path, Allowed: s.Write}
			}
			continue
		}
		allowed = allowed || matchPattern(p, rel)
	}
	if !allowed {
		return &ScopeError{Path: path, Allowed: s.Write}
	}
	return nil
}

func matchPattern(pattern, rel string) bool {
	if pattern == "**" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	matched, _ := filepath.Match(pattern, rel)
	return matched
}

// defaultManifests are the dependency manifests rewritten by update-dependency
// when a project does not list its own.
var defaultManifests = []string{"go.mod", "go.sum", "package.json", "package-lock.json", "Cargo.toml", "Cargo.lock", "pyproject.toml", "requirements*.txt"}

// ScopeFor computes the write scope a worker gets for action a on project p.
func ScopeFor(p registry.Project, a action.Name) Scope {
	s := Scope{Root: p.Path}
	switch a {
	case action.Implement, action.Revise:
		s.Write = []string{"**", "!.git/**"}
	case action.UpdateDependency:
		s.Write = append([]string(nil), p.ManifestFiles...)
		if len(s.Write) == 0 {
			s.Write = append(s.Write, defaultManifests...)
		}
	case action.RunTests, action.Validate, action.Revalidate, action.Lint:
		// Test and lint runs may leave reports and caches behind, nothing else.
		s.Write = []string{".foreman/**"}
	default:
		s.Write = []string{}
	}
	return s
}
