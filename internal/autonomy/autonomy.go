// Package autonomy decides whether an action may run unattended, should be
// proposed to a human, or must wait for an explicit command.
package autonomy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/foreman/internal/action"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/graph"
)

// Level is a project's autonomy level.
type Level string

const (
	// Cautious only reacts to explicit commands.
	Cautious Level = "cautious"
	// Proactive runs local, non-destructive work and proposes the rest.
	Proactive Level = "proactive"
	// Scheduled runs pre-approved actions and proposes everything else.
	Scheduled Level = "scheduled"
)

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case Cautious, Proactive, Scheduled:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown autonomy level %q", s)
}

// Verdict is the outcome of Decide.
type Verdict string

const (
	AutoExecute Verdict = "auto_execute"
	Propose     Verdict = "propose"
	Skip        Verdict = "skip"
)

// GlobalScope addresses the global default in SetLevel.
const GlobalScope = "global"

// ErrHumanRequired is returned when a config change has no human actor.
var ErrHumanRequired = errors.New("autonomy changes require a human actor")

// Snapshot is an immutable view of the autonomy configuration.
type Snapshot struct {
	Version     uint64
	Global      Level
	Overrides   map[string]Level
	PreApproved map[string][]action.Name
}

// LevelFor returns the effective level of project. Overrides always win.
func (s *Snapshot) LevelFor(project string) Level {
	if l, ok := s.Overrides[project]; ok {
		return l
	}
	return s.Global
}

// preApproved reports whether a is whitelisted for project.
// Never-pre-approvable actions are rejected here whatever the config contains.
func (s *Snapshot) preApproved(project string, a action.Name) bool {
	if action.NeverPreApprovable(a) {
		return false
	}
	return slices.Contains(s.PreApproved[project], a)
}

func (s *Snapshot) canAutoExecute(level Level, project string, a action.Name, scope graph.ActionScope) bool {
	if action.NeverPreApprovable(a) || scope.Destructive {
		return false
	}
	switch level {
	case Proactive:
		return !scope.Destructive && !scope.AffectsRemote
	case Scheduled:
		return s.preApproved(project, a)
	default:
		return false
	}
}

func (s *Snapshot) shouldPropose(level Level, project string, a action.Name, scope graph.ActionScope) bool {
	switch level {
	case Proactive:
		return scope.EstimatedImpact <= action.ImpactMedium
	case Scheduled:
		return !s.preApproved(project, a)
	default:
		return false
	}
}

// projectsOf returns the projects a decision is evaluated for; a scope with no projects uses the global level.
func projectsOf(scope graph.ActionScope) []string {
	if len(scope.Projects) == 0 {
		return []string{""}
	}
	return scope.Projects
}

// CanAutoExecute reports whether a may run unattended. Every project in the scope must allow it.
func (s *Snapshot) CanAutoExecute(a action.Name, scope graph.ActionScope) bool {
	for _, p := range projectsOf(scope) {
		if !s.canAutoExecute(s.LevelFor(p), p, a, scope) {
			return false
		}
	}
	return true
}

// ShouldPropose reports whether a should be proposed to a human. Every project in the scope must agree.
func (s *Snapshot) ShouldPropose(a action.Name, scope graph.ActionScope) bool {
	for _, p := range projectsOf(scope) {
		if !s.shouldPropose(s.LevelFor(p), p, a, scope) {
			return false
		}
	}
	return true
}

// Decide folds CanAutoExecute and ShouldPropose into a single verdict.
func (s *Snapshot) Decide(a action.Name, scope graph.ActionScope) Verdict {
	switch {
	case s.CanAutoExecute(a, scope):
		return AutoExecute
	case s.ShouldPropose(a, scope):
		return Propose
	default:
		return Skip
	}
}

// Engine holds the current snapshot. Readers take a snapshot and use it for the whole plan.
// Levels set by humans at runtime are layered over the file config and
// survive reloads of it.
type Engine struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
	file    config.AutonomyConfig
	runtime map[string]Level
}

// Change is one level set by a human, as kept in the audit trail.
type Change struct {
	Scope string
	Level Level
}

// NewEngine builds an engine from the autonomy section of cfg.
func NewEngine(cfg config.AutonomyConfig) (*Engine, error) {
	snap, err := snapshotFrom(cfg, 1)
	if err != nil {
		return nil, err
	}
	e := &Engine{file: cfg, runtime: make(map[string]Level)}
	e.current.Store(snap)
	return e, nil
}

// Validate reports whether cfg would load, without touching any engine.
func Validate(cfg config.AutonomyConfig) error {
	_, err := snapshotFrom(cfg, 0)
	return err
}

func snapshotFrom(cfg config.AutonomyConfig, version uint64) (*Snapshot, error) {
	global, err := ParseLevel(cfg.Global)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Version:     version,
		Global:      global,
		Overrides:   make(map[string]Level, len(cfg.Overrides)),
		PreApproved: make(map[string][]action.Name, len(cfg.PreApproved)),
	}
	for p, l := range cfg.Overrides {
		lvl, err := ParseLevel(l)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", p, err)
		}
		snap.Overrides[p] = lvl
	}
	for p, names := range cfg.PreApproved {
		for _, n := range names {
			snap.PreApproved[p] = append(snap.PreApproved[p], action.Name(n))
		}
	}
	return snap, nil
}

// rebuild derives the next snapshot from the file config and the runtime levels.
// Callers hold e.mu.
func (e *Engine) rebuild() (*Snapshot, error) {
	snap, err := snapshotFrom(e.file, e.Snapshot().Version+1)
	if err != nil {
		return nil, err
	}
	for scope, l := range e.runtime {
		if scope == GlobalScope {
			snap.Global = l
			continue
		}
		snap.Overrides[scope] = l
	}
	e.current.Store(snap)
	return snap, nil
}

// Snapshot returns the current configuration.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// CanAutoExecute evaluates against the current snapshot.
func (e *Engine) CanAutoExecute(a action.Name, scope graph.ActionScope) bool {
	return e.Snapshot().CanAutoExecute(a, scope)
}

// ShouldPropose evaluates against the current snapshot.
func (e *Engine) ShouldPropose(a action.Name, scope graph.ActionScope) bool {
	return e.Snapshot().ShouldPropose(a, scope)
}

// Reload swaps in a new snapshot built from cfg, e.g. after a config file reload.
// Levels set at runtime stay in force.
func (e *Engine) Reload(cfg config.AutonomyConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file = cfg
	_, err := e.rebuild()
	return err
}

// Restore replays levels recorded before a restart, oldest first.
func (e *Engine) Restore(changes []Change) error {
	runtime := make(map[string]Level, len(changes))
	for _, c := range changes {
		if _, err := ParseLevel(string(c.Level)); err != nil {
			return fmt.Errorf("restore %s: %w", c.Scope, err)
		}
		runtime[normalizeScope(c.Scope)] = c.Level
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	maps.Copy(e.runtime, runtime)
	_, err := e.rebuild()
	return err
}

// SetLevel changes the level for scope ("global" or a project id) on behalf of actor.
// The change applies to new plans; in-flight plans keep the snapshot they started with.
func (e *Engine) SetLevel(actor, scope string, level Level) (*Snapshot, error) {
	if actor == "" {
		return nil, ErrHumanRequired
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.runtime[normalizeScope(scope)] = level
	return e.rebuild()
}

func normalizeScope(scope string) string {
	if scope == "" {
		return GlobalScope
	}
	return scope
}
