// Package graph builds the project dependency DAG and answers reachability
// and blast-radius questions over it.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/registry"
)

// Graph is a read-only DAG over project ids. Edges point from a project to the
// projects it depends on. Built once per registry version.
type Graph struct {
	reg        *registry.Registry
	upstream   map[string][]string
	downstream map[string][]string
	order      []string
	rank       map[string]int

	mu    sync.Mutex
	cache map[cacheKey][]string
}

type cacheKey struct {
	query   string
	project string
}

// New builds the graph using Kahn's algorithm. A cycle returns *errs.CycleError,
// which matches both errs.ErrDependencyCycle and errs.ErrConfiguration.
func New(reg *registry.Registry) (*Graph, error) {
	ids := reg.IDs()
	g := &Graph{
		reg:        reg,
		upstream:   make(map[string][]string, len(ids)),
		downstream: make(map[string][]string, len(ids)),
		rank:       make(map[string]int, len(ids)),
		cache:      make(map[cacheKey][]string),
	}

	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		p, _ := reg.Get(id)
		deps := append([]string(nil), p.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := reg.Get(dep); !ok {
				return nil, errs.Configf("project %q depends on unknown project %q", id, dep)
			}
			g.downstream[dep] = append(g.downstream[dep], id)
		}
		g.upstream[id] = deps
		inDegree[id] = len(deps)
	}
	for _, dependents := range g.downstream {
		sort.Strings(dependents)
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.rank[id] = len(g.order)
		g.order = append(g.order, id)
		for _, dependent := range g.downstream[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(g.order) != len(ids) {
		return nil, &errs.CycleError{Path: g.findCycle(ids, inDegree)}
	}
	return g, nil
}

// findCycle walks dependency edges from nodes left with in-degree and returns the first loop.
func (g *Graph) findCycle(ids []string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range g.upstream[node] {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white && dfs(id) {
			return path
		}
	}
	return []string{"(cycle detected)"}
}

// Registry returns the registry the graph was built from.
func (g *Graph) Registry() *registry.Registry { return g.reg }

// Version is the registry version the graph was built from.
func (g *Graph) Version() uint64 { return g.reg.Version() }

// TopoOrder returns every project, dependencies first. Ties are broken by id.
func (g *Graph) TopoOrder() []string {
	return append([]string(nil), g.order...)
}

// Upstream returns every project id transitively depended on by id, in topological order.
func (g *Graph) Upstream(id string) []string {
	return g.reach("upstream", id, g.upstream)
}

// Downstream returns every project that transitively depends on id, in topological order.
func (g *Graph) Downstream(id string) []string {
	return g.reach("downstream", id, g.downstream)
}

// AffectedBy returns id followed by everything downstream of it:
// the projects a change to id can reach.
func (g *Graph) AffectedBy(id string) []string {
	if _, ok := g.reg.Get(id); !ok {
		return nil
	}
	return append([]string{id}, g.Downstream(id)...)
}

func (g *Graph) reach(query, id string, edges map[string][]string) []string {
	key := cacheKey{query: query, project: id}
	g.mu.Lock()
	if cached, ok := g.cache[key]; ok {
		g.mu.Unlock()
		return append([]string(nil), cached...)
	}
	g.mu.Unlock()

	seen := map[string]bool{id: true}
	stack := append([]string(nil), edges[id]...)
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, edges[n]...)
	}
	sort.Slice(out, func(i, j int) bool { return g.rank[out[i]] < g.rank[out[j]] })

	g.mu.Lock()
	g.cache[key] = out
	g.mu.Unlock()
	return append([]string(nil), out...)
}

// String renders the edges for debugging.
func (g *Graph) String() string {
	s := ""
	for _, id := range g.order {
		s += fmt.Sprintf("%s <- %v\n", id, g.upstream[id])
	}
	return s
}
