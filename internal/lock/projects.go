package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ProjectLocks serializes writers per project. Readers never take a lock.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (p *ProjectLocks) get(project string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.locks[project]
	if !ok {
		s = semaphore.NewWeighted(1)
		p.locks[project] = s
	}
	return s
}

// Acquire blocks until the project's write lock is free or ctx ends. The
// returned func releases it and must be called exactly once.
func (p *ProjectLocks) Acquire(ctx context.Context, project string) (func(), error) {
	s := p.get(project)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, nil
}
