package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/foreman/internal/clock"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/errs"
	"github.com/mattjoyce/foreman/internal/metrics"
)

// builtinTable applies when the configured table has no entry for a task type.
var builtinTable = map[string]Tier{
	"formatting":        Local,
	"mechanical":        Local,
	"docs":              Local,
	"implement":         CloudFast,
	"review":            CloudFast,
	"architecture":      CloudHeavy,
	"complex-debugging": CloudHeavy,
}

type snapshot struct {
	version       uint64
	tiers         map[Tier][]Endpoint
	table         map[string]Tier
	defaultTier   Tier
	healthTimeout time.Duration
	slotWait      time.Duration
}

type healthEntry struct {
	healthy   bool
	checkedAt time.Time
	err       string
}

type slot struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// Router selects healthy endpoints and bounds concurrent use of each.
type Router struct {
	snap    atomic.Pointer[snapshot]
	checker HealthChecker
	clock   clock.Clock
	logger  *slog.Logger
	flight  singleflight.Group

	healthMu sync.RWMutex
	health   map[string]healthEntry

	slotsMu sync.Mutex
	slots   map[string]*slot
}

// New builds a router from the models and routing sections of cfg.
func New(cfg *config.Config, checker HealthChecker, clk clock.Clock, logger *slog.Logger) (*Router, error) {
	r := &Router{
		checker: checker,
		clock:   clk,
		logger:  logger,
		health:  make(map[string]healthEntry),
		slots:   make(map[string]*slot),
	}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate reports whether cfg would load, without touching the router.
func Validate(cfg *config.Config) error {
	_, err := build(cfg, 0)
	return err
}

func build(cfg *config.Config, version uint64) (*snapshot, error) {
	next := &snapshot{
		version:       version,
		tiers:         make(map[Tier][]Endpoint),
		table:         make(map[string]Tier),
		healthTimeout: cfg.Routing.HealthTimeout,
		slotWait:      cfg.Routing.SlotWait,
	}
	dt, err := ParseTier(cfg.Routing.DefaultTier)
	if err != nil {
		return nil, errs.Configf("routing.default_tier: %v", err)
	}
	next.defaultTier = dt
	for key, t := range cfg.Routing.Table {
		tier, err := ParseTier(t)
		if err != nil {
			return nil, errs.Configf("routing.table[%s]: %v", key, err)
		}
		next.table[strings.ToLower(key)] = tier
	}

	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := cfg.Models[name]
		tier, err := ParseTier(m.Tier)
		if err != nil {
			return nil, errs.Configf("model %s: %v", name, err)
		}
		next.tiers[tier] = append(next.tiers[tier], Endpoint{
			Name:              name,
			Address:           m.Address,
			Backend:           m.Backend,
			Model:             m.Model,
			Tier:              tier,
			Concurrency:       max(m.Concurrency, 1),
			HealthCheckTarget: m.HealthCheckTarget,
			APIKey:            m.APIKey,
		})
	}
	return next, nil
}

// Reload swaps in a new endpoint set. Callers holding slots keep them until release.
func (r *Router) Reload(cfg *config.Config) error {
	version := uint64(1)
	if old := r.snap.Load(); old != nil {
		version = old.version + 1
	}
	next, err := build(cfg, version)
	if err != nil {
		return err
	}
	r.snap.Store(next)

	r.healthMu.Lock()
	for name := range r.health {
		if _, ok := cfg.Models[name]; !ok {
			delete(r.health, name)
		}
	}
	r.healthMu.Unlock()
	return nil
}

// SelectTier maps a task to its preferred tier. A "<type>/<complexity>" table entry beats
// a "<type>" entry, which beats the built-in table; otherwise complexity decides.
func (r *Router) SelectTier(taskType string, complexity Complexity) Tier {
	s := r.snap.Load()
	tt := strings.ToLower(taskType)
	if t, ok := s.table[tt+"/"+string(complexity)]; ok {
		return t
	}
	if t, ok := s.table[tt]; ok {
		return t
	}
	if t, ok := builtinTable[tt]; ok {
		return t
	}
	switch complexity {
	case Complex:
		return CloudHeavy
	case Moderate:
		return CloudFast
	}
	return s.defaultTier
}

// SelectEndpoint returns a healthy endpoint for the task, falling back up the tier
// chain first and down it last. Fails with errs.ErrNoHealthyEndpoint when every tier is exhausted.
func (r *Router) SelectEndpoint(ctx context.Context, taskType string, complexity Complexity) (Selection, error) {
	preferred := r.SelectTier(taskType, complexity)
	return r.selectFrom(ctx, preferred, FallbackOrder(preferred))
}

// FallbackOrder lists the tiers tried for preferred: itself, then every more
// capable tier, then the cheaper ones nearest first.
func FallbackOrder(preferred Tier) []Tier {
	at := slices.Index(Precedence, preferred)
	if at < 0 {
		return slices.Clone(Precedence)
	}
	order := []Tier{preferred}
	order = append(order, Precedence[at+1:]...)
	for i := at - 1; i >= 0; i-- {
		order = append(order, Precedence[i])
	}
	return order
}

// SelectForced returns a healthy endpoint from exactly tier, bypassing the task table.
func (r *Router) SelectForced(ctx context.Context, tier Tier) (Selection, error) {
	return r.selectFrom(ctx, tier, []Tier{tier})
}

func (r *Router) selectFrom(ctx context.Context, preferred Tier, order []Tier) (Selection, error) {
	s := r.snap.Load()
	for _, tier := range order {
		for _, ep := range s.tiers[tier] {
			if err := ctx.Err(); err != nil {
				return Selection{}, err
			}
			if r.isHealthy(ctx, s, ep) {
				sel := Selection{Endpoint: ep, Preferred: preferred, Fallback: tier != preferred}
				metrics.RecordSelection(string(tier), ep.Name, sel.Fallback)
				if sel.Fallback {
					r.logger.Info("router fell back to another tier", "preferred", preferred, "tier", tier, "endpoint", ep.Name)
				}
				return sel, nil
			}
		}
	}
	metrics.RecordRouterError("no_healthy_endpoint")
	return Selection{}, fmt.Errorf("%w: tiers tried %v", errs.ErrNoHealthyEndpoint, order)
}

// isHealthy reads the cache; endpoints never checked are checked once on demand.
func (r *Router) isHealthy(ctx context.Context, s *snapshot, ep Endpoint) bool {
	r.healthMu.RLock()
	entry, ok := r.health[ep.Name]
	r.healthMu.RUnlock()
	if ok {
		return entry.healthy
	}

	v, _, _ := r.flight.Do(ep.Name, func() (any, error) {
		return r.check(ctx, s, ep), nil
	})
	return v.(bool)
}

func (r *Router) check(ctx context.Context, s *snapshot, ep Endpoint) bool {
	pctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	err := r.checker.Check(pctx, ep)

	entry := healthEntry{healthy: err == nil, checkedAt: r.clock.Now()}
	if err != nil {
		entry.err = err.Error()
		r.logger.Debug("endpoint unhealthy", "endpoint", ep.Name, "tier", ep.Tier, "error", err)
	}
	r.healthMu.Lock()
	r.health[ep.Name] = entry
	r.healthMu.Unlock()
	metrics.SetEndpointHealth(string(ep.Tier), ep.Name, entry.healthy)
	return entry.healthy
}

// Refresh checks every endpoint concurrently and updates the cache.
// Registered as a recurring task so selection never waits on the network for known endpoints.
func (r *Router) Refresh(ctx context.Context) error {
	s := r.snap.Load()
	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range Precedence {
		for _, ep := range s.tiers[tier] {
			g.Go(func() error {
				r.check(gctx, s, ep)
				return nil
			})
		}
	}
	return g.Wait()
}

// MarkUnhealthy records a failure observed outside a health check, e.g. a refused inference call.
func (r *Router) MarkUnhealthy(name string, cause error) {
	r.healthMu.Lock()
	r.health[name] = healthEntry{healthy: false, checkedAt: r.clock.Now(), err: cause.Error()}
	r.healthMu.Unlock()
}

func (r *Router) slotFor(ep Endpoint) *slot {
	key := fmt.Sprintf("%s#%d", ep.Name, ep.Concurrency)
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	sl, ok := r.slots[key]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(int64(ep.Concurrency)), capacity: ep.Concurrency}
		r.slots[key] = sl
	}
	return sl
}

// Acquire takes one concurrency slot on ep, waiting at most the configured slot wait.
// It returns errs.ErrPoolTimeout when the wait expires and ctx.Err() when ctx is cancelled.
// The returned release func is safe to call more than once.
func (r *Router) Acquire(ctx context.Context, ep Endpoint) (func(), error) {
	s := r.snap.Load()
	sl := r.slotFor(ep)

	wctx, cancel := context.WithTimeout(ctx, s.slotWait)
	defer cancel()
	if err := sl.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordRouterError("pool_timeout")
		return nil, fmt.Errorf("%w: endpoint %s busy for %s", errs.ErrPoolTimeout, ep.Name, s.slotWait)
	}
	sl.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			sl.inUse.Add(-1)
			sl.sem.Release(1)
		})
	}, nil
}

// Health returns the cached health of every endpoint, grouped by tier in precedence order.
func (r *Router) Health() []TierHealth {
	s := r.snap.Load()
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	out := make([]TierHealth, 0, len(Precedence))
	for _, tier := range Precedence {
		th := TierHealth{Tier: tier, Endpoints: []EndpointHealth{}}
		for _, ep := range s.tiers[tier] {
			e := r.health[ep.Name]
			eh := EndpointHealth{
				Name:      ep.Name,
				Healthy:   e.healthy,
				CheckedAt: e.checkedAt,
				Error:     e.err,
				Capacity:  ep.Concurrency,
			}
			r.slotsMu.Lock()
			if sl, ok := r.slots[fmt.Sprintf("%s#%d", ep.Name, ep.Concurrency)]; ok {
				eh.InUse = int(sl.inUse.Load())
			}
			r.slotsMu.Unlock()
			th.Healthy = th.Healthy || e.healthy
			th.Endpoints = append(th.Endpoints, eh)
		}
		out = append(out, th)
	}
	return out
}

