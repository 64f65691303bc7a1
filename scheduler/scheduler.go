package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"go.driftlog.dev/core/async"
	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/materialize"
	"go.driftlog.dev/core/sqlplan"
)

var (
	// ErrCycleDetected is returned by AddSpec where the spec would close
	// a dependency cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")
	// ErrHasDependents is returned by DropSpec where other
	// materializations read the target.
	ErrHasDependents = errors.New("target has dependent materializations")
	// errUpstreamFailed marks a refresh skipped because an upstream
	// refresh of the same tick failed.
	errUpstreamFailed = errors.New("upstream refresh failed")
)

// Scheduler owns the dependency graph of materializations registered
// through it, and refreshes due targets on each ScheduleTick.
type Scheduler struct {
	mat *materialize.Materializer
	// Workers bounds the number of concurrently running refreshes.
	Workers int64

	mu sync.Mutex
	// deps maps a target to the tables it reads, materialized or not.
	// Only targets appear as keys.
	deps map[changelog.Table][]changelog.Table
	// dependents is the inverse of deps.
	dependents map[changelog.Table][]changelog.Table
}

// NewScheduler returns a Scheduler over |mat| running at most |workers|
// refreshes concurrently.
func NewScheduler(mat *materialize.Materializer, workers int64) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		mat:        mat,
		Workers:    workers,
		deps:       make(map[changelog.Table][]changelog.Table),
		dependents: make(map[changelog.Table][]changelog.Table),
	}
}

// AddSpec registers |spec| with the graph and initializes it. The spec
// is rejected with ErrCycleDetected if any of its sources transitively
// reads |spec.Target|.
func (s *Scheduler) AddSpec(ctx context.Context, spec materialize.Spec, initMode materialize.InitMode) error {
	if err := spec.Validate(); err != nil {
		return errors.WithMessagef(err, "spec %s", spec.Target)
	}
	s.mu.Lock()

	// Reject a duplicate target before touching the graph: a failed
	// re-registration must not disturb the live spec's edges.
	if _, ok := s.deps[spec.Target]; ok {
		s.mu.Unlock()
		return errors.WithMessagef(materialize.ErrSpecExists, "spec %s", spec.Target)
	}

	// Edges include base-table sources: a later spec may target a table
	// which an earlier spec reads, and must still be rejected as a cycle.
	var sources = sqlplan.Sources(spec.Query)
	for _, src := range sources {
		if s.reaches(src, spec.Target) {
			s.mu.Unlock()
			return errors.WithMessagef(ErrCycleDetected,
				"spec %s: source %s reads it transitively", spec.Target, src)
		}
	}

	s.deps[spec.Target] = sources
	for _, src := range sources {
		s.dependents[src] = append(s.dependents[src], spec.Target)
	}
	graphNodesGauge.Set(float64(len(s.deps)))
	s.mu.Unlock()

	if err := s.mat.Initialize(ctx, spec, initMode); err != nil {
		s.removeNode(spec.Target)
		return err
	}
	return nil
}

// DropSpec removes the target from the graph and the Materializer. It
// fails with ErrHasDependents while other materializations read it.
func (s *Scheduler) DropSpec(target changelog.Table) error {
	s.mu.Lock()
	if _, ok := s.deps[target]; !ok {
		s.mu.Unlock()
		return errors.WithMessagef(materialize.ErrSpecNotFound, "spec %s", target)
	}
	if len(s.dependents[target]) != 0 {
		s.mu.Unlock()
		return errors.WithMessagef(ErrHasDependents, "spec %s", target)
	}
	s.mu.Unlock()

	if err := s.mat.Drop(target); err != nil {
		return err
	}
	s.removeNode(target)
	return nil
}

func (s *Scheduler) removeNode(target changelog.Table) {
	defer s.mu.Unlock()
	s.mu.Lock()

	for _, src := range s.deps[target] {
		var kept = s.dependents[src][:0]
		for _, d := range s.dependents[src] {
			if d != target {
				kept = append(kept, d)
			}
		}
		s.dependents[src] = kept
	}
	delete(s.deps, target)
	delete(s.dependents, target)
	graphNodesGauge.Set(float64(len(s.deps)))
}

// reaches requires s.mu, and returns whether |to| is reachable from
// |from| along dependency edges.
func (s *Scheduler) reaches(from, to changelog.Table) bool {
	if from == to {
		return true
	}
	for _, next := range s.deps[from] {
		if s.reaches(next, to) {
			return true
		}
	}
	return false
}

// TickResult summarizes one ScheduleTick.
type TickResult struct {
	// Refreshed are targets refreshed successfully this tick.
	Refreshed []changelog.Table
	// Failed are targets whose refresh returned an error.
	Failed []changelog.Table
	// Skipped are targets not attempted because an upstream of the same
	// tick failed. They retry at the next tick.
	Skipped []changelog.Table
}

// ScheduleTick evaluates staleness of every registered target at |now|
// and refreshes due targets in dependency order. Upstreams with
// downstream-driven lag are pulled in ahead of their due dependents.
// Independent branches run in parallel, bounded by Workers. A failed
// refresh skips the failing target's due dependents; they are retried
// at the next tick.
func (s *Scheduler) ScheduleTick(ctx context.Context, now time.Time) (TickResult, error) {
	ticksTotal.Inc()

	s.mu.Lock()
	var deps = make(map[changelog.Table][]changelog.Table, len(s.deps))
	for t, d := range s.deps {
		deps[t] = append([]changelog.Table(nil), d...)
	}
	s.mu.Unlock()

	// Collect targets due on their own schedule.
	var due = make(map[changelog.Table]bool)
	for target := range deps {
		if pending, err := s.mat.PendingFirstRefresh(target); err == nil && pending {
			due[target] = true
			continue
		}
		if stale, err := s.mat.EvaluateStaleness(target, now); err == nil && stale {
			due[target] = true
		}
	}

	// Pull in downstream-lagged upstreams of due targets: they refresh
	// only when a dependent does, and must run first.
	var expand func(target changelog.Table)
	expand = func(target changelog.Table) {
		for _, src := range deps[target] {
			if due[src] {
				continue
			}
			spec, err := s.mat.SpecOf(src)
			if err != nil || !spec.Lag.Downstream {
				continue
			}
			if stale, err := s.mat.StaleForDependent(src); err == nil && stale {
				due[src] = true
				expand(src)
			}
		}
	}
	for target := range due {
		expand(target)
	}

	var order = topoSort(due, deps)

	// Launch one goroutine per due target. Each waits on its due
	// upstreams' outcomes, then refreshes under the worker semaphore.
	var (
		sem     = semaphore.NewWeighted(s.Workers)
		ops     = make(map[changelog.Table]*async.Op, len(order))
		mu      sync.Mutex
		result  TickResult
		skipped = make(map[changelog.Table]bool)
	)
	for _, target := range order {
		ops[target] = async.NewOp()
	}
	for _, target := range order {
		go func(target changelog.Table) {
			var op = ops[target]

			for _, src := range deps[target] {
				var upOp, ok = ops[src]
				if !ok {
					continue // Not due this tick.
				}
				<-upOp.Done()
				if upOp.Err() != nil {
					mu.Lock()
					result.Skipped = append(result.Skipped, target)
					skipped[target] = true
					mu.Unlock()

					scheduledTotal.WithLabelValues("skipped").Inc()
					log.WithFields(log.Fields{"target": target, "upstream": src}).
						Warn("skipping refresh; upstream failed")
					op.Resolve(errors.WithMessagef(errUpstreamFailed, "upstream %s", src))
					return
				}
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				op.Resolve(err)
				return
			}
			var err = s.mat.Refresh(ctx, target)
			sem.Release(1)

			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, target)
			} else {
				result.Refreshed = append(result.Refreshed, target)
			}
			mu.Unlock()

			if err != nil {
				scheduledTotal.WithLabelValues("fail").Inc()
				log.WithFields(log.Fields{"target": target, "err": err}).
					Warn("scheduled refresh failed")
			} else {
				scheduledTotal.WithLabelValues("ok").Inc()
			}
			op.Resolve(err)
		}(target)
	}
	for _, target := range order {
		<-ops[target].Done()
	}

	sortTables(result.Refreshed)
	sortTables(result.Failed)
	sortTables(result.Skipped)
	return result, ctx.Err()
}

// RefreshNow refreshes the target on demand, first refreshing any of its
// stale upstream materializations in dependency order.
func (s *Scheduler) RefreshNow(ctx context.Context, target changelog.Table) error {
	s.mu.Lock()
	var deps = make(map[changelog.Table][]changelog.Table, len(s.deps))
	for t, d := range s.deps {
		deps[t] = append([]changelog.Table(nil), d...)
	}
	s.mu.Unlock()

	if _, ok := deps[target]; !ok {
		return errors.WithMessagef(materialize.ErrSpecNotFound, "spec %s", target)
	}

	var refresh func(target changelog.Table) error
	refresh = func(target changelog.Table) error {
		for _, src := range deps[target] {
			if _, ok := deps[src]; !ok {
				continue // Base table.
			}
			var stale, err = s.mat.StaleForDependent(src)
			if err != nil {
				return err
			}
			if stale {
				if err = refresh(src); err != nil {
					return errors.WithMessagef(err, "refreshing upstream %s", src)
				}
			}
		}
		return s.mat.Refresh(ctx, target)
	}
	return refresh(target)
}

// topoSort orders |due| targets such that every target follows its due
// dependencies. |deps| is acyclic by construction of AddSpec.
func topoSort(due map[changelog.Table]bool, deps map[changelog.Table][]changelog.Table) []changelog.Table {
	var (
		order   []changelog.Table
		visited = make(map[changelog.Table]bool)
		visit   func(target changelog.Table)
	)
	visit = func(target changelog.Table) {
		if visited[target] || !due[target] {
			return
		}
		visited[target] = true
		for _, src := range deps[target] {
			visit(src)
		}
		order = append(order, target)
	}

	var all = make([]changelog.Table, 0, len(due))
	for target := range due {
		all = append(all, target)
	}
	sortTables(all)
	for _, target := range all {
		visit(target)
	}
	return order
}

func sortTables(tables []changelog.Table) {
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
}
