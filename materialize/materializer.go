package materialize

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/cursors"
	"go.driftlog.dev/core/sqlplan"
)

// Materializer maintains declared materializations over a Store.
// Refreshes of a single target are exclusive; refreshes of independent
// targets may run in parallel (see package scheduler).
type Materializer struct {
	store *changelog.Store
	curs  *cursors.Manager

	// RefreshBudget bounds the wall-clock duration of a single refresh
	// attempt. A refresh exceeding it is cancelled and the spec reported
	// stale, with a retry at the next tick. Zero means unbounded.
	RefreshBudget time.Duration
	// RetryBackoff is the initial backoff applied to transient refresh
	// failures. It doubles per retry.
	RetryBackoff time.Duration
	// MaxRetries bounds transient retries of a single Refresh call.
	MaxRetries int

	mu    sync.RWMutex
	specs map[changelog.Table]*materialization
}

// materialization is the runtime of one Spec.
type materialization struct {
	spec      Spec
	initMode  InitMode
	strategy  sqlplan.Strategy
	cursorIDs map[changelog.Table]string

	mu              sync.Mutex // Serializes refresh and state transitions.
	state           State
	suspended       bool
	lastRefreshedAt time.Time
	replicas        map[changelog.Table]*multiset
	exec            *execNode
	out             *multiset
	result          atomic.Value // resultSnapshot
}

type resultSnapshot struct {
	rows        []changelog.Row
	refreshedAt time.Time
}

// NewMaterializer returns a Materializer over the Store and its cursors.
func NewMaterializer(store *changelog.Store, curs *cursors.Manager) *Materializer {
	return &Materializer{
		store:        store,
		curs:         curs,
		RetryBackoff: time.Millisecond * 100,
		MaxRetries:   3,
		specs:        make(map[changelog.Table]*materialization),
	}
}

// Initialize declares a materialization of |spec|. With InitOnCreate a
// full compute runs immediately; with InitOnSchedule the materialization
// remains uninitialized until its first scheduled refresh. The target's
// change log is enabled for tracking, and its output deltas are recorded
// there so that dependent materializations consume the target exactly as
// they would a base table.
func (m *Materializer) Initialize(ctx context.Context, spec Spec, initMode InitMode) error {
	if err := spec.Validate(); err != nil {
		return errors.WithMessagef(err, "spec %s", spec.Target)
	}

	var strategy = sqlplan.Classify(spec.Query)
	switch spec.RefreshMode {
	case RefreshFull:
		strategy = sqlplan.Full{Reason: "forced by refresh mode"}
	case RefreshIncremental:
		if full, ok := strategy.(sqlplan.Full); ok {
			return errors.WithMessagef(ErrUnsupportedIncrementalPlan,
				"spec %s: %s", spec.Target, full.Reason)
		}
	}

	var sources = sqlplan.Sources(spec.Query)
	for _, src := range sources {
		if !m.store.IsTracked(src) {
			return errors.WithMessagef(changelog.ErrUntrackedTable, "source %s", src)
		}
	}

	var mat = &materialization{
		spec:      spec,
		initMode:  initMode,
		strategy:  strategy,
		cursorIDs: make(map[changelog.Table]string, len(sources)),
		state:     StateUninitialized,
		replicas:  make(map[changelog.Table]*multiset, len(sources)),
		out:       newMultiset(),
	}
	if _, ok := strategy.(sqlplan.Incremental); ok {
		mat.exec = buildExec(spec.Query)
	}

	m.mu.Lock()
	if _, ok := m.specs[spec.Target]; ok {
		m.mu.Unlock()
		return errors.WithMessagef(ErrSpecExists, "spec %s", spec.Target)
	}

	// Baseline a cursor at position zero of each source: the full
	// change history of each source is the materialization's input.
	var err error
	for _, src := range sources {
		var id = fmt.Sprintf("materialize/%s/%s", spec.Target, src)
		if _, err = m.curs.CreateAt(src, changelog.ModeDefault, nil, id, 0); err != nil {
			break
		}
		mat.cursorIDs[src] = id
		mat.replicas[src] = newMultiset()
	}
	if err != nil {
		for _, id := range mat.cursorIDs {
			_ = m.curs.Drop(id)
		}
		m.mu.Unlock()
		return errors.WithMessagef(err, "baselining spec %s", spec.Target)
	}

	m.store.EnableTracking(spec.Target)
	m.specs[spec.Target] = mat
	m.mu.Unlock()

	if initMode == InitOnCreate {
		return m.Refresh(ctx, spec.Target)
	}
	return nil
}

func (m *Materializer) lookup(target changelog.Table) (*materialization, error) {
	defer m.mu.RUnlock()
	m.mu.RLock()

	var mat, ok = m.specs[target]
	if !ok {
		return nil, errors.WithMessagef(ErrSpecNotFound, "spec %s", target)
	}
	return mat, nil
}

// Refresh brings the materialization current with its sources, retrying
// transient failures with doubling backoff. On success the target is
// FRESH and its result reflects all source changes through the refresh's
// source head snapshots.
func (m *Materializer) Refresh(ctx context.Context, target changelog.Table) error {
	var mat, err = m.lookup(target)
	if err != nil {
		return err
	}

	for attempt := 0; true; attempt++ {
		if err = m.refreshOnce(ctx, mat); err == nil || !IsTransient(err) || attempt >= m.MaxRetries {
			return err
		}

		var backoff = m.RetryBackoff << uint(attempt)
		log.WithFields(log.Fields{
			"target":  target,
			"attempt": attempt,
			"backoff": backoff,
			"err":     err,
		}).Warn("transient refresh failure; retrying")

		select {
		case <-time.After(backoff):
			// Pass.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	panic("not reached")
}

func (m *Materializer) refreshOnce(ctx context.Context, mat *materialization) (err error) {
	defer mat.mu.Unlock()
	mat.mu.Lock()

	if mat.suspended {
		return errors.WithMessagef(ErrSuspended, "spec %s", mat.spec.Target)
	}

	var prior = mat.state
	if prior == StateUninitialized {
		mat.state = StateInitializing
	} else {
		mat.state = StateRefreshing
	}
	defer func() {
		if err == nil {
			return
		}
		// A failed or cancelled refresh never exposes a partial result:
		// the spec returns to UNINITIALIZED or is reported STALE for
		// retry at the next tick.
		if prior == StateUninitialized {
			mat.state = StateUninitialized
		} else {
			mat.state = StateStale
		}
		refreshesTotal.WithLabelValues(
			string(mat.spec.Target), strategyName(mat.strategy), "fail").Inc()
	}()

	if m.RefreshBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.RefreshBudget)
		defer cancel()
	}
	var start = timeNow()

	// Read phase: collect each source's delta range through a head
	// snapshot. This phase observes cancellation; the commit phase
	// below does not, and runs as an atomic swap-in.
	var bounds = make(map[changelog.Table]changelog.SeqPosition, len(mat.cursorIDs))
	var deltas = make(map[changelog.Table][]delta, len(mat.cursorIDs))

	for src, cid := range mat.cursorIDs {
		if err = ctx.Err(); err != nil {
			return errors.WithMessagef(err, "refresh of %s", mat.spec.Target)
		}

		var head changelog.SeqPosition
		if head, err = m.store.HeadPosition(src); err != nil {
			return err
		}
		var it changelog.Iterator
		if it, err = m.curs.Peek(cid, cursors.BoundAt(head)); err != nil {
			return errors.WithMessagef(err, "reading deltas of %s", src)
		}
		var recs []changelog.ChangeRecord
		if recs, err = changelog.Drain(it); err != nil {
			return errors.WithMessagef(err, "reading deltas of %s", src)
		}

		for _, rec := range recs {
			var sign = 1
			if rec.Op == changelog.OpDelete {
				sign = -1
			}
			deltas[src] = append(deltas[src], delta{row: rec.Payload, sign: sign})
		}
		bounds[src] = head
	}

	if refreshTestHook != nil {
		if err = refreshTestHook(mat.spec.Target); err != nil {
			return err
		}
	}
	if err = ctx.Err(); err != nil {
		return errors.WithMessagef(err, "refresh of %s", mat.spec.Target)
	}

	// Commit phase.
	var outDeltas []delta
	if _, ok := mat.strategy.(sqlplan.Incremental); ok {
		outDeltas = mat.exec.applyDeltas(deltas)
		for _, d := range outDeltas {
			mat.out.add(d.row, d.sign)
		}
		applyToReplicas(mat.replicas, deltas)
	} else {
		applyToReplicas(mat.replicas, deltas)
		var next = evalFull(mat.spec.Query, mat.replicas)
		outDeltas = mat.out.diff(next)
		mat.out = next
	}

	// Record output deltas to the target's own change log, making them
	// consumable by downstream materializations and cursors.
	for _, d := range outDeltas {
		var op, n = changelog.OpInsert, d.sign
		if n < 0 {
			op, n = changelog.OpDelete, -n
		}
		for i := 0; i < n; i++ {
			if _, err = m.store.Append(mat.spec.Target, op, d.row, false, canonicalKey(d.row)); err != nil {
				return errors.WithMessagef(err, "recording output delta of %s", mat.spec.Target)
			}
		}
	}

	// Swap in the complete result.
	var rows = mat.out.snapshot()
	mat.result.Store(resultSnapshot{rows: rows, refreshedAt: timeNow()})
	resultRowsGauge.WithLabelValues(string(mat.spec.Target)).Set(float64(len(rows)))

	// Acknowledge exactly the read bounds: records appended to a source
	// after its head snapshot remain unconsumed for the next refresh.
	for src, cid := range mat.cursorIDs {
		if _, err = m.curs.AdvanceTo(cid, bounds[src]); err != nil {
			return errors.WithMessagef(err, "advancing cursor of %s", src)
		}
	}

	mat.state = StateFresh
	mat.lastRefreshedAt = timeNow()

	refreshesTotal.WithLabelValues(
		string(mat.spec.Target), strategyName(mat.strategy), "ok").Inc()
	refreshDurationSeconds.WithLabelValues(
		string(mat.spec.Target)).Observe(timeNow().Sub(start).Seconds())
	return nil
}

func applyToReplicas(replicas map[changelog.Table]*multiset, deltas map[changelog.Table][]delta) {
	for src, ds := range deltas {
		for _, d := range ds {
			replicas[src].add(d.row, d.sign)
		}
	}
}

// EvaluateStaleness returns whether the materialization is due for a
// scheduled refresh at |now|: an upstream source has appended changes
// since the last refresh, and the target lag has elapsed. Suspended and
// DOWNSTREAM-lag materializations are never due on their own schedule.
func (m *Materializer) EvaluateStaleness(target changelog.Table, now time.Time) (bool, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return false, err
	}

	defer mat.mu.Unlock()
	mat.mu.Lock()

	if mat.suspended || mat.spec.Lag.Downstream {
		return false, nil
	}
	if mat.state == StateUninitialized {
		return false, nil // First runs are driven by PendingFirstRefresh.
	}
	if !m.sourcesAdvanced(mat) {
		return false, nil
	}
	return now.Sub(mat.lastRefreshedAt) >= mat.spec.Lag.Duration, nil
}

// StaleForDependent returns whether the materialization must refresh
// before a dependent's refresh may proceed: it is uninitialized, or an
// upstream source has advanced past its consumed positions.
func (m *Materializer) StaleForDependent(target changelog.Table) (bool, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return false, err
	}

	defer mat.mu.Unlock()
	mat.mu.Lock()

	if mat.suspended {
		return false, nil
	}
	return mat.state == StateUninitialized || m.sourcesAdvanced(mat), nil
}

// sourcesAdvanced requires mat.mu.
func (m *Materializer) sourcesAdvanced(mat *materialization) bool {
	for src, cid := range mat.cursorIDs {
		var c, err = m.curs.Get(cid)
		if err != nil {
			continue
		}
		if head, err := m.store.HeadPosition(src); err == nil && c.Position() < head {
			return true
		}
	}
	return false
}

// PendingFirstRefresh returns whether the materialization awaits its
// first scheduled compute.
func (m *Materializer) PendingFirstRefresh(target changelog.Table) (bool, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return false, err
	}

	defer mat.mu.Unlock()
	mat.mu.Lock()
	return mat.state == StateUninitialized && mat.initMode == InitOnSchedule && !mat.suspended, nil
}

// Suspend pauses refreshes of the materialization. Its current result
// remains readable.
func (m *Materializer) Suspend(target changelog.Table) error {
	var mat, err = m.lookup(target)
	if err != nil {
		return err
	}

	defer mat.mu.Unlock()
	mat.mu.Lock()
	mat.suspended = true
	return nil
}

// Resume re-enables refreshes. Staleness evaluation resumes from the
// materialization's current source positions under the normal staleness
// check; no special backlog processing occurs.
func (m *Materializer) Resume(target changelog.Table) error {
	var mat, err = m.lookup(target)
	if err != nil {
		return err
	}

	defer mat.mu.Unlock()
	mat.mu.Lock()
	mat.suspended = false
	return nil
}

// Rows returns the materialization's current complete result. Readers
// of a refreshing target observe its prior result. Rows fails with
// ErrNotInitialized before the first completed compute. The returned
// rows must not be modified.
func (m *Materializer) Rows(target changelog.Table) ([]changelog.Row, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return nil, err
	}

	var v = mat.result.Load()
	if v == nil {
		return nil, errors.WithMessagef(ErrNotInitialized, "spec %s", target)
	}
	return v.(resultSnapshot).rows, nil
}

// Drop removes the materialization and its baseline cursors. Change
// tracking of the target remains enabled: dependent materializations
// retain their consumed history.
func (m *Materializer) Drop(target changelog.Table) error {
	m.mu.Lock()
	var mat, ok = m.specs[target]
	if !ok {
		m.mu.Unlock()
		return errors.WithMessagef(ErrSpecNotFound, "spec %s", target)
	}
	delete(m.specs, target)
	m.mu.Unlock()

	for _, id := range mat.cursorIDs {
		_ = m.curs.Drop(id)
	}
	return nil
}

// SpecOf returns the declared Spec of the target.
func (m *Materializer) SpecOf(target changelog.Table) (Spec, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return Spec{}, err
	}
	return mat.spec, nil
}

// StatusOf returns the current Status of the target.
func (m *Materializer) StatusOf(target changelog.Table) (Status, error) {
	var mat, err = m.lookup(target)
	if err != nil {
		return Status{}, err
	}
	return m.statusOf(mat), nil
}

func (m *Materializer) statusOf(mat *materialization) Status {
	defer mat.mu.Unlock()
	mat.mu.Lock()

	return Status{
		Target:          mat.spec.Target,
		State:           mat.state,
		Suspended:       mat.suspended,
		LastRefreshedAt: mat.lastRefreshedAt,
		Lag:             mat.spec.Lag,
		RefreshMode:     mat.spec.RefreshMode,
		Strategy:        strategyName(mat.strategy),
	}
}

// Specs returns Statuses of all materializations, ordered by target.
func (m *Materializer) Specs() []Status {
	m.mu.RLock()
	var mats = make([]*materialization, 0, len(m.specs))
	for _, mat := range m.specs {
		mats = append(mats, mat)
	}
	m.mu.RUnlock()

	var out = make([]Status, 0, len(mats))
	for _, mat := range mats {
		out = append(out, m.statusOf(mat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func strategyName(s sqlplan.Strategy) string {
	if _, ok := s.(sqlplan.Incremental); ok {
		return "incremental"
	}
	return "full"
}

var (
	timeNow         = time.Now
	refreshTestHook func(changelog.Table) error
)
