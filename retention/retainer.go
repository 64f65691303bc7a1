// Package retention bounds change-log storage growth while protecting
// records needed by outstanding cursors. A Retainer holds per-table
// retention windows and periodically compacts each table to a safe
// floor: the lesser of the window-based time floor and the minimum
// position across active cursors.
//
// A cursor whose consumer has been inactive beyond the window does not
// hold the floor indefinitely: it is marked stale (expiring it) rather
// than silently advanced, and its unconsumed records are reclaimed.
//
// The Retainer is driven by an external scheduler invoking Sweep; it
// runs no background tasks of its own.
package retention

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/cursors"
)

// ErrInvalidRetention is returned by SetRetention of a window exceeding
// the edition-dependent ceiling. The window is rejected outright, never
// silently clamped.
var ErrInvalidRetention = errors.New("retention window exceeds the edition ceiling")

// DefaultMaxWindow is the default edition ceiling on retention windows.
const DefaultMaxWindow = 90 * 24 * time.Hour

var (
	compactionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_compaction_runs_total",
		Help: "Total number of compaction runs, by table and status.",
	}, []string{"table", "status"})
	compactedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_compacted_records_total",
		Help: "Total number of change records removed by compaction, by table.",
	}, []string{"table"})
	retentionFloorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftlog_retention_floor",
		Help: "Sequence floor applied by the most recent compaction of the table.",
	}, []string{"table"})
)

// Retainer enforces per-table retention windows over a Store.
type Retainer struct {
	store   *changelog.Store
	cursors *cursors.Manager
	archive *changelog.Archive

	// MaxWindow is the ceiling on configurable retention windows.
	MaxWindow time.Duration

	mu      sync.RWMutex
	windows map[changelog.Table]time.Duration
}

// NewRetainer returns a Retainer over the Store and its cursors, with
// the default edition ceiling.
func NewRetainer(store *changelog.Store, mgr *cursors.Manager) *Retainer {
	return &Retainer{
		store:     store,
		cursors:   mgr,
		MaxWindow: DefaultMaxWindow,
		windows:   make(map[changelog.Table]time.Duration),
	}
}

// SetArchive configures an Archive to which compaction spills removed
// records before deleting them.
func (r *Retainer) SetArchive(a *changelog.Archive) { r.archive = a }

// SetRetention configures the table's retention window. It fails with
// ErrInvalidRetention if |window| is negative or exceeds MaxWindow.
func (r *Retainer) SetRetention(table changelog.Table, window time.Duration) error {
	if !r.store.IsTracked(table) {
		return errors.WithMessagef(changelog.ErrUntrackedTable, "table %s", table)
	}
	if window < 0 || window > r.MaxWindow {
		return errors.WithMessagef(ErrInvalidRetention,
			"window %s (ceiling %s)", window, r.MaxWindow)
	}

	defer r.mu.Unlock()
	r.mu.Lock()
	r.windows[table] = window
	return nil
}

// Window returns the table's configured retention window.
func (r *Retainer) Window(table changelog.Table) (time.Duration, bool) {
	defer r.mu.RUnlock()
	r.mu.RLock()

	var w, ok = r.windows[table]
	return w, ok
}

// CompactTable compacts the table's change log as of |now|. Records are
// removed only if they are both older than the retention window and
// below the minimum position of all active cursors on the table. Absent
// cursors, only the time condition applies.
func (r *Retainer) CompactTable(table changelog.Table, now time.Time) error {
	var window, ok = r.Window(table)
	if !ok {
		return nil // No retention configured; nothing to reclaim.
	}
	var cutoff = now.Add(-window)

	var head, err = r.store.HeadPosition(table)
	if err != nil {
		return err
	}

	// The time floor is the position of the first record still within
	// the window, or head+1 if every retained record has aged out.
	var timeFloor = head + 1
	err = r.store.Inspect(table, func(recs []changelog.ChangeRecord) error {
		for i := range recs {
			if recs[i].CommittedAt.After(cutoff) {
				timeFloor = recs[i].Seq
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Expire cursors which would hold the floor below the window and
	// whose consumers have been inactive beyond it. They're marked
	// stale, never silently advanced.
	for _, c := range r.cursors.List(table) {
		if !c.IsStale() && c.Position() < timeFloor-1 && now.Sub(c.LastConsumedAt()) > window {
			c.MarkStale()
			log.WithFields(log.Fields{
				"cursor":   c.ID,
				"table":    table,
				"position": c.Position(),
				"floor":    timeFloor,
			}).Warn("expired stale cursor")
		}
	}

	var floor = timeFloor
	if min, ok := r.cursors.MinPosition(table); ok && min < floor {
		floor = min
	}

	if r.archive != nil {
		if err = r.spill(table, floor); err != nil {
			compactionRunsTotal.WithLabelValues(string(table), "fail").Inc()
			return errors.WithMessage(err, "archiving compacted records")
		}
	}

	removed, err := r.store.CompactBefore(table, floor)
	if err != nil {
		compactionRunsTotal.WithLabelValues(string(table), "fail").Inc()
		return err
	}

	compactionRunsTotal.WithLabelValues(string(table), "ok").Inc()
	compactedRecordsTotal.WithLabelValues(string(table)).Add(float64(len(removed)))
	retentionFloorGauge.WithLabelValues(string(table)).Set(float64(floor))

	if len(removed) != 0 {
		log.WithFields(log.Fields{
			"table":   table,
			"floor":   floor,
			"removed": len(removed),
		}).Info("compacted change log")
	}
	return nil
}

// spill archives records about to be compacted, before their removal.
func (r *Retainer) spill(table changelog.Table, floor changelog.SeqPosition) error {
	var from, err = r.store.CompactedThrough(table)
	if err != nil || floor <= from+1 {
		return err
	}
	it, err := r.store.ReadRange(table, from, floor-1, changelog.ModeDefault, nil)
	if err != nil {
		return err
	}
	recs, err := changelog.Drain(it)
	if err != nil || len(recs) == 0 {
		return err
	}
	return r.archive.StoreSegment(table, recs)
}

// Sweep compacts every table with a configured retention window. It is
// invoked periodically by an external scheduler. Per-table failures are
// logged and do not abort the sweep.
func (r *Retainer) Sweep(now time.Time) {
	r.mu.RLock()
	var tables = make([]changelog.Table, 0, len(r.windows))
	for t := range r.windows {
		tables = append(tables, t)
	}
	r.mu.RUnlock()

	for _, table := range tables {
		if err := r.CompactTable(table, now); err != nil {
			log.WithFields(log.Fields{"table": table, "err": err}).
				Error("failed to compact table")
		}
	}
}
