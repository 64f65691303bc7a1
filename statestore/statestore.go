// Package statestore persists and recovers control-plane state of the
// engine: cursor checkpoints, per-table retention windows, and declared
// materialization specs with their last-refreshed times. Row data and
// change logs are not persisted; recovered cursors and specs re-attach
// to a rebuilt Store.
package statestore

import (
	"time"

	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/cursors"
	"go.driftlog.dev/core/materialize"
	"go.driftlog.dev/core/retention"
)

// CursorRecord is the persisted form of a cursor checkpoint. Predicates
// are functions and are not persisted: a recovered cursor which carried
// one must be recreated by its consumer.
type CursorRecord struct {
	ID             string                `json:"id"`
	Table          changelog.Table       `json:"table"`
	Mode           changelog.Mode        `json:"mode"`
	Position       changelog.SeqPosition `json:"position"`
	Stale          bool                  `json:"stale"`
	CreatedAt      time.Time             `json:"created_at"`
	LastConsumedAt time.Time             `json:"last_consumed_at"`
}

// TableRecord is the persisted form of a tracked table's retention
// configuration.
type TableRecord struct {
	Table     changelog.Table `json:"table"`
	Retention time.Duration   `json:"retention"`
}

// SpecRecord is the persisted form of a declared materialization.
type SpecRecord struct {
	Target          changelog.Table         `json:"target"`
	Lag             time.Duration           `json:"lag"`
	DownstreamLag   bool                    `json:"downstream_lag"`
	RefreshMode     materialize.RefreshMode `json:"refresh_mode"`
	LastRefreshedAt time.Time               `json:"last_refreshed_at"`
}

// Snapshot is a point-in-time capture of control-plane state.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Tables  []TableRecord  `json:"tables"`
	Cursors []CursorRecord `json:"cursors"`
	Specs   []SpecRecord   `json:"specs"`
}

// Store persists Snapshots.
type Store interface {
	// Save atomically replaces the persisted Snapshot.
	Save(Snapshot) error
	// Load returns the persisted Snapshot, or a zero Snapshot where none
	// has been saved.
	Load() (Snapshot, error)
}

// Capture assembles a Snapshot of current control-plane state.
func Capture(store *changelog.Store, mgr *cursors.Manager, ret *retention.Retainer, mat *materialize.Materializer) Snapshot {
	var snap = Snapshot{TakenAt: timeNow()}

	for _, table := range store.Tables() {
		var window, _ = ret.Window(table)
		snap.Tables = append(snap.Tables, TableRecord{
			Table:     table,
			Retention: window,
		})
	}
	for _, c := range mgr.List("") {
		snap.Cursors = append(snap.Cursors, CursorRecord{
			ID:             c.ID,
			Table:          c.Table,
			Mode:           c.Mode,
			Position:       c.Position(),
			Stale:          c.IsStale(),
			CreatedAt:      c.CreatedAt,
			LastConsumedAt: c.LastConsumedAt(),
		})
	}
	for _, status := range mat.Specs() {
		spec, err := mat.SpecOf(status.Target)
		if err != nil {
			continue
		}
		snap.Specs = append(snap.Specs, SpecRecord{
			Target:          status.Target,
			Lag:             spec.Lag.Duration,
			DownstreamLag:   spec.Lag.Downstream,
			RefreshMode:     spec.RefreshMode,
			LastRefreshedAt: status.LastRefreshedAt,
		})
	}
	return snap
}

// RestoreCursors re-creates non-stale persisted cursors against a
// rebuilt Store. Tables must already be tracked; cursors of untracked
// tables are skipped. Positions beyond a rebuilt table's head are
// clamped to it. Persisted creation and last-consumed times are kept,
// so a laggard cursor's retention clock survives the restart.
func RestoreCursors(snap Snapshot, store *changelog.Store, mgr *cursors.Manager) error {
	for _, rec := range snap.Cursors {
		if rec.Stale || !store.IsTracked(rec.Table) {
			continue
		}
		var position = rec.Position
		if head, err := store.HeadPosition(rec.Table); err == nil && position > head {
			position = head
		}
		if _, err := mgr.Restore(rec.Table, rec.Mode, rec.ID, position, rec.CreatedAt, rec.LastConsumedAt); err != nil {
			return errors.WithMessagef(err, "restoring cursor %s", rec.ID)
		}
	}
	return nil
}

var timeNow = time.Now
