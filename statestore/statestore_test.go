package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/cursors"
	"go.driftlog.dev/core/materialize"
	"go.driftlog.dev/core/retention"
	"go.driftlog.dev/core/sqlplan"
)

func TestCaptureSaveLoadRoundTrip(t *testing.T) {
	var store, mgr, ret, mat = newControlPlane(t)

	var fileStore, err = NewJSONFileStore(afero.NewMemMapFs(), "state")
	require.NoError(t, err)

	var snap = Capture(store, mgr, ret, mat)
	require.NoError(t, fileStore.Save(snap))

	loaded, err := fileStore.Load()
	require.NoError(t, err)

	require.Len(t, loaded.Tables, 2) // orders, totals.
	require.Equal(t, changelog.Table("orders"), loaded.Tables[0].Table)
	require.Equal(t, time.Hour, loaded.Tables[0].Retention)

	require.Len(t, loaded.Cursors, 2) // "reader" and the baseline cursor.
	require.Len(t, loaded.Specs, 1)
	require.Equal(t, changelog.Table("totals"), loaded.Specs[0].Target)
	require.Equal(t, time.Minute, loaded.Specs[0].Lag)
	require.False(t, loaded.Specs[0].LastRefreshedAt.IsZero())
}

func TestLoadOfEmptyStoreReturnsZeroSnapshot(t *testing.T) {
	var fileStore, err = NewJSONFileStore(afero.NewMemMapFs(), "state")
	require.NoError(t, err)

	snap, err := fileStore.Load()
	require.NoError(t, err)
	require.True(t, snap.TakenAt.IsZero())
	require.Empty(t, snap.Cursors)
}

func TestSaveReplacesThePriorSnapshot(t *testing.T) {
	var fileStore, err = NewJSONFileStore(afero.NewMemMapFs(), "state")
	require.NoError(t, err)

	require.NoError(t, fileStore.Save(Snapshot{
		Cursors: []CursorRecord{{ID: "a", Table: "orders"}},
	}))
	require.NoError(t, fileStore.Save(Snapshot{
		Cursors: []CursorRecord{{ID: "b", Table: "orders"}},
	}))

	snap, err := fileStore.Load()
	require.NoError(t, err)
	require.Len(t, snap.Cursors, 1)
	require.Equal(t, "b", snap.Cursors[0].ID)
}

func TestRestoreCursors(t *testing.T) {
	var createdAt = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var consumedAt = createdAt.Add(time.Hour)

	var snap = Snapshot{
		Cursors: []CursorRecord{
			{ID: "keep", Table: "orders", Position: 2,
				CreatedAt: createdAt, LastConsumedAt: consumedAt},
			{ID: "stale", Table: "orders", Position: 1, Stale: true},
			{ID: "orphan", Table: "gone", Position: 1},
			{ID: "ahead", Table: "orders", Position: 99},
		},
	}

	// The rebuilt store holds fewer records than the snapshot's head.
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	for i := 0; i < 3; i++ {
		var _, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": i}, false, "k")
		require.NoError(t, err)
	}

	var mgr = cursors.NewManager(store)
	require.NoError(t, RestoreCursors(snap, store, mgr))

	var c, err = mgr.Get("keep")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(2), c.Position())

	// Persisted times survive the restore: a laggard's inactivity clock
	// is not reset, so retention can still expire it on schedule.
	require.Equal(t, createdAt, c.CreatedAt)
	require.Equal(t, consumedAt.UnixNano(), c.LastConsumedAt().UnixNano())

	// Stale cursors and cursors of untracked tables are not restored.
	_, err = mgr.Get("stale")
	require.Error(t, err)
	_, err = mgr.Get("orphan")
	require.Error(t, err)

	// Positions beyond the rebuilt head are clamped to it.
	c, err = mgr.Get("ahead")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(3), c.Position())
}

func newControlPlane(t *testing.T) (*changelog.Store, *cursors.Manager, *retention.Retainer, *materialize.Materializer) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")

	var _, err = store.Append("orders", changelog.OpInsert,
		changelog.Row{"region": "west", "total": 10}, false, "k")
	require.NoError(t, err)

	var mgr = cursors.NewManager(store)
	_, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)

	var ret = retention.NewRetainer(store, mgr)
	require.NoError(t, ret.SetRetention("orders", time.Hour))

	var mat = materialize.NewMaterializer(store, mgr)
	require.NoError(t, mat.Initialize(context.Background(), materialize.Spec{
		Target: "totals",
		Query: sqlplan.Aggregate{
			Input:   sqlplan.Scan{Table: "orders"},
			GroupBy: []string{"region"},
			Aggs:    []sqlplan.Aggregation{{Func: sqlplan.AggSum, Column: "total", As: "sum"}},
		},
		Lag: materialize.TargetLag{Duration: time.Minute},
	}, materialize.InitOnCreate))

	return store, mgr, ret, mat
}
