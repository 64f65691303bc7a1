package retention

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/codecs"
	"go.driftlog.dev/core/cursors"
)

func TestSetRetentionValidation(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	var r = NewRetainer(store, cursors.NewManager(store))

	require.Equal(t, changelog.ErrUntrackedTable,
		errors.Cause(r.SetRetention("nope", time.Hour)))

	// Windows beyond the edition ceiling are rejected outright, never
	// silently clamped.
	require.Equal(t, ErrInvalidRetention,
		errors.Cause(r.SetRetention("orders", r.MaxWindow+time.Hour)))
	require.Equal(t, ErrInvalidRetention,
		errors.Cause(r.SetRetention("orders", -time.Hour)))

	require.NoError(t, r.SetRetention("orders", time.Hour))
	var w, ok = r.Window("orders")
	require.True(t, ok)
	require.Equal(t, time.Hour, w)
}

func TestAgedOutRecordsAreReclaimed(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	var r = NewRetainer(store, cursors.NewManager(store))
	require.NoError(t, r.SetRetention("orders", 20*time.Millisecond))

	for i := 0; i < 4; i++ {
		var _, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": i}, false, "k")
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, r.CompactTable("orders", time.Now()))

	// The full history aged out. Reads from position zero now fail, and
	// the caller must re-baseline.
	var _, err = store.ReadRange("orders", 0, changelog.ReadThroughHead, changelog.ModeDefault, nil)
	require.Equal(t, changelog.ErrRangeCompacted, errors.Cause(err))

	// Positions are never reused by compaction.
	seq, err := store.Append("orders", changelog.OpInsert, changelog.Row{"n": 4}, false, "k")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(5), seq)
}

func TestActiveCursorHoldsTheFloor(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	var mgr = cursors.NewManager(store)
	var r = NewRetainer(store, mgr)
	require.NoError(t, r.SetRetention("orders", 20*time.Millisecond))

	for i := 0; i < 4; i++ {
		var _, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": i}, false, "k")
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	// The cursor's consumer is active (it just checkpointed), so its
	// unconsumed records outlive the window.
	var c, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "reader", 2)
	require.NoError(t, err)

	require.NoError(t, r.CompactTable("orders", time.Now()))
	require.False(t, c.IsStale())

	ct, err := store.CompactedThrough("orders")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(1), ct)

	// The cursor still reads its unconsumed range.
	it, err := mgr.Peek("reader", cursors.Bound{})
	require.NoError(t, err)
	recs, err := changelog.Drain(it)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestInactiveLaggingCursorIsExpiredNotAdvanced(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	var mgr = cursors.NewManager(store)
	var r = NewRetainer(store, mgr)
	require.NoError(t, r.SetRetention("orders", 20*time.Millisecond))

	var c, err = mgr.Create("orders", changelog.ModeDefault, nil, "laggard")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": i}, false, "k")
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, r.CompactTable("orders", time.Now()))
	require.True(t, c.IsStale())

	// The expired cursor fails rather than silently skipping records.
	_, err = mgr.Peek("laggard", cursors.Bound{})
	require.Equal(t, cursors.ErrCursorExpired, errors.Cause(err))

	// Its records were reclaimed.
	_, err = store.ReadRange("orders", 0, changelog.ReadThroughHead, changelog.ModeDefault, nil)
	require.Equal(t, changelog.ErrRangeCompacted, errors.Cause(err))
}

func TestCompactionSpillsToArchive(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	var mgr = cursors.NewManager(store)

	var archive, err = changelog.NewArchive(afero.NewMemMapFs(), "archive", codecs.Snappy, 4)
	require.NoError(t, err)
	store.SetArchive(archive)

	var r = NewRetainer(store, mgr)
	r.SetArchive(archive)
	require.NoError(t, r.SetRetention("orders", 20*time.Millisecond))

	for i := 0; i < 4; i++ {
		_, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": float64(i)}, false, "k")
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	require.NoError(t, r.CompactTable("orders", time.Now()))

	// Reclaimed records remain readable through the archive.
	it, err := store.ReadRange("orders", 0, changelog.ReadThroughHead, changelog.ModeDefault, nil)
	require.NoError(t, err)
	recs, err := changelog.Drain(it)
	require.NoError(t, err)
	require.Len(t, recs, 4)
}

func TestSweepCompactsConfiguredTables(t *testing.T) {
	var store = changelog.NewStore()
	store.EnableTracking("a")
	store.EnableTracking("b")
	var r = NewRetainer(store, cursors.NewManager(store))
	require.NoError(t, r.SetRetention("a", 20*time.Millisecond))

	for _, table := range []changelog.Table{"a", "b"} {
		var _, err = store.Append(table, changelog.OpInsert, changelog.Row{"n": 1}, false, "k")
		require.NoError(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	r.Sweep(time.Now())

	// Only the table with a configured window was compacted.
	var ct, err = store.CompactedThrough("a")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(1), ct)

	ct, err = store.CompactedThrough("b")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(0), ct)
}
