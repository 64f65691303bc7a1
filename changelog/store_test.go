package changelog

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsDenseIncreasingPositions(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	for i := 1; i <= 5; i++ {
		var seq, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
		require.Equal(t, SeqPosition(i), seq)
	}
	var head, err = store.HeadPosition("orders")
	require.NoError(t, err)
	require.Equal(t, SeqPosition(5), head)

	// Positions are dense: reading the full range surfaces every one.
	var recs = mustDrain(t, store, "orders", 0, ReadThroughHead, ModeDefault, nil)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		require.Equal(t, SeqPosition(i+1), rec.Seq)
	}
}

func TestOperationsOnUntrackedTableFail(t *testing.T) {
	var store = NewStore()

	var _, err = store.Append("nope", OpInsert, Row{"a": 1}, false, "k")
	require.Equal(t, ErrUntrackedTable, errors.Cause(err))

	_, err = store.HeadPosition("nope")
	require.Equal(t, ErrUntrackedTable, errors.Cause(err))

	_, err = store.ReadRange("nope", 0, ReadThroughHead, ModeDefault, nil)
	require.Equal(t, ErrUntrackedTable, errors.Cause(err))
}

func TestAppendValidation(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	var _, err = store.Append("orders", Op(0), Row{"a": 1}, false, "k")
	require.EqualError(t, err, "invalid Op (0)")

	_, err = store.Append("orders", OpInsert, Row{"a": 1}, false, "")
	require.EqualError(t, err, "missing RowIdentity")
}

func TestUpdatePairSharesIdentityAndAdjacentPositions(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	var _, err = store.Append("orders", OpInsert, Row{"id": 1, "qty": 5}, false, "row-1")
	require.NoError(t, err)

	del, ins, err := store.ApplyUpdate("orders", "row-1",
		Row{"id": 1, "qty": 5}, Row{"id": 1, "qty": 8})
	require.NoError(t, err)
	require.Equal(t, del+1, ins)

	var recs = mustDrain(t, store, "orders", 1, ReadThroughHead, ModeDefault, nil)
	require.Len(t, recs, 2)

	// The delete of prior row state strictly precedes the insert of new
	// state, and both halves carry the shared identity and update flag.
	require.Equal(t, OpDelete, recs[0].Op)
	require.Equal(t, Row{"id": 1, "qty": 5}, recs[0].Payload)
	require.Equal(t, OpInsert, recs[1].Op)
	require.Equal(t, Row{"id": 1, "qty": 8}, recs[1].Payload)

	for _, rec := range recs {
		require.True(t, rec.IsUpdate)
		require.Equal(t, "row-1", rec.RowIdentity)
	}
}

func TestReadRangeIsExclusiveInclusive(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	for i := 1; i <= 4; i++ {
		var _, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
	}

	var recs = mustDrain(t, store, "orders", 1, 3, ModeDefault, nil)
	require.Len(t, recs, 2)
	require.Equal(t, SeqPosition(2), recs[0].Seq)
	require.Equal(t, SeqPosition(3), recs[1].Seq)

	// An empty range yields an immediate io.EOF.
	it, err := store.ReadRange("orders", 4, 4, ModeDefault, nil)
	require.NoError(t, err)
	_, err = it.Next()
	require.Equal(t, io.EOF, err)
}

func TestAppendOnlyModeSurfacesNetInsertsOnly(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	var _, err = store.Append("orders", OpInsert, Row{"id": 1}, false, "row-1")
	require.NoError(t, err)
	_, _, err = store.ApplyUpdate("orders", "row-1", Row{"id": 1}, Row{"id": 1, "qty": 2})
	require.NoError(t, err)
	_, err = store.Append("orders", OpDelete, Row{"id": 1, "qty": 2}, false, "row-1")
	require.NoError(t, err)

	var recs = mustDrain(t, store, "orders", 0, ReadThroughHead, ModeAppendOnly, nil)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Equal(t, OpInsert, rec.Op)
	}
	// The update surfaces only as the insert of final row state.
	require.Equal(t, Row{"id": 1, "qty": 2}, recs[1].Payload)
}

func TestPredicateFiltersAtReadTime(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	for i := 1; i <= 6; i++ {
		var _, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
	}

	var recs = mustDrain(t, store, "orders", 0, ReadThroughHead, ModeDefault,
		func(r Row) bool { return r["id"].(int)%2 == 0 })
	require.Len(t, recs, 3)
	for _, rec := range recs {
		require.Zero(t, rec.Payload["id"].(int)%2)
	}
}

func TestCompactBeforeRemovesPrefixAndFailsPriorReads(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	for i := 1; i <= 5; i++ {
		var _, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
	}

	var removed, err = store.CompactBefore("orders", 3)
	require.NoError(t, err)
	require.Len(t, removed, 2)

	ct, err := store.CompactedThrough("orders")
	require.NoError(t, err)
	require.Equal(t, SeqPosition(2), ct)

	// Reads beginning at or after the floor still work.
	var recs = mustDrain(t, store, "orders", 2, ReadThroughHead, ModeDefault, nil)
	require.Len(t, recs, 3)

	// Reads reaching below the floor fail absent an archive.
	_, err = store.ReadRange("orders", 0, ReadThroughHead, ModeDefault, nil)
	require.Equal(t, ErrRangeCompacted, errors.Cause(err))

	// Compaction never reuses positions: appends continue from the head.
	seq, err := store.Append("orders", OpInsert, Row{"id": 6}, false, "k")
	require.NoError(t, err)
	require.Equal(t, SeqPosition(6), seq)
}

func TestHeldIteratorSurvivesCompaction(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	for i := 1; i <= 4; i++ {
		var _, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
	}

	it, err := store.ReadRange("orders", 0, ReadThroughHead, ModeDefault, nil)
	require.NoError(t, err)

	_, err = store.CompactBefore("orders", 4)
	require.NoError(t, err)

	var recs []ChangeRecord
	recs, err = Drain(it)
	require.NoError(t, err)
	require.Len(t, recs, 4)
}

func TestBoundByTimeEndsAtFirstLaterRecord(t *testing.T) {
	defer func(fn func() time.Time) { timeNow = fn }(timeNow)

	var store = NewStore()
	store.EnableTracking("orders")

	var base = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		var stamp = base.Add(time.Duration(i) * time.Minute)
		timeNow = func() time.Time { return stamp }
		var _, err = store.Append("orders", OpInsert, Row{"id": i}, false, "k")
		require.NoError(t, err)
	}

	it, err := store.ReadRange("orders", 0, ReadThroughHead, ModeDefault, nil)
	require.NoError(t, err)

	recs, err := Drain(BoundByTime(it, base.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestDisableTrackingDiscardsHistory(t *testing.T) {
	var store = NewStore()
	store.EnableTracking("orders")

	var _, err = store.Append("orders", OpInsert, Row{"id": 1}, false, "k")
	require.NoError(t, err)

	store.DisableTracking("orders")
	require.False(t, store.IsTracked("orders"))

	// Re-enabling starts a fresh, empty log.
	store.EnableTracking("orders")
	head, err := store.HeadPosition("orders")
	require.NoError(t, err)
	require.Equal(t, SeqPosition(0), head)
}

func mustDrain(t *testing.T, store *Store, table Table, from, to SeqPosition, mode Mode, pred Predicate) []ChangeRecord {
	var it, err = store.ReadRange(table, from, to, mode, pred)
	require.NoError(t, err)
	recs, err := Drain(it)
	require.NoError(t, err)
	return recs
}
