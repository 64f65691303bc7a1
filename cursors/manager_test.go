package cursors

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.driftlog.dev/core/changelog"
)

func TestPeekIsNonDestructive(t *testing.T) {
	var store, mgr = newFixture(t, 3)

	var c, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(3), c.Position())

	mustAppend(t, store, 2) // Positions 4, 5.

	// Repeated Peeks without an intervening Advance return identical
	// results.
	for i := 0; i < 3; i++ {
		var recs = mustPeek(t, mgr, "reader", Bound{})
		require.Len(t, recs, 2)
		require.Equal(t, changelog.SeqPosition(4), recs[0].Seq)
		require.Equal(t, changelog.SeqPosition(5), recs[1].Seq)
	}
	require.Equal(t, changelog.SeqPosition(3), c.Position())
}

func TestAdvanceConsumesPeekedRange(t *testing.T) {
	var store, mgr = newFixture(t, 3)

	var _, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)
	mustAppend(t, store, 2)

	pos, err := mgr.Advance("reader")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(5), pos)

	// Advanced-past records are never replayed.
	require.Empty(t, mustPeek(t, mgr, "reader", Bound{}))

	mustAppend(t, store, 1)
	var recs = mustPeek(t, mgr, "reader", Bound{})
	require.Len(t, recs, 1)
	require.Equal(t, changelog.SeqPosition(6), recs[0].Seq)
}

func TestAdvanceToIsForwardOnlyAndHeadBounded(t *testing.T) {
	var _, mgr = newFixture(t, 5)

	var c, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "reader", 2)
	require.NoError(t, err)

	pos, err := mgr.AdvanceTo("reader", 4)
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(4), pos)

	// A lesser position is a no-op, not a rewind.
	pos, err = mgr.AdvanceTo("reader", 3)
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(4), pos)
	require.Equal(t, changelog.SeqPosition(4), c.Position())

	// A position beyond the head is rejected.
	_, err = mgr.AdvanceTo("reader", 9)
	require.EqualError(t, err, "position 9 is beyond the table head 5")
}

func TestIndependentCursorsDoNotInterfere(t *testing.T) {
	var store, mgr = newFixture(t, 0)

	var _, err = mgr.Create("orders", changelog.ModeDefault, nil, "s1")
	require.NoError(t, err)
	_, err = mgr.Create("orders", changelog.ModeDefault, nil, "s2")
	require.NoError(t, err)

	mustAppend(t, store, 3)

	// Both see the full delta; consuming through one leaves the other
	// untouched.
	require.Len(t, mustPeek(t, mgr, "s1", Bound{}), 3)
	require.Len(t, mustPeek(t, mgr, "s2", Bound{}), 3)

	_, err = mgr.Advance("s1")
	require.NoError(t, err)

	require.Empty(t, mustPeek(t, mgr, "s1", Bound{}))
	require.Len(t, mustPeek(t, mgr, "s2", Bound{}), 3)
}

func TestPeekFromDerivesWithoutTouchingSource(t *testing.T) {
	var store, mgr = newFixture(t, 2)

	var src, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "src", 1)
	require.NoError(t, err)
	mustAppend(t, store, 1)

	it, err := mgr.PeekFrom("src", "orders", changelog.ModeDefault, nil, Bound{})
	require.NoError(t, err)
	recs, err := changelog.Drain(it)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, changelog.SeqPosition(1), src.Position())
}

func TestPositionBoundLimitsPeek(t *testing.T) {
	var store, mgr = newFixture(t, 0)

	var _, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)
	mustAppend(t, store, 5)

	var recs = mustPeek(t, mgr, "reader", Bound{Position: 3})
	require.Len(t, recs, 3)
	require.Equal(t, changelog.SeqPosition(3), recs[2].Seq)
}

func TestExpiredCursorFailsAndIsNotRetried(t *testing.T) {
	var _, mgr = newFixture(t, 2)

	var c, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)
	c.MarkStale()

	_, err = mgr.Peek("reader", Bound{})
	require.Equal(t, ErrCursorExpired, errors.Cause(err))
	_, err = mgr.Advance("reader")
	require.Equal(t, ErrCursorExpired, errors.Cause(err))

	// Re-creating under a fresh ID re-baselines at the current head.
	c2, err := mgr.Create("orders", changelog.ModeDefault, nil, "reader-2")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(2), c2.Position())
}

func TestCreateValidation(t *testing.T) {
	var _, mgr = newFixture(t, 2)

	var _, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)

	_, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.Equal(t, ErrCursorExists, errors.Cause(err))

	_, err = mgr.Create("nope", changelog.ModeDefault, nil, "")
	require.Equal(t, changelog.ErrUntrackedTable, errors.Cause(err))

	_, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "early", 7)
	require.EqualError(t, err, "position 7 is outside of [0, 2]")

	// Generated IDs are namespaced by table and unique.
	c1, err := mgr.Create("orders", changelog.ModeDefault, nil, "")
	require.NoError(t, err)
	c2, err := mgr.Create("orders", changelog.ModeDefault, nil, "")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c2.ID)
	require.Regexp(t, "^orders/", c1.ID)
}

func TestListAndMinPosition(t *testing.T) {
	var _, mgr = newFixture(t, 4)

	var _, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "b", 3)
	require.NoError(t, err)
	_, err = mgr.CreateAt("orders", changelog.ModeDefault, nil, "a", 1)
	require.NoError(t, err)

	var listed = mgr.List("orders")
	require.Len(t, listed, 2)
	require.Equal(t, "a", listed[0].ID)
	require.Equal(t, "b", listed[1].ID)

	min, ok := mgr.MinPosition("orders")
	require.True(t, ok)
	require.Equal(t, changelog.SeqPosition(1), min)

	// Stale cursors no longer hold the minimum.
	listed[0].MarkStale()
	min, ok = mgr.MinPosition("orders")
	require.True(t, ok)
	require.Equal(t, changelog.SeqPosition(3), min)

	require.NoError(t, mgr.Drop("b"))
	_, ok = mgr.MinPosition("orders")
	require.False(t, ok)

	require.Equal(t, ErrCursorNotFound, errors.Cause(mgr.Drop("b")))
}

func TestBoundAtZeroExcludesConcurrentAppends(t *testing.T) {
	var store, mgr = newFixture(t, 0)
	var _, err = mgr.Create("orders", changelog.ModeDefault, nil, "reader")
	require.NoError(t, err)

	// Snapshot the (empty) head, then append past it. A peek bounded at
	// the snapshot must not observe the newer record.
	head, err := store.HeadPosition("orders")
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(0), head)
	mustAppend(t, store, 1)

	require.Empty(t, mustPeek(t, mgr, "reader", BoundAt(head)))

	// Acknowledging exactly the snapshot leaves the record unconsumed,
	// to be returned exactly once thereafter.
	pos, err := mgr.AdvanceTo("reader", head)
	require.NoError(t, err)
	require.Equal(t, changelog.SeqPosition(0), pos)
	require.Len(t, mustPeek(t, mgr, "reader", Bound{}), 1)
}

func TestRestorePreservesPersistedTimes(t *testing.T) {
	var _, mgr = newFixture(t, 3)

	var createdAt = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	var consumedAt = createdAt.Add(time.Hour)

	var c, err = mgr.Restore("orders", changelog.ModeDefault, "reader", 2, createdAt, consumedAt)
	require.NoError(t, err)
	require.Equal(t, createdAt, c.CreatedAt)
	require.Equal(t, consumedAt.UnixNano(), c.LastConsumedAt().UnixNano())
	require.Equal(t, changelog.SeqPosition(2), c.Position())

	// Restore validates like CreateAt.
	_, err = mgr.Restore("orders", changelog.ModeDefault, "reader", 2, createdAt, consumedAt)
	require.Equal(t, ErrCursorExists, errors.Cause(err))
	_, err = mgr.Restore("orders", changelog.ModeDefault, "later", 9, createdAt, consumedAt)
	require.EqualError(t, err, "position 9 is outside of [0, 3]")
	_, err = mgr.Restore("orders", changelog.ModeDefault, "", 1, createdAt, consumedAt)
	require.EqualError(t, err, "expected a cursor ID")
}

func newFixture(t *testing.T, appends int) (*changelog.Store, *Manager) {
	var store = changelog.NewStore()
	store.EnableTracking("orders")
	mustAppend(t, store, appends)
	return store, NewManager(store)
}

func mustAppend(t *testing.T, store *changelog.Store, n int) {
	for i := 0; i < n; i++ {
		var _, err = store.Append("orders", changelog.OpInsert, changelog.Row{"n": i}, false, "k")
		require.NoError(t, err)
	}
}

func mustPeek(t *testing.T, mgr *Manager, id string, bound Bound) []changelog.ChangeRecord {
	var it, err = mgr.Peek(id, bound)
	require.NoError(t, err)
	recs, err := changelog.Drain(it)
	require.NoError(t, err)
	return recs
}
