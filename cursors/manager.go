package cursors

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
)

// Manager indexes Cursors and mediates their reads of a Store.
type Manager struct {
	store *changelog.Store

	mu      sync.RWMutex
	cursors map[string]*Cursor
}

// NewManager returns a Manager over cursors of the Store.
func NewManager(store *changelog.Store) *Manager {
	return &Manager{store: store, cursors: make(map[string]*Cursor)}
}

// Create creates a named Cursor over the table, initialized at the
// table's current head position. If |id| is empty, a unique ID is
// generated.
func (m *Manager) Create(table changelog.Table, mode changelog.Mode, pred changelog.Predicate, id string) (*Cursor, error) {
	var head, err = m.store.HeadPosition(table)
	if err != nil {
		return nil, err
	}
	return m.createAt(table, mode, pred, id, head)
}

// CreateAt creates a Cursor positioned at an explicit |position|, which
// must not exceed the table head. It backs consumers (such as the
// incremental materializer) which must baseline from historical
// positions rather than the current head.
func (m *Manager) CreateAt(table changelog.Table, mode changelog.Mode, pred changelog.Predicate, id string, position changelog.SeqPosition) (*Cursor, error) {
	var head, err = m.store.HeadPosition(table)
	if err != nil {
		return nil, err
	} else if position < 0 || position > head {
		return nil, errors.Errorf("position %d is outside of [0, %d]", position, head)
	}
	return m.createAt(table, mode, pred, id, position)
}

func (m *Manager) createAt(table changelog.Table, mode changelog.Mode, pred changelog.Predicate, id string, position changelog.SeqPosition) (*Cursor, error) {
	if id == "" {
		id = generateID(table)
	}

	defer m.mu.Unlock()
	m.mu.Lock()

	if _, ok := m.cursors[id]; ok {
		return nil, errors.WithMessagef(ErrCursorExists, "cursor %s", id)
	}

	var c = &Cursor{
		ID:        id,
		Table:     table,
		Mode:      mode,
		Predicate: pred,
		CreatedAt: timeNow(),
	}
	c.position.Store(int64(position))
	c.lastConsumed.Store(c.CreatedAt.UnixNano())

	m.cursors[id] = c
	cursorsCreatedTotal.WithLabelValues(string(table)).Inc()
	return c, nil
}

// Restore re-creates a persisted Cursor at |position|, preserving its
// recorded creation and last-consumed times so that a process restart
// does not reset the inactivity clock by which retention expires
// laggard cursors. Predicates are not persisted and are not restored.
func (m *Manager) Restore(table changelog.Table, mode changelog.Mode, id string, position changelog.SeqPosition, createdAt, lastConsumedAt time.Time) (*Cursor, error) {
	if id == "" {
		return nil, errors.New("expected a cursor ID")
	}
	var head, err = m.store.HeadPosition(table)
	if err != nil {
		return nil, err
	} else if position < 0 || position > head {
		return nil, errors.Errorf("position %d is outside of [0, %d]", position, head)
	}
	if createdAt.IsZero() {
		createdAt = timeNow()
	}
	if lastConsumedAt.IsZero() {
		lastConsumedAt = createdAt
	}

	defer m.mu.Unlock()
	m.mu.Lock()

	if _, ok := m.cursors[id]; ok {
		return nil, errors.WithMessagef(ErrCursorExists, "cursor %s", id)
	}

	var c = &Cursor{
		ID:        id,
		Table:     table,
		Mode:      mode,
		CreatedAt: createdAt,
	}
	c.position.Store(int64(position))
	c.lastConsumed.Store(lastConsumedAt.UnixNano())

	m.cursors[id] = c
	cursorsCreatedTotal.WithLabelValues(string(table)).Inc()
	return c, nil
}

// Get returns the named Cursor.
func (m *Manager) Get(id string) (*Cursor, error) {
	defer m.mu.RUnlock()
	m.mu.RLock()

	var c, ok = m.cursors[id]
	if !ok {
		return nil, errors.WithMessagef(ErrCursorNotFound, "cursor %s", id)
	}
	return c, nil
}

// Drop removes the named Cursor. Records it protected from compaction
// become reclaimable at the next sweep.
func (m *Manager) Drop(id string) error {
	defer m.mu.Unlock()
	m.mu.Lock()

	if _, ok := m.cursors[id]; !ok {
		return errors.WithMessagef(ErrCursorNotFound, "cursor %s", id)
	}
	delete(m.cursors, id)
	return nil
}

// Bound optionally bounds a Peek. A zero Bound reads through the current
// table head. Position bounds by sequence position; Time bounds by
// record commit time (time-window query semantics).
type Bound struct {
	Position changelog.SeqPosition
	Time     time.Time

	// Bounded marks Position as effective even when it is zero, in which
	// case the Peek returns no records.
	Bounded bool
}

// BoundAt returns a Bound at |position|. Unlike a Bound literal, it
// remains effective at position zero rather than degrading to the
// table head, so a caller which snapshots a head position and later
// acknowledges exactly that position never observes records beyond it.
func BoundAt(position changelog.SeqPosition) Bound {
	return Bound{Position: position, Bounded: true}
}

func (b Bound) position() changelog.SeqPosition {
	if b.Bounded || b.Position > 0 {
		return b.Position
	}
	return changelog.ReadThroughHead
}

// Peek returns an Iterator of records beyond the cursor's position, up
// to |bound|. It does NOT advance the cursor: repeated Peeks without an
// intervening Advance return identical results, barring new appends
// within the bound.
func (m *Manager) Peek(id string, bound Bound) (changelog.Iterator, error) {
	var c, err = m.Get(id)
	if err != nil {
		return nil, err
	} else if c.IsStale() {
		return nil, errors.WithMessagef(ErrCursorExpired, "cursor %s", id)
	}

	it, err := m.store.ReadRange(c.Table, c.Position(), bound.position(), c.Mode, c.Predicate)
	if err != nil {
		return nil, err
	}
	cursorPeeksTotal.WithLabelValues(string(c.Table)).Inc()
	return changelog.BoundByTime(it, bound.Time), nil
}

// PeekFrom reads changes of |table| using the named cursor's position as
// the lower bound, without touching either the source cursor's or any
// other cursor's stored position. It lets multiple independent consumers
// derive change sets from the same checkpoint without interference.
func (m *Manager) PeekFrom(sourceID string, table changelog.Table, mode changelog.Mode, pred changelog.Predicate, bound Bound) (changelog.Iterator, error) {
	var src, err = m.Get(sourceID)
	if err != nil {
		return nil, err
	} else if src.IsStale() {
		return nil, errors.WithMessagef(ErrCursorExpired, "cursor %s", sourceID)
	}

	it, err := m.store.ReadRange(table, src.Position(), bound.position(), mode, pred)
	if err != nil {
		return nil, err
	}
	cursorPeeksTotal.WithLabelValues(string(table)).Inc()
	return changelog.BoundByTime(it, bound.Time), nil
}

// Advance atomically moves the cursor's position to the table head
// snapshotted at call entry, returning the new position. Records
// appended after the snapshot remain unconsumed for future reads.
// Advance is the only destructive operation: it acknowledges that
// changes up to the snapshot are processed.
func (m *Manager) Advance(id string) (changelog.SeqPosition, error) {
	var c, err = m.Get(id)
	if err != nil {
		return 0, err
	}

	var head changelog.SeqPosition
	if head, err = m.store.HeadPosition(c.Table); err != nil {
		return 0, err
	}
	return m.advanceTo(c, head)
}

// AdvanceTo moves the cursor's position forward to |position|, which
// must not exceed the current table head. It backs consumers which Peek
// with an explicit bound and then acknowledge exactly that bound.
func (m *Manager) AdvanceTo(id string, position changelog.SeqPosition) (changelog.SeqPosition, error) {
	var c, err = m.Get(id)
	if err != nil {
		return 0, err
	}

	var head changelog.SeqPosition
	if head, err = m.store.HeadPosition(c.Table); err != nil {
		return 0, err
	} else if position > head {
		return 0, errors.Errorf("position %d is beyond the table head %d", position, head)
	}
	return m.advanceTo(c, position)
}

func (m *Manager) advanceTo(c *Cursor, position changelog.SeqPosition) (changelog.SeqPosition, error) {
	defer c.mu.Unlock()
	c.mu.Lock()

	if c.IsStale() {
		return 0, errors.WithMessagef(ErrCursorExpired, "cursor %s", c.ID)
	}
	// The position only moves forward: a concurrent caller may have
	// observed a later head.
	if position > c.Position() {
		c.position.Store(int64(position))
	}
	c.lastConsumed.Store(timeNow().UnixNano())

	cursorAdvancesTotal.WithLabelValues(string(c.Table)).Inc()
	return c.Position(), nil
}

// List returns a snapshot of Cursors over |table|, or of all Cursors if
// |table| is empty, ordered by ID.
func (m *Manager) List(table changelog.Table) []*Cursor {
	m.mu.RLock()
	var out = make([]*Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		if table == "" || c.Table == table {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MinPosition returns the minimum position across active (non-stale)
// cursors of the table, and whether any such cursor exists.
func (m *Manager) MinPosition(table changelog.Table) (changelog.SeqPosition, bool) {
	defer m.mu.RUnlock()
	m.mu.RLock()

	var min changelog.SeqPosition
	var ok bool
	for _, c := range m.cursors {
		if c.Table != table || c.IsStale() {
			continue
		}
		if pos := c.Position(); !ok || pos < min {
			min, ok = pos, true
		}
	}
	return min, ok
}

var timeNow = time.Now
