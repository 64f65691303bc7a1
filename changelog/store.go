package changelog

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Store is an arena of per-table append-only change logs, indexed by
// Table. Each log is guarded by an atomic head position: operations on
// different tables proceed fully in parallel, and operations on the same
// table serialize only at position assignment.
type Store struct {
	mu      sync.RWMutex
	tables  map[Table]*tableLog
	archive *Archive
}

// tableLog is the retained record suffix of a single table's change log.
// Records are dense in sequence position: records[0].Seq is always
// compactedThrough+1, and the final record's Seq is always head.
type tableLog struct {
	mu               sync.RWMutex
	head             atomic.Int64
	records          []ChangeRecord
	compactedThrough SeqPosition
}

// NewStore returns a new, empty Store.
func NewStore() *Store {
	return &Store{tables: make(map[Table]*tableLog)}
}

// SetArchive configures an Archive to which compaction spills removed
// records, and from which ReadRange serves ranges preceding retained
// history. It must be set before use of the Store.
func (s *Store) SetArchive(a *Archive) { s.archive = a }

// EnableTracking enables change tracking for the table. It is a no-op if
// tracking is already enabled.
func (s *Store) EnableTracking(table Table) {
	defer s.mu.Unlock()
	s.mu.Lock()

	if _, ok := s.tables[table]; !ok {
		s.tables[table] = new(tableLog)
	}
}

// DisableTracking disables change tracking for the table and discards
// its retained change history.
func (s *Store) DisableTracking(table Table) {
	defer s.mu.Unlock()
	s.mu.Lock()
	delete(s.tables, table)
}

// IsTracked returns whether change tracking is enabled for the table.
func (s *Store) IsTracked(table Table) bool {
	defer s.mu.RUnlock()
	s.mu.RLock()

	var _, ok = s.tables[table]
	return ok
}

func (s *Store) lookup(table Table) (*tableLog, error) {
	s.mu.RLock()
	var tl, ok = s.tables[table]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WithMessagef(ErrUntrackedTable, "table %s", table)
	}
	return tl, nil
}

// Append persists a ChangeRecord of |op| against |table|, assigning and
// returning the next sequence position. It fails with ErrUntrackedTable
// if change tracking is not enabled, and does not block on consumers.
func (s *Store) Append(table Table, op Op, payload Row, isUpdate bool, rowIdentity string) (SeqPosition, error) {
	var tl, err = s.lookup(table)
	if err != nil {
		return 0, err
	}
	if op != OpInsert && op != OpDelete {
		return 0, errors.Errorf("invalid Op (%d)", op)
	} else if rowIdentity == "" {
		return 0, errors.New("missing RowIdentity")
	}

	defer tl.mu.Unlock()
	tl.mu.Lock()

	var seq = tl.appendLocked(table, op, payload, isUpdate, rowIdentity)
	return seq, nil
}

// ApplyUpdate records an UPDATE of the logical row |rowIdentity| as a
// DELETE of |old| immediately followed by an INSERT of |new_|, both
// flagged IsUpdate and sharing |rowIdentity|. The pair is assigned
// adjacent positions: no other append interleaves between the halves,
// preserving the delete-before-insert ordering consumers pair on.
func (s *Store) ApplyUpdate(table Table, rowIdentity string, old, new_ Row) (del, ins SeqPosition, err error) {
	var tl *tableLog
	if tl, err = s.lookup(table); err != nil {
		return
	}
	if rowIdentity == "" {
		err = errors.New("missing RowIdentity")
		return
	}

	defer tl.mu.Unlock()
	tl.mu.Lock()

	del = tl.appendLocked(table, OpDelete, old, true, rowIdentity)
	ins = tl.appendLocked(table, OpInsert, new_, true, rowIdentity)
	return
}

func (tl *tableLog) appendLocked(table Table, op Op, payload Row, isUpdate bool, rowIdentity string) SeqPosition {
	var seq = SeqPosition(tl.head.Load()) + 1

	tl.records = append(tl.records, ChangeRecord{
		Table:       table,
		Seq:         seq,
		Op:          op,
		Payload:     payload.Copy(),
		IsUpdate:    isUpdate,
		RowIdentity: rowIdentity,
		CommittedAt: timeNow(),
	})
	tl.head.Store(int64(seq))

	appendsTotal.WithLabelValues(string(table), op.String()).Inc()
	headGauge.WithLabelValues(string(table)).Set(float64(seq))
	return seq
}

// HeadPosition returns the current maximum written position of the
// table's change log, or zero if no records have been appended.
func (s *Store) HeadPosition(table Table) (SeqPosition, error) {
	var tl, err = s.lookup(table)
	if err != nil {
		return 0, err
	}
	return SeqPosition(tl.head.Load()), nil
}

// ReadRange returns an Iterator of the table's records with positions in
// (from, to], in increasing sequence order. Pass ReadThroughHead as |to|
// to read through the current head. Mode and Predicate filtering are
// applied lazily. ReadRange fails with ErrRangeCompacted if |from|
// precedes the earliest retained (or archived) position.
func (s *Store) ReadRange(table Table, from, to SeqPosition, mode Mode, pred Predicate) (Iterator, error) {
	var tl, err = s.lookup(table)
	if err != nil {
		readRangesTotal.WithLabelValues(string(table), "untracked").Inc()
		return nil, err
	}

	if to == ReadThroughHead {
		to = SeqPosition(tl.head.Load())
	}

	tl.mu.RLock()
	var records = tl.records
	var compactedThrough = tl.compactedThrough
	tl.mu.RUnlock()

	var parts [][]ChangeRecord

	if from < compactedThrough {
		// The range head precedes retained history. Serve what we can
		// from the archive, or fail.
		if s.archive == nil {
			readRangesTotal.WithLabelValues(string(table), "compacted").Inc()
			return nil, errors.WithMessagef(ErrRangeCompacted,
				"table %s from %d (earliest retained %d)", table, from, compactedThrough+1)
		}
		var archiveTo = to
		if compactedThrough < archiveTo {
			archiveTo = compactedThrough
		}
		archived, err := s.archive.ReadRange(table, from, archiveTo)
		if err != nil {
			readRangesTotal.WithLabelValues(string(table), "compacted").Inc()
			return nil, err
		}
		parts = append(parts, archived)
	}

	// Select the retained subrange (from, to].
	var i = sort.Search(len(records), func(i int) bool { return records[i].Seq > from })
	var j = sort.Search(len(records), func(j int) bool { return records[j].Seq > to })
	if i < j {
		parts = append(parts, records[i:j])
	}

	readRangesTotal.WithLabelValues(string(table), "ok").Inc()
	return &sliceIter{recs: parts, mode: mode, pred: pred}, nil
}

// CompactBefore removes records of the table with positions below
// |floor|, returning the removed records. Callers are responsible for
// ensuring |floor| does not exceed positions protected by retention or
// active cursors (see package retention).
func (s *Store) CompactBefore(table Table, floor SeqPosition) ([]ChangeRecord, error) {
	var tl, err = s.lookup(table)
	if err != nil {
		return nil, err
	}

	defer tl.mu.Unlock()
	tl.mu.Lock()

	var idx = sort.Search(len(tl.records), func(i int) bool { return tl.records[i].Seq >= floor })
	if idx == 0 {
		return nil, nil
	}
	var removed = append([]ChangeRecord(nil), tl.records[:idx]...)

	// Re-slice rather than mutate: in-flight Iterators hold references
	// into the prior backing array, which remains immutable.
	tl.records = tl.records[idx:]
	tl.compactedThrough += SeqPosition(idx)
	return removed, nil
}

// CompactedThrough returns the greatest position removed by compaction,
// or zero if the table has never been compacted. The earliest retained
// position is CompactedThrough()+1.
func (s *Store) CompactedThrough(table Table) (SeqPosition, error) {
	var tl, err = s.lookup(table)
	if err != nil {
		return 0, err
	}

	defer tl.mu.RUnlock()
	tl.mu.RLock()
	return tl.compactedThrough, nil
}

// Inspect invokes the callback with a snapshot of the table's retained
// records. The callback must not modify the records, and no changes are
// made to them during the invocation.
func (s *Store) Inspect(table Table, callback func([]ChangeRecord) error) error {
	var tl, err = s.lookup(table)
	if err != nil {
		return err
	}

	defer tl.mu.RUnlock()
	tl.mu.RLock()
	return callback(tl.records)
}

// Tables returns the set of change-tracked tables.
func (s *Store) Tables() []Table {
	defer s.mu.RUnlock()
	s.mu.RLock()

	var out = make([]Table, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var timeNow = time.Now
