package changelog

import (
	"io"
	"time"
)

// Iterator is a lazy, finite sequence of ChangeRecords in increasing
// sequence order. Next returns io.EOF after the final record.
// ReadRange returns a fresh Iterator on each call: re-invoking with the
// same range produces the same records, barring compaction.
type Iterator interface {
	Next() (ChangeRecord, error)
}

// sliceIter steps over fixed record slices, applying Mode and Predicate
// filtering and an optional commit-time bound. The underlying slices are
// immutable: compaction replaces table record slices rather than
// mutating them, so a held Iterator remains valid.
type sliceIter struct {
	recs [][]ChangeRecord
	i, j int
	mode Mode
	pred Predicate
}

func (it *sliceIter) Next() (ChangeRecord, error) {
	for it.i < len(it.recs) {
		if it.j == len(it.recs[it.i]) {
			it.i, it.j = it.i+1, 0
			continue
		}
		var rec = it.recs[it.i][it.j]
		it.j++

		if it.mode == ModeAppendOnly && rec.Op != OpInsert {
			continue
		}
		if it.pred != nil && !it.pred(rec.Payload) {
			continue
		}
		return rec, nil
	}
	return ChangeRecord{}, io.EOF
}

// BoundByTime bounds an Iterator by commit time: the first record
// committed after |max| ends the sequence. Records are in commit order,
// so this implements time-window read semantics.
func BoundByTime(it Iterator, max time.Time) Iterator {
	if max.IsZero() {
		return it
	}
	return &timeBoundIter{it: it, max: max}
}

type timeBoundIter struct {
	it  Iterator
	max time.Time
}

func (t *timeBoundIter) Next() (ChangeRecord, error) {
	var rec, err = t.it.Next()
	if err != nil {
		return rec, err
	} else if rec.CommittedAt.After(t.max) {
		return ChangeRecord{}, io.EOF
	}
	return rec, nil
}

// Drain reads the Iterator through io.EOF, returning all records.
func Drain(it Iterator) ([]ChangeRecord, error) {
	var out []ChangeRecord
	for {
		var rec, err = it.Next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
