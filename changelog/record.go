package changelog

import (
	"time"

	"github.com/pkg/errors"
)

// Table names a change-tracked table.
type Table string

// SeqPosition is a monotonic, per-table sequence position. Positions are
// strictly increasing from one and are never reused. Zero is the position
// of an empty log, and the natural lower bound of a full-history read.
type SeqPosition int64

// ReadThroughHead is a ReadRange upper bound which resolves to the
// table's current head position.
const ReadThroughHead SeqPosition = -1

// Op is the operation of a ChangeRecord.
type Op int

const (
	// OpInsert records the insertion of a row.
	OpInsert Op = iota + 1
	// OpDelete records the deletion of a row.
	OpDelete
)

// String returns the name of the Op.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	default:
		return "INVALID"
	}
}

// Row is a mapping of column names to values. The store treats values as
// opaque beyond identity and equality; the columnar layer owns encoding.
type Row map[string]interface{}

// Copy returns a deep-enough copy of the Row (values are not cloned).
func (r Row) Copy() Row {
	var out = make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Predicate is an optional row filter evaluated at read time.
type Predicate func(Row) bool

// Mode selects which operations a read or cursor captures.
type Mode int

const (
	// ModeDefault captures all operation types.
	ModeDefault Mode = iota
	// ModeAppendOnly captures net inserts only. An update's paired
	// delete+insert surfaces only as the insert of final row state.
	ModeAppendOnly
)

// String returns the name of the Mode.
func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "DEFAULT"
	case ModeAppendOnly:
		return "APPEND_ONLY"
	default:
		return "INVALID"
	}
}

// ParseMode maps a Mode name back to its value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "DEFAULT":
		return ModeDefault, nil
	case "APPEND_ONLY":
		return ModeAppendOnly, nil
	default:
		return ModeDefault, errors.Errorf("invalid Mode (%s)", s)
	}
}

// ChangeRecord is one row-level delta of a change-tracked table.
// ChangeRecords are immutable once written, and are destroyed only by
// compaction once past the retention window and unprotected by cursors.
type ChangeRecord struct {
	// Table which the record mutates.
	Table Table `json:"table"`
	// Seq is the record's unique, strictly increasing sequence position.
	Seq SeqPosition `json:"seq"`
	// Op of the record.
	Op Op `json:"op"`
	// Payload is the full column-value mapping of the affected row.
	Payload Row `json:"payload"`
	// IsUpdate marks both halves of an update's delete+insert pair.
	IsUpdate bool `json:"isUpdate,omitempty"`
	// RowIdentity is the stable identity of the logical row, shared by
	// both halves of an update pair.
	RowIdentity string `json:"rowIdentity"`
	// CommittedAt is the commit time of the producing statement.
	CommittedAt time.Time `json:"committedAt"`
}

var (
	// ErrUntrackedTable is returned on operations against a table for
	// which change tracking is not enabled. It is surfaced immediately
	// and is not retried.
	ErrUntrackedTable = errors.New("change tracking is not enabled for table")
	// ErrRangeCompacted is returned when a requested range precedes
	// retained (and archived) history. The caller must re-baseline.
	ErrRangeCompacted = errors.New("requested range precedes retained history")
)
