package cursors

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
)

var (
	// ErrCursorNotFound is returned for operations against a dropped or
	// never-created cursor.
	ErrCursorNotFound = errors.New("cursor not found")
	// ErrCursorExists is returned on Create of a cursor ID already in use.
	ErrCursorExists = errors.New("cursor already exists")
	// ErrCursorExpired is returned by Peek and Advance of a cursor which
	// fell behind the compaction floor. It is not retried: the consumer
	// must re-baseline by recreating the cursor at the current head,
	// accepting loss of unconsumed history.
	ErrCursorExpired = errors.New("cursor expired and must be recreated")
)

// Cursor is a named, movable checkpoint into a table's change log. Its
// position only moves forward, and never points past the table head at
// the time it was observed.
type Cursor struct {
	// ID uniquely names the Cursor.
	ID string
	// Table the Cursor consumes.
	Table changelog.Table
	// Mode of records the Cursor captures.
	Mode changelog.Mode
	// Predicate is an optional row filter evaluated at read time.
	Predicate changelog.Predicate
	// CreatedAt is the creation time of the Cursor.
	CreatedAt time.Time

	mu           sync.Mutex // Serializes Advance.
	position     atomic.Int64
	stale        atomic.Bool
	lastConsumed atomic.Int64 // Unix nanos of creation or last Advance.
}

// Position returns the cursor's last-acknowledged sequence position.
func (c *Cursor) Position() changelog.SeqPosition {
	return changelog.SeqPosition(c.position.Load())
}

// IsStale returns whether the cursor has been expired by compaction.
func (c *Cursor) IsStale() bool { return c.stale.Load() }

// LastConsumedAt returns the time of the cursor's creation or most
// recent Advance, whichever is later.
func (c *Cursor) LastConsumedAt() time.Time {
	return time.Unix(0, c.lastConsumed.Load())
}

// MarkStale marks the cursor stale. It is called by compaction when the
// cursor's consumer has been inactive beyond the retention window and
// its unconsumed records are reclaimed. Subsequent Peek and Advance fail
// with ErrCursorExpired.
func (c *Cursor) MarkStale() {
	if !c.stale.Swap(true) {
		cursorsExpiredTotal.WithLabelValues(string(c.Table)).Inc()
	}
}

func generateID(table changelog.Table) string {
	// Eg, "orders/wiggly-sponge-4c19f2d0".
	return fmt.Sprintf("%s/%s-%s", table, petname.Generate(2, "-"), uuid.NewString()[:8])
}
