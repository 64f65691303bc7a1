// Package cursors manages named consumption checkpoints over change-log
// tables. A Cursor tracks the last-acknowledged sequence position of one
// consumer. Peek reads records beyond the position without mutating it
// (CHANGES-clause semantics); Advance atomically moves the position
// forward to a snapshot of the table head (stream-consume semantics).
//
// Advance is serialized per cursor. Peek may run concurrently with any
// number of other Peek or Advance calls on the same or different
// cursors: it reads only immutable records plus one atomic load of the
// cursor position.
package cursors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cursorsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_cursors_created_total",
		Help: "Total number of cursors created, by table.",
	}, []string{"table"})
	cursorAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_cursor_advances_total",
		Help: "Total number of cursor Advance operations, by table.",
	}, []string{"table"})
	cursorPeeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_cursor_peeks_total",
		Help: "Total number of cursor Peek operations, by table.",
	}, []string{"table"})
	cursorsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_cursors_expired_total",
		Help: "Total number of cursors marked stale by compaction, by table.",
	}, []string{"table"})
)
