// Package changelog implements the change log store: durable, immutable,
// per-table ledgers of row-level deltas ordered by a monotonic sequence
// position. Appends serialize only at position assignment, while reads
// operate over immutable records plus a single atomic head load, and
// never block appends (or each other).
//
// An UPDATE of a logical row is represented as a DELETE of the old row
// immediately followed by an INSERT of the new row, both carrying the
// IsUpdate flag and a shared RowIdentity. Consumers reconstruct
// before/after state by pairing the adjacent records.
//
// Compaction (driven by package retention) removes records below a safe
// floor. An optional Archive spills removed records to compressed segment
// files first, and ReadRange transparently falls back to archived
// segments for ranges preceding retained history.
package changelog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_changelog_appends_total",
		Help: "Total number of change records appended, by table and operation.",
	}, []string{"table", "op"})
	headGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftlog_changelog_head",
		Help: "Current head sequence position of the table's change log.",
	}, []string{"table"})
	readRangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_changelog_read_ranges_total",
		Help: "Total number of ReadRange invocations, by table and status.",
	}, []string{"table", "status"})
	archiveSegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_changelog_archive_segments_total",
		Help: "Total number of archive segments written, by table.",
	}, []string{"table"})
	archiveReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_changelog_archive_reads_total",
		Help: "Total number of archive segment loads, by cache status.",
	}, []string{"status"})
)
