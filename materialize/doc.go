// Package materialize keeps declared materializations consistent with
// their defining queries, within each materialization's target lag.
//
// Each materialization owns one baseline cursor per source table.
// Refresh reads the delta range of every source since the last refresh,
// applies it with the spec's refresh strategy, and appends the resulting
// output deltas to the target's own change log, so that downstream
// materializations consume a target exactly as they would a base table.
// Result visibility is an atomic swap-in: readers of a refreshing
// materialization observe its prior complete result, never a partial
// one.
//
// The strategy is chosen by pure classification of the defining query's
// operator tree (see package sqlplan): delta-composable trees are
// maintained incrementally, all others by full recompute and diff.
package materialize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_materialize_refreshes_total",
		Help: "Total number of materialization refresh attempts, by target, strategy and status.",
	}, []string{"target", "strategy", "status"})
	refreshDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "driftlog_materialize_refresh_duration_seconds",
		Help: "Duration of materialization refreshes, by target.",
	}, []string{"target"})
	resultRowsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftlog_materialize_result_rows",
		Help: "Rows of the materialization's current result, by target.",
	}, []string{"target"})
)
