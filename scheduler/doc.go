// Package scheduler maintains the dependency graph of declared
// materializations and drives their refreshes. Materializations reading
// other materializations form a DAG; each tick refreshes due targets in
// dependency order, running independent branches in parallel under a
// bounded worker pool, and skipping targets downstream of a failure.
package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlog_scheduler_ticks_total",
		Help: "Total number of scheduler ticks run.",
	})
	scheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlog_scheduler_refreshes_scheduled_total",
		Help: "Total number of refreshes scheduled by tick outcome.",
	}, []string{"status"})
	graphNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftlog_scheduler_graph_nodes",
		Help: "Current number of materialization targets in the dependency graph.",
	})
)
