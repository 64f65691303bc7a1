package materialize

import (
	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/sqlplan"
)

// groupState holds the partial aggregates of one group. Sums and counts
// are maintained incrementally from signed delta contributions. MIN and
// MAX are maintained incrementally on insert, but a decrement is not
// derivable on delete of the contributing row: the group's retained
// input rows are rescanned instead.
type groupState struct {
	keyCols changelog.Row
	rows    *multiset
	total   int
	sums    []float64
	nonNull []int
	best    []interface{} // Current MIN or MAX value, per aggregation.
}

func newGroupState(t sqlplan.Aggregate, sample changelog.Row) *groupState {
	return &groupState{
		keyCols: projectRow(sample, t.GroupBy),
		rows:    newMultiset(),
		sums:    make([]float64, len(t.Aggs)),
		nonNull: make([]int, len(t.Aggs)),
		best:    make([]interface{}, len(t.Aggs)),
	}
}

func (g *groupState) apply(t sqlplan.Aggregate, d delta) {
	g.rows.add(d.row, d.sign)
	g.total += d.sign

	for i, a := range t.Aggs {
		switch a.Func {
		case sqlplan.AggCount:
			// Derived from |total|.

		case sqlplan.AggSum, sqlplan.AggAvg:
			if f, ok := toFloat(d.row[a.Column]); ok {
				g.sums[i] += float64(d.sign) * f
				g.nonNull[i] += d.sign
			}

		case sqlplan.AggMin:
			g.applyBest(i, a, d, -1)
		case sqlplan.AggMax:
			g.applyBest(i, a, d, 1)
		}
	}
}

func (g *groupState) applyBest(i int, a sqlplan.Aggregation, d delta, dir int) {
	var v = d.row[a.Column]
	if v == nil {
		return
	}
	if d.sign > 0 {
		if g.best[i] == nil || compareVals(v, g.best[i])*dir > 0 {
			g.best[i] = v
		}
	} else if g.best[i] != nil && compareVals(v, g.best[i]) == 0 {
		// The deleted row may have contributed the current extremum.
		// Rescan the group's remaining rows.
		g.recomputeBest(i, a, dir)
	}
}

func (g *groupState) recomputeBest(i int, a sqlplan.Aggregation, dir int) {
	g.best[i] = nil
	g.rows.each(func(r changelog.Row, n int) {
		if n <= 0 {
			return
		}
		var v = r[a.Column]
		if v == nil {
			return
		}
		if g.best[i] == nil || compareVals(v, g.best[i])*dir > 0 {
			g.best[i] = v
		}
	})
}

func (g *groupState) outputRow(t sqlplan.Aggregate) changelog.Row {
	var out = g.keyCols.Copy()
	for i, a := range t.Aggs {
		switch a.Func {
		case sqlplan.AggCount:
			out[a.As] = int64(g.total)
		case sqlplan.AggSum:
			if g.nonNull[i] > 0 {
				out[a.As] = g.sums[i]
			} else {
				out[a.As] = nil
			}
		case sqlplan.AggAvg:
			if g.nonNull[i] > 0 {
				out[a.As] = g.sums[i] / float64(g.nonNull[i])
			} else {
				out[a.As] = nil
			}
		case sqlplan.AggMin, sqlplan.AggMax:
			out[a.As] = g.best[i]
		}
	}
	return out
}
