package materialize

import (
	"go.driftlog.dev/core/changelog"
	"go.driftlog.dev/core/sqlplan"
)

// execNode carries the maintained operator state of an incremental
// plan, mirroring the defining query's tree. Only equi-joins (input-side
// indexes) and aggregations (per-group partials) are stateful; all other
// operators transform deltas directly.
type execNode struct {
	node     sqlplan.Node
	children []*execNode

	// EquiJoin state: each input's rows, indexed by join-key value.
	leftIx, rightIx map[string]*multiset
	// Aggregate state, by group key.
	groups map[string]*groupState
}

func buildExec(n sqlplan.Node) *execNode {
	var e = &execNode{node: n}
	switch t := n.(type) {
	case sqlplan.Scan:
		// Stateless.
	case sqlplan.Select:
		e.children = []*execNode{buildExec(t.Input)}
	case sqlplan.Project:
		e.children = []*execNode{buildExec(t.Input)}
	case sqlplan.EquiJoin:
		e.children = []*execNode{buildExec(t.Left), buildExec(t.Right)}
		e.leftIx = make(map[string]*multiset)
		e.rightIx = make(map[string]*multiset)
	case sqlplan.Aggregate:
		e.children = []*execNode{buildExec(t.Input)}
		e.groups = make(map[string]*groupState)
	case sqlplan.Opaque:
		e.children = []*execNode{buildExec(t.Input)}
	}
	return e
}

// applyDeltas propagates source deltas through the node, updating its
// state and returning the node's output deltas.
func (e *execNode) applyDeltas(in map[changelog.Table][]delta) []delta {
	switch t := e.node.(type) {
	case sqlplan.Scan:
		return in[t.Table]

	case sqlplan.Select:
		var out []delta
		for _, d := range e.children[0].applyDeltas(in) {
			if t.Pred(d.row) {
				out = append(out, d)
			}
		}
		return out

	case sqlplan.Project:
		var out []delta
		for _, d := range e.children[0].applyDeltas(in) {
			out = append(out, delta{row: projectRow(d.row, t.Columns), sign: d.sign})
		}
		return out

	case sqlplan.EquiJoin:
		return e.applyJoinDeltas(t, in)

	case sqlplan.Aggregate:
		return e.applyAggregateDeltas(t, in)

	default:
		// Classification forces the Full strategy for Opaque operators.
		panic("operator is not delta-composable")
	}
}

// applyJoinDeltas computes Δ(L ⨝ R) as ΔL ⨝ R_old plus L_new ⨝ ΔR:
// right deltas probe the already-updated left index, so the ΔL ⨝ ΔR
// cross term is counted exactly once.
func (e *execNode) applyJoinDeltas(t sqlplan.EquiJoin, in map[changelog.Table][]delta) []delta {
	var dl = e.children[0].applyDeltas(in)
	var dr = e.children[1].applyDeltas(in)
	var out []delta

	for _, d := range dl {
		var k, ok = joinKey(d.row[t.LeftKey])
		if !ok {
			continue // NULL keys never match.
		}
		if ms := e.rightIx[k]; ms != nil {
			var d = d
			ms.each(func(r changelog.Row, n int) {
				out = append(out, delta{row: mergeRows(d.row, r), sign: d.sign * n})
			})
		}
	}
	indexDeltas(e.leftIx, dl, t.LeftKey)

	for _, d := range dr {
		var k, ok = joinKey(d.row[t.RightKey])
		if !ok {
			continue
		}
		if ms := e.leftIx[k]; ms != nil {
			var d = d
			ms.each(func(l changelog.Row, n int) {
				out = append(out, delta{row: mergeRows(l, d.row), sign: d.sign * n})
			})
		}
	}
	indexDeltas(e.rightIx, dr, t.RightKey)
	return out
}

func indexDeltas(ix map[string]*multiset, deltas []delta, key string) {
	for _, d := range deltas {
		var k, ok = joinKey(d.row[key])
		if !ok {
			continue
		}
		var ms = ix[k]
		if ms == nil {
			ms = newMultiset()
			ix[k] = ms
		}
		ms.add(d.row, d.sign)
		if len(ms.entries) == 0 {
			delete(ix, k)
		}
	}
}

func (e *execNode) applyAggregateDeltas(t sqlplan.Aggregate, in map[changelog.Table][]delta) []delta {
	var din = e.children[0].applyDeltas(in)

	// Batch input deltas by group.
	var grouped = make(map[string][]delta)
	var order []string
	for _, d := range din {
		var gk = groupKey(d.row, t.GroupBy)
		if _, ok := grouped[gk]; !ok {
			order = append(order, gk)
		}
		grouped[gk] = append(grouped[gk], d)
	}

	var out []delta
	for _, gk := range order {
		var gs, exists = e.groups[gk]
		var oldRow changelog.Row
		if exists && gs.total > 0 {
			oldRow = gs.outputRow(t)
		}
		if !exists {
			gs = newGroupState(t, grouped[gk][0].row)
			e.groups[gk] = gs
		}

		for _, d := range grouped[gk] {
			gs.apply(t, d)
		}

		var newRow changelog.Row
		if gs.total > 0 {
			newRow = gs.outputRow(t)
		} else {
			delete(e.groups, gk)
		}

		if oldRow != nil && newRow != nil && canonicalKey(oldRow) == canonicalKey(newRow) {
			continue // Group aggregate is unchanged.
		}
		if oldRow != nil {
			out = append(out, delta{row: oldRow, sign: -1})
		}
		if newRow != nil {
			out = append(out, delta{row: newRow, sign: 1})
		}
	}
	return out
}

// evalFull evaluates the tree over complete source states.
func evalFull(n sqlplan.Node, sources map[changelog.Table]*multiset) *multiset {
	switch t := n.(type) {
	case sqlplan.Scan:
		if ms, ok := sources[t.Table]; ok {
			return ms.clone()
		}
		return newMultiset()

	case sqlplan.Select:
		var in = evalFull(t.Input, sources)
		var out = newMultiset()
		in.each(func(r changelog.Row, n int) {
			if t.Pred(r) {
				out.add(r, n)
			}
		})
		return out

	case sqlplan.Project:
		var in = evalFull(t.Input, sources)
		var out = newMultiset()
		in.each(func(r changelog.Row, n int) {
			out.add(projectRow(r, t.Columns), n)
		})
		return out

	case sqlplan.EquiJoin:
		var left = evalFull(t.Left, sources)
		var right = evalFull(t.Right, sources)

		var ix = make(map[string]*multiset)
		right.each(func(r changelog.Row, n int) {
			if k, ok := joinKey(r[t.RightKey]); ok {
				if ix[k] == nil {
					ix[k] = newMultiset()
				}
				ix[k].add(r, n)
			}
		})

		var out = newMultiset()
		left.each(func(l changelog.Row, ln int) {
			var k, ok = joinKey(l[t.LeftKey])
			if !ok {
				return
			}
			if ms := ix[k]; ms != nil {
				ms.each(func(r changelog.Row, rn int) {
					out.add(mergeRows(l, r), ln*rn)
				})
			}
		})
		return out

	case sqlplan.Aggregate:
		var in = evalFull(t.Input, sources)

		var groups = make(map[string]*groupState)
		in.each(func(r changelog.Row, n int) {
			var gk = groupKey(r, t.GroupBy)
			var gs = groups[gk]
			if gs == nil {
				gs = newGroupState(t, r)
				groups[gk] = gs
			}
			gs.apply(t, delta{row: r, sign: n})
		})

		var out = newMultiset()
		for _, gs := range groups {
			if gs.total > 0 {
				out.add(gs.outputRow(t), 1)
			}
		}
		return out

	case sqlplan.Opaque:
		var in = evalFull(t.Input, sources)
		var out = newMultiset()
		for _, r := range t.Eval(in.snapshot()) {
			out.add(r, 1)
		}
		return out

	default:
		panic("unknown operator")
	}
}

func projectRow(r changelog.Row, cols []string) changelog.Row {
	var out = make(changelog.Row, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	return out
}

func mergeRows(l, r changelog.Row) changelog.Row {
	var out = make(changelog.Row, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range r {
		out[k] = v
	}
	return out
}

func joinKey(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	return scalarKey(v), true
}

func groupKey(r changelog.Row, cols []string) string {
	return canonicalKey(projectRow(r, cols))
}
