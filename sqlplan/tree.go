// Package sqlplan models the abstract operator trees which define
// materializations. Trees are supplied by an external query front-end,
// already parsed and validated for column references; this package
// validates structure and classifies delta-composability.
package sqlplan

import (
	"sort"

	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
)

// Node is one operator of a defining query's tree.
type Node interface {
	isNode()
}

// Scan reads all rows of a change-tracked source table. The source may
// itself be a materialization target.
type Scan struct {
	Table changelog.Table
}

// Select filters input rows by a deterministic predicate.
type Select struct {
	Input Node
	Pred  func(changelog.Row) bool
}

// Project restricts input rows to the named columns.
type Project struct {
	Input   Node
	Columns []string
}

// EquiJoin joins two inputs on equality of LeftKey and RightKey columns.
// Output rows merge the left row's columns with the right row's; on a
// column name collision the right side wins.
type EquiJoin struct {
	Left, Right       Node
	LeftKey, RightKey string
}

// Aggregate groups input rows by the GroupBy columns and computes the
// given aggregations per group.
type Aggregate struct {
	Input   Node
	GroupBy []string
	Aggs    []Aggregation
}

// Opaque wraps an operator the engine cannot maintain incrementally: a
// non-deterministic function, a complex window function, or any other
// construct evaluated wholesale by the external execution engine.
type Opaque struct {
	Input Node
	// Reason describes why the operator is opaque, for error surfaces.
	Reason string
	// Eval computes the operator's full output from its full input.
	Eval func([]changelog.Row) []changelog.Row
}

func (Scan) isNode()      {}
func (Select) isNode()    {}
func (Project) isNode()   {}
func (EquiJoin) isNode()  {}
func (Aggregate) isNode() {}
func (Opaque) isNode()    {}

// AggFunc enumerates supported aggregation functions.
type AggFunc int

const (
	AggSum AggFunc = iota + 1
	AggCount
	AggAvg
	AggMin
	AggMax
)

// String returns the name of the AggFunc.
func (f AggFunc) String() string {
	switch f {
	case AggSum:
		return "SUM"
	case AggCount:
		return "COUNT"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "INVALID"
	}
}

// Aggregation is one aggregate computation of an Aggregate node.
type Aggregation struct {
	// Func applied over the group.
	Func AggFunc
	// Column aggregated. Ignored by AggCount, which counts group rows.
	Column string
	// As names the aggregate's output column.
	As string
}

// Sources returns the distinct source tables read by the tree, ordered.
func Sources(n Node) []changelog.Table {
	var set = make(map[changelog.Table]struct{})
	walkSources(n, set)

	var out = make([]changelog.Table, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func walkSources(n Node, set map[changelog.Table]struct{}) {
	switch t := n.(type) {
	case Scan:
		set[t.Table] = struct{}{}
	case Select:
		walkSources(t.Input, set)
	case Project:
		walkSources(t.Input, set)
	case EquiJoin:
		walkSources(t.Left, set)
		walkSources(t.Right, set)
	case Aggregate:
		walkSources(t.Input, set)
	case Opaque:
		walkSources(t.Input, set)
	}
}

// Validate returns a descriptive error of the first structural problem
// of the tree, or nil.
func Validate(n Node) error {
	switch t := n.(type) {
	case nil:
		return errors.New("expected a Node")
	case Scan:
		if t.Table == "" {
			return errors.New("Scan: expected a Table")
		}
	case Select:
		if t.Pred == nil {
			return errors.New("Select: expected a Pred")
		}
		return errors.WithMessage(Validate(t.Input), "Select.Input")
	case Project:
		if len(t.Columns) == 0 {
			return errors.New("Project: expected Columns")
		}
		return errors.WithMessage(Validate(t.Input), "Project.Input")
	case EquiJoin:
		if t.LeftKey == "" || t.RightKey == "" {
			return errors.New("EquiJoin: expected LeftKey and RightKey")
		}
		if err := Validate(t.Left); err != nil {
			return errors.WithMessage(err, "EquiJoin.Left")
		}
		return errors.WithMessage(Validate(t.Right), "EquiJoin.Right")
	case Aggregate:
		if len(t.Aggs) == 0 {
			return errors.New("Aggregate: expected Aggs")
		}
		for i, agg := range t.Aggs {
			if agg.Func < AggSum || agg.Func > AggMax {
				return errors.Errorf("Aggregate.Aggs[%d]: invalid Func (%d)", i, agg.Func)
			} else if agg.As == "" {
				return errors.Errorf("Aggregate.Aggs[%d]: expected As", i)
			} else if agg.Func != AggCount && agg.Column == "" {
				return errors.Errorf("Aggregate.Aggs[%d]: expected Column", i)
			}
		}
		return errors.WithMessage(Validate(t.Input), "Aggregate.Input")
	case Opaque:
		if t.Eval == nil {
			return errors.New("Opaque: expected an Eval")
		}
		return errors.WithMessage(Validate(t.Input), "Opaque.Input")
	default:
		return errors.Errorf("unknown Node type (%T)", n)
	}
	return nil
}
