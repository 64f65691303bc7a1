package sqlplan

// Strategy is the tagged refresh strategy selected for a tree.
type Strategy interface {
	isStrategy()
}

// Full recomputes the materialization from complete source state.
type Full struct {
	// Reason the tree is not delta-composable.
	Reason string
}

// Incremental maintains the materialization by applying source deltas.
type Incremental struct{}

func (Full) isStrategy()        {}
func (Incremental) isStrategy() {}

// Classify selects the refresh Strategy for a tree. It is a pure
// function: a tree is delta-composable when every operator is a
// selection, projection, equi-join, or decomposable aggregation.
// MIN and MAX are treated as decomposable: deletions of a contributing
// row are handled by recomputing the affected group, not by forcing a
// full refresh. Any Opaque operator forces Full.
func Classify(n Node) Strategy {
	if reason := opaqueReason(n); reason != "" {
		return Full{Reason: reason}
	}
	return Incremental{}
}

func opaqueReason(n Node) string {
	switch t := n.(type) {
	case Scan:
		return ""
	case Select:
		return opaqueReason(t.Input)
	case Project:
		return opaqueReason(t.Input)
	case EquiJoin:
		if r := opaqueReason(t.Left); r != "" {
			return r
		}
		return opaqueReason(t.Right)
	case Aggregate:
		return opaqueReason(t.Input)
	case Opaque:
		if t.Reason != "" {
			return t.Reason
		}
		return "opaque operator"
	default:
		return "unknown operator"
	}
}
