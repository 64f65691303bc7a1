package materialize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.driftlog.dev/core/changelog"
)

// delta is one signed row contribution: +1 for an insert, -1 for a
// delete. An update is the pair of its delete and insert halves.
type delta struct {
	row  changelog.Row
	sign int
}

// multiset is a bag of rows with signed multiplicities, keyed by a
// canonical row encoding.
type multiset struct {
	entries map[string]*msEntry
}

type msEntry struct {
	row changelog.Row
	n   int
}

func newMultiset() *multiset {
	return &multiset{entries: make(map[string]*msEntry)}
}

func (m *multiset) add(row changelog.Row, sign int) {
	var key = canonicalKey(row)
	var e, ok = m.entries[key]
	if !ok {
		e = &msEntry{row: row}
		m.entries[key] = e
	}
	e.n += sign
	if e.n == 0 {
		delete(m.entries, key)
	}
}

func (m *multiset) clone() *multiset {
	var out = newMultiset()
	for k, e := range m.entries {
		out.entries[k] = &msEntry{row: e.row, n: e.n}
	}
	return out
}

// size returns the total positive multiplicity of the multiset.
func (m *multiset) size() int {
	var n int
	for _, e := range m.entries {
		if e.n > 0 {
			n += e.n
		}
	}
	return n
}

// each invokes fn for each distinct row and its multiplicity.
func (m *multiset) each(fn func(changelog.Row, int)) {
	for _, e := range m.entries {
		fn(e.row, e.n)
	}
}

// snapshot expands the multiset into a row slice, in canonical order.
func (m *multiset) snapshot() []changelog.Row {
	var keys = make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out = make([]changelog.Row, 0, len(m.entries))
	for _, k := range keys {
		var e = m.entries[k]
		for i := 0; i < e.n; i++ {
			out = append(out, e.row.Copy())
		}
	}
	return out
}

// diff returns the deltas which transform this multiset into |next|.
func (m *multiset) diff(next *multiset) []delta {
	var out []delta
	for key, e := range next.entries {
		var prev int
		if pe, ok := m.entries[key]; ok {
			prev = pe.n
		}
		if d := e.n - prev; d != 0 {
			out = append(out, delta{row: e.row, sign: d})
		}
	}
	for key, e := range m.entries {
		if _, ok := next.entries[key]; !ok {
			out = append(out, delta{row: e.row, sign: -e.n})
		}
	}
	return out
}

// canonicalKey returns a stable encoding of the row's columns and values.
func canonicalKey(row changelog.Row) string {
	var cols = make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	for _, c := range cols {
		b.WriteString(c)
		b.WriteByte(0x00)
		b.WriteString(scalarKey(row[c]))
		b.WriteByte(0x01)
	}
	return b.String()
}

// scalarKey canonicalizes a column value such that numerically equal
// values of differing Go types encode identically.
func scalarKey(v interface{}) string {
	if v == nil {
		return "\x02"
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// compareVals orders two column values: numerics numerically, all else
// by string form.
func compareVals(a, b interface{}) int {
	var af, aok = toFloat(a)
	var bf, bok = toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
