package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/maxpert/txsandbox/catalog"
)

// AggFunc is an aggregate function
type AggFunc int

const (
	AggCount AggFunc = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	}
	return "UNKNOWN"
}

// Aggregation is one output column of Aggregate. An empty Column with
// AggCount is COUNT(*).
type Aggregation struct {
	Func   AggFunc
	Column string
	As     string
}

func CountAll(as string) Aggregation      { return Aggregation{Func: AggCount, As: as} }
func Count(column, as string) Aggregation { return Aggregation{Func: AggCount, Column: column, As: as} }
func Sum(column, as string) Aggregation   { return Aggregation{Func: AggSum, Column: column, As: as} }
func Avg(column, as string) Aggregation   { return Aggregation{Func: AggAvg, Column: column, As: as} }
func MinOf(column, as string) Aggregation { return Aggregation{Func: AggMin, Column: column, As: as} }
func MaxOf(column, as string) Aggregation { return Aggregation{Func: AggMax, Column: column, As: as} }

func (a Aggregation) name() string {
	switch {
	case a.As != "":
		return a.As
	case a.Column == "":
		return a.Func.String() + "(*)"
	}
	return fmt.Sprintf("%s(%s)", a.Func, a.Column)
}

// numericSum adds numbers and stays integral while every input is an
// integer, so SUM over an INT column is an INT
type numericSum struct {
	n       int
	f       float64
	i       int64
	inexact bool
}

func (s *numericSum) add(v any) {
	if i, ok := integerValue(v); ok {
		s.i += i
		s.f += float64(i)
		s.n++
		return
	}
	if f, ok := catalog.ToFloat(v); ok {
		s.f += f
		s.inexact = true
		s.n++
	}
}

func (s *numericSum) value() any {
	switch {
	case s.n == 0:
		return nil
	case s.inexact:
		return s.f
	}
	return s.i
}

func integerValue(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		return int64(x), x <= math.MaxInt64
	case uint64:
		return int64(x), x <= math.MaxInt64
	}
	return 0, false
}

type aggState struct {
	count    int
	sum      numericSum
	min, max any
}

// add folds one row in. NULLs are ignored except by COUNT(*).
func (s *aggState) add(a Aggregation, row Payload) {
	if a.Column == "" {
		s.count++
		return
	}
	v, ok := columnValue(row, a.Column)
	if !ok || v == nil {
		return
	}
	s.count++
	s.sum.add(v)
	if s.min == nil {
		s.min, s.max = v, v
		return
	}
	if compareAny(v, s.min) < 0 {
		s.min = v
	}
	if compareAny(v, s.max) > 0 {
		s.max = v
	}
}

func (s *aggState) result(a Aggregation) any {
	switch a.Func {
	case AggCount:
		return int64(s.count)
	case AggSum:
		return s.sum.value()
	case AggAvg:
		if s.sum.n == 0 {
			return nil
		}
		return s.sum.f / float64(s.sum.n)
	case AggMin:
		return s.min
	case AggMax:
		return s.max
	}
	return nil
}

// compareAny orders values with NULL first, falling back to text order for
// values of unrelated types
func compareAny(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := CompareValues(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareTuples(a, b []any) int {
	for i := range a {
		if c := compareAny(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func tupleOf(row Payload, columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i], _ = columnValue(row, c)
	}
	return out
}

// groupKey is case-insensitive like the default collation
func groupKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strings.ToLower(literal(v))
	}
	return strings.Join(parts, "\x00")
}

// Aggregate evaluates aggs over the rows of table matching pred, grouped by
// groupBy. Groups come back ordered by their key. Without groupBy a single
// row is returned even for an empty input.
func (e *Executor) Aggregate(ctx context.Context, txn *Transaction, table string, pred Predicate, groupBy []string, aggs ...Aggregation) ([]Payload, error) {
	var out []Payload
	err := e.statement(txn, StmtAggregate, func() error {
		for _, a := range aggs {
			if a.Column == "" && a.Func != AggCount {
				return fmt.Errorf("%s requires a column", a.Func)
			}
		}

		rows, err := e.readLocked(ctx, txn, table, pred)
		if err != nil {
			return err
		}

		type group struct {
			key    []any
			states []aggState
		}
		groups := make(map[string]*group)
		var ordered []*group
		for _, row := range rows {
			key := tupleOf(row.Values, groupBy)
			k := groupKey(key)
			g, ok := groups[k]
			if !ok {
				g = &group{key: key, states: make([]aggState, len(aggs))}
				groups[k] = g
				ordered = append(ordered, g)
			}
			for i, a := range aggs {
				g.states[i].add(a, row.Values)
			}
		}
		if len(groupBy) == 0 && len(ordered) == 0 {
			ordered = append(ordered, &group{states: make([]aggState, len(aggs))})
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return compareTuples(ordered[i].key, ordered[j].key) < 0
		})

		out = make([]Payload, 0, len(ordered))
		for _, g := range ordered {
			p := make(Payload, len(groupBy)+len(aggs))
			for i, c := range groupBy {
				p[c] = g.key[i]
			}
			for i, a := range aggs {
				p[a.name()] = g.states[i].result(a)
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// WindowFunc is a window function
type WindowFunc int

const (
	RowNumber WindowFunc = iota + 1
	Rank
	DenseRank
	RunningSum
	Lag
	Lead
)

func (f WindowFunc) String() string {
	switch f {
	case RowNumber:
		return "ROW_NUMBER"
	case Rank:
		return "RANK"
	case DenseRank:
		return "DENSE_RANK"
	case RunningSum:
		return "SUM"
	case Lag:
		return "LAG"
	case Lead:
		return "LEAD"
	}
	return "UNKNOWN"
}

// OrderKey is one ORDER BY term
type OrderKey struct {
	Column string
	Desc   bool
}

// WindowColumn is one computed column. Column is the argument of SUM, LAG
// and LEAD; Offset defaults to 1 and Default fills LAG/LEAD past the edge.
type WindowColumn struct {
	Func    WindowFunc
	Column  string
	Offset  int
	Default any
	As      string
}

func (c WindowColumn) name() string {
	if c.As != "" {
		return c.As
	}
	if c.Column == "" {
		return c.Func.String()
	}
	return fmt.Sprintf("%s(%s)", c.Func, c.Column)
}

// WindowSpec is an OVER (PARTITION BY ... ORDER BY ...) clause and the
// columns computed over it
type WindowSpec struct {
	PartitionBy []string
	OrderBy     []OrderKey
	Columns     []WindowColumn
}

func (s WindowSpec) compareOrder(a, b Payload) int {
	for _, k := range s.OrderBy {
		va, _ := columnValue(a, k.Column)
		vb, _ := columnValue(b, k.Column)
		c := compareAny(va, vb)
		if k.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Window returns every row of table matching pred with the window columns
// of spec added, ordered by partition and then by the window order. RANK and
// DENSE_RANK treat rows with equal order keys as peers; the running SUM
// includes all peers of the current row.
func (e *Executor) Window(ctx context.Context, txn *Transaction, table string, pred Predicate, spec WindowSpec) ([]Payload, error) {
	var out []Payload
	err := e.statement(txn, StmtWindow, func() error {
		for _, c := range spec.Columns {
			if c.Column == "" && (c.Func == RunningSum || c.Func == Lag || c.Func == Lead) {
				return fmt.Errorf("%s requires a column", c.Func)
			}
		}

		rows, err := e.readLocked(ctx, txn, table, pred)
		if err != nil {
			return err
		}
		sort.SliceStable(rows, func(i, j int) bool {
			pi, pj := tupleOf(rows[i].Values, spec.PartitionBy), tupleOf(rows[j].Values, spec.PartitionBy)
			if c := compareTuples(pi, pj); c != 0 {
				return c < 0
			}
			return spec.compareOrder(rows[i].Values, rows[j].Values) < 0
		})

		out = make([]Payload, 0, len(rows))
		for start := 0; start < len(rows); {
			key := groupKey(tupleOf(rows[start].Values, spec.PartitionBy))
			end := start + 1
			for end < len(rows) && groupKey(tupleOf(rows[end].Values, spec.PartitionBy)) == key {
				end++
			}
			out = append(out, spec.evaluate(rows[start:end])...)
			start = end
		}
		return nil
	})
	return out, err
}

// evaluate computes the window columns over one partition
func (s WindowSpec) evaluate(part []ResultRow) []Payload {
	out := make([]Payload, len(part))
	for i := range part {
		out[i] = part[i].Values.Clone()
	}

	for _, col := range s.Columns {
		name := col.name()
		offset := col.Offset
		if offset <= 0 {
			offset = 1
		}

		rank, dense := 0, 0
		var running numericSum
		for i := 0; i < len(part); {
			// peers share the same order keys
			j := i + 1
			for j < len(part) && s.compareOrder(part[i].Values, part[j].Values) == 0 {
				j++
			}
			rank = i + 1
			dense++
			for k := i; k < j; k++ {
				if v, ok := columnValue(part[k].Values, col.Column); ok && v != nil {
					running.add(v)
				}
			}

			for k := i; k < j; k++ {
				switch col.Func {
				case RowNumber:
					out[k][name] = int64(k + 1)
				case Rank:
					out[k][name] = int64(rank)
				case DenseRank:
					out[k][name] = int64(dense)
				case RunningSum:
					out[k][name] = running.value()
				case Lag:
					out[k][name] = shifted(part, k-offset, col)
				case Lead:
					out[k][name] = shifted(part, k+offset, col)
				}
			}
			i = j
		}
	}
	return out
}

func shifted(part []ResultRow, idx int, col WindowColumn) any {
	if idx < 0 || idx >= len(part) {
		return col.Default
	}
	v, _ := columnValue(part[idx].Values, col.Column)
	return v
}

// Recursive result columns
const (
	LevelColumn = "Level"
	PathColumn  = "Path"
)

// DefaultMaxRecursion is the recursion limit applied when none is given
const DefaultMaxRecursion = 100

// Hierarchy describes a recursive walk down a self-referencing table, such
// as employees and their managers
type Hierarchy struct {
	// Anchor selects the level 0 rows; nil selects rows whose parent is NULL
	Anchor       Predicate
	KeyColumn    string
	ParentColumn string
	// MaxRecursion bounds the depth; 0 applies DefaultMaxRecursion and a
	// negative value removes the limit
	MaxRecursion int
}

// Recursive walks the hierarchy breadth first from the anchor rows. Each row
// carries its depth in Level and the chain of keys from its anchor in Path.
// Exceeding the recursion limit fails the statement with ErrMaxRecursion.
func (e *Executor) Recursive(ctx context.Context, txn *Transaction, table string, h Hierarchy) ([]Payload, error) {
	var out []Payload
	err := e.statement(txn, StmtRecursive, func() error {
		if h.KeyColumn == "" || h.ParentColumn == "" {
			return fmt.Errorf("recursive query requires key and parent columns")
		}
		anchor := h.Anchor
		if anchor == nil {
			anchor = IsNull(h.ParentColumn)
		}

		rows, err := e.readLocked(ctx, txn, table, All())
		if err != nil {
			return err
		}

		limit := h.MaxRecursion
		switch {
		case limit == 0:
			limit = DefaultMaxRecursion
		case limit < 0:
			// unlimited, but a cycle must still terminate
			limit = len(rows) + 1
		}

		children := make(map[string][]Payload)
		var frontier []Payload
		for _, row := range rows {
			if parent, ok := columnValue(row.Values, h.ParentColumn); ok && parent != nil {
				k := groupKey([]any{parent})
				children[k] = append(children[k], row.Values)
			}
			if anchor.Match(row.Values) {
				p := row.Values.Clone()
				key, _ := columnValue(p, h.KeyColumn)
				p[LevelColumn] = int64(0)
				p[PathColumn] = fmt.Sprint(key)
				frontier = append(frontier, p)
			}
		}

		for level := 0; len(frontier) > 0; level++ {
			out = append(out, frontier...)

			var next []Payload
			for _, parent := range frontier {
				key, _ := columnValue(parent, h.KeyColumn)
				for _, child := range children[groupKey([]any{key})] {
					p := child.Clone()
					childKey, _ := columnValue(p, h.KeyColumn)
					p[LevelColumn] = int64(level + 1)
					p[PathColumn] = fmt.Sprintf("%s > %v", parent[PathColumn], childKey)
					next = append(next, p)
				}
			}
			if len(next) > 0 && level+1 > limit {
				out = nil
				return fmt.Errorf("%w (limit %d)", ErrMaxRecursion, limit)
			}
			frontier = next
		}
		return nil
	})
	return out, err
}
