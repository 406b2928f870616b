package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/txsandbox/catalog"
)

// Predicate filters rows. String() is the canonical descriptor used as the
// RANGE lock resource, so equal predicates must render identically.
type Predicate interface {
	Match(values Payload) bool
	String() string
}

type allPredicate struct{}

// All matches every row
func All() Predicate { return allPredicate{} }

func (allPredicate) Match(Payload) bool { return true }
func (allPredicate) String() string     { return "*" }

// CompareOp is a comparison operator
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opSymbols = map[CompareOp]string{OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">="}

type comparePredicate struct {
	column string
	op     CompareOp
	value  any
}

// Compare matches rows where column op value holds. NULL never matches.
func Compare(column string, op CompareOp, value any) Predicate {
	return comparePredicate{column: column, op: op, value: value}
}

// Eq matches column = value
func Eq(column string, value any) Predicate { return Compare(column, OpEq, value) }

// Gt matches column > value
func Gt(column string, value any) Predicate { return Compare(column, OpGt, value) }

// Lt matches column < value
func Lt(column string, value any) Predicate { return Compare(column, OpLt, value) }

func (p comparePredicate) Match(values Payload) bool {
	v, ok := columnValue(values, p.column)
	if !ok || v == nil || p.value == nil {
		return false
	}
	c, ok := CompareValues(v, p.value)
	if !ok {
		return false
	}
	switch p.op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func (p comparePredicate) String() string {
	return fmt.Sprintf("%s %s %s", p.column, opSymbols[p.op], literal(p.value))
}

type isNullPredicate struct {
	column string
}

// IsNull matches rows where column is NULL or absent
func IsNull(column string) Predicate { return isNullPredicate{column: column} }

func (p isNullPredicate) Match(values Payload) bool {
	v, ok := columnValue(values, p.column)
	return !ok || v == nil
}

func (p isNullPredicate) String() string { return p.column + " IS NULL" }

type betweenPredicate struct {
	column string
	lo, hi any
}

// Between matches lo <= column <= hi: a key range
func Between(column string, lo, hi any) Predicate {
	return betweenPredicate{column: column, lo: lo, hi: hi}
}

func (p betweenPredicate) Match(values Payload) bool {
	v, ok := columnValue(values, p.column)
	if !ok || v == nil {
		return false
	}
	lo, okLo := CompareValues(v, p.lo)
	hi, okHi := CompareValues(v, p.hi)
	return okLo && okHi && lo >= 0 && hi <= 0
}

func (p betweenPredicate) String() string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", p.column, literal(p.lo), literal(p.hi))
}

type inPredicate struct {
	column string
	values []any
}

// In matches column IN (values...)
func In(column string, values ...any) Predicate {
	return inPredicate{column: column, values: values}
}

func (p inPredicate) Match(values Payload) bool {
	v, ok := columnValue(values, p.column)
	if !ok || v == nil {
		return false
	}
	for _, candidate := range p.values {
		if c, ok := CompareValues(v, candidate); ok && c == 0 {
			return true
		}
	}
	return false
}

func (p inPredicate) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = literal(v)
	}
	return fmt.Sprintf("%s IN (%s)", p.column, strings.Join(parts, ", "))
}

// likeCache holds compiled LIKE patterns; scenarios reuse a handful of them
var likeCache, _ = lru.New[string, glob.Glob](256)

type likePredicate struct {
	column  string
	pattern string
	matcher glob.Glob
}

// Like matches column LIKE pattern with SQL wildcards % and _ and bracket
// classes [abc] / [^abc]. Matching is case-insensitive.
func Like(column, pattern string) (Predicate, error) {
	matcher, err := compileLike(pattern)
	if err != nil {
		return nil, err
	}
	return likePredicate{column: column, pattern: pattern, matcher: matcher}, nil
}

// MustLike is Like for patterns known to be valid
func MustLike(column, pattern string) Predicate {
	p, err := Like(column, pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func compileLike(pattern string) (glob.Glob, error) {
	key := strings.ToLower(pattern)
	if g, ok := likeCache.Get(key); ok {
		return g, nil
	}

	g, err := glob.Compile(likeToGlob(key))
	if err != nil {
		return nil, fmt.Errorf("invalid LIKE pattern %q: %w", pattern, err)
	}
	likeCache.Add(key, g)
	return g, nil
}

// likeToGlob rewrites a SQL LIKE pattern in glob syntax
func likeToGlob(pattern string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if inClass {
			if ch == ']' {
				inClass = false
			}
			b.WriteByte(ch)
			continue
		}
		switch ch {
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		case '[':
			inClass = true
			b.WriteByte('[')
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				b.WriteByte('!')
				i++
			}
		case '*', '?', '{', '}', '\\', ']':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (p likePredicate) Match(values Payload) bool {
	v, ok := columnValue(values, p.column)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return p.matcher.Match(strings.ToLower(s))
}

func (p likePredicate) String() string {
	return fmt.Sprintf("%s LIKE %s", p.column, literal(p.pattern))
}

type andPredicate struct {
	preds []Predicate
}

// And matches when every predicate matches
func And(preds ...Predicate) Predicate {
	return andPredicate{preds: preds}
}

func (p andPredicate) Match(values Payload) bool {
	for _, pred := range p.preds {
		if !pred.Match(values) {
			return false
		}
	}
	return true
}

func (p andPredicate) String() string {
	if len(p.preds) == 0 {
		return "*"
	}
	parts := make([]string, len(p.preds))
	for i, pred := range p.preds {
		parts[i] = "(" + pred.String() + ")"
	}
	return strings.Join(parts, " AND ")
}

func columnValue(values Payload, column string) (any, bool) {
	if v, ok := values[column]; ok {
		return v, true
	}
	for k, v := range values {
		if strings.EqualFold(k, column) {
			return v, true
		}
	}
	return nil, false
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "'" + x.Format(catalog.DateLayout) + "'"
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return fmt.Sprint(v)
}

// CompareValues orders two non-NULL scalars. Numbers compare across Go
// numeric types, DATE strings compare with time.Time. ok is false when the
// values are not comparable.
func CompareValues(a, b any) (int, bool) {
	if fa, ok := catalog.ToFloat(a); ok {
		fb, ok := catalog.ToFloat(b)
		if !ok {
			if bb, isBool := b.(bool); isBool {
				fb, ok = boolFloat(bb), true
			}
		}
		if !ok {
			return 0, false
		}
		return cmpFloat(fa, fb), true
	}

	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(strings.ToLower(x), strings.ToLower(y)), true
		case time.Time:
			if t, err := time.Parse(catalog.DateLayout, x); err == nil {
				return t.Compare(y), true
			}
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), true
		case string:
			if t, err := time.Parse(catalog.DateLayout, y); err == nil {
				return x.Compare(t), true
			}
		}
	case bool:
		switch y := b.(type) {
		case bool:
			return cmpFloat(boolFloat(x), boolFloat(y)), true
		default:
			if fy, ok := catalog.ToFloat(y); ok {
				return cmpFloat(boolFloat(x), fy), true
			}
		}
	}
	return 0, false
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
