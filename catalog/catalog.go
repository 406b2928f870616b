// Package catalog supplies table definitions and payload validation for the
// engine. Schemas come from the built-in HRSystem definition or a TOML file;
// DDL text is never parsed.
package catalog

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Catalog validates payloads against table definitions
type Catalog interface {
	Table(name string) (*Table, bool)
	Tables() []string
	Validate(table string, values map[string]any) error
}

// ColumnType is the storage type of a column
type ColumnType int

const (
	TypeInt ColumnType = iota + 1
	TypeDecimal
	TypeNVarchar
	TypeBit
	TypeDate
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeDecimal:
		return "DECIMAL"
	case TypeNVarchar:
		return "NVARCHAR"
	case TypeBit:
		return "BIT"
	case TypeDate:
		return "DATE"
	}
	return "UNKNOWN"
}

// DateLayout is the accepted string form of DATE values
const DateLayout = "2006-01-02"

var nvarcharPattern = regexp.MustCompile(`^NVARCHAR\((\d+|MAX)\)$`)

// Column describes one column. Type is the declared SQL type, e.g. "NVARCHAR(50)".
type Column struct {
	Name    string   `toml:"name"`
	Type    string   `toml:"type"`
	NotNull bool     `toml:"not_null"`
	Min     *float64 `toml:"min"`
	Max     *float64 `toml:"max"`

	kind   ColumnType
	maxLen int // 0 = unbounded
}

// Kind returns the parsed column type
func (c *Column) Kind() ColumnType {
	return c.kind
}

// Table is a table definition
type Table struct {
	Name    string   `toml:"name"`
	Key     string   `toml:"key"`
	Columns []Column `toml:"columns"`

	byName map[string]*Column
}

// Column looks up a column by name, case-insensitively like the default SQL Server collation
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.byName[strings.ToLower(name)]
	return c, ok
}

// ColumnNames returns the declared column names in order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i := range t.Columns {
		names[i] = t.Columns[i].Name
	}
	return names
}

// ConstraintError is returned by Validate for any schema violation
type ConstraintError struct {
	Table  string
	Column string
	Reason string
}

func (e *ConstraintError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("constraint violation on %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("constraint violation on %s.%s: %s", e.Table, e.Column, e.Reason)
}

// Static is an immutable in-memory catalog
type Static struct {
	tables map[string]*Table
}

// NewStatic compiles the given table definitions
func NewStatic(tables ...*Table) (*Static, error) {
	s := &Static{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if err := t.compile(); err != nil {
			return nil, err
		}
		key := strings.ToLower(t.Name)
		if _, dup := s.tables[key]; dup {
			return nil, fmt.Errorf("duplicate table %q", t.Name)
		}
		s.tables[key] = t
	}
	return s, nil
}

type schemaFile struct {
	Tables []*Table `toml:"tables"`
}

// LoadFile reads table definitions from a TOML schema file
func LoadFile(path string) (*Static, error) {
	var f schemaFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode schema %s: %w", path, err)
	}
	if len(f.Tables) == 0 {
		return nil, fmt.Errorf("schema %s defines no tables", path)
	}
	return NewStatic(f.Tables...)
}

func (t *Table) compile() error {
	if t.Name == "" {
		return fmt.Errorf("table without a name")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}

	t.byName = make(map[string]*Column, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if err := c.compile(); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		lower := strings.ToLower(c.Name)
		if _, dup := t.byName[lower]; dup {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		t.byName[lower] = c
	}

	if t.Key != "" {
		if _, ok := t.byName[strings.ToLower(t.Key)]; !ok {
			return fmt.Errorf("table %s: key column %q not declared", t.Name, t.Key)
		}
	}
	return nil
}

func (c *Column) compile() error {
	if c.Name == "" {
		return fmt.Errorf("column without a name")
	}

	declared := strings.ToUpper(strings.ReplaceAll(c.Type, " ", ""))
	switch {
	case declared == "INT":
		c.kind = TypeInt
	case declared == "DECIMAL" || strings.HasPrefix(declared, "DECIMAL("):
		c.kind = TypeDecimal
	case declared == "BIT":
		c.kind = TypeBit
	case declared == "DATE":
		c.kind = TypeDate
	case nvarcharPattern.MatchString(declared):
		c.kind = TypeNVarchar
		if n := nvarcharPattern.FindStringSubmatch(declared)[1]; n != "MAX" {
			size, err := strconv.Atoi(n)
			if err != nil || size < 1 || size > 4000 {
				return fmt.Errorf("column %s: invalid NVARCHAR length %s", c.Name, n)
			}
			c.maxLen = size
		}
	default:
		return fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}

	if (c.Min != nil || c.Max != nil) && c.kind != TypeInt && c.kind != TypeDecimal {
		return fmt.Errorf("column %s: CHECK bounds require a numeric type", c.Name)
	}
	return nil
}

// Table returns the definition of the named table
func (s *Static) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Tables returns table names in sorted order
func (s *Static) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for _, t := range s.tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a full row image. Missing columns are treated as NULL.
func (s *Static) Validate(table string, values map[string]any) error {
	t, ok := s.Table(table)
	if !ok {
		return &ConstraintError{Table: table, Reason: "unknown table"}
	}

	for name := range values {
		if _, ok := t.Column(name); !ok {
			return &ConstraintError{Table: t.Name, Column: name, Reason: "unknown column"}
		}
	}

	for i := range t.Columns {
		c := &t.Columns[i]
		v, present := lookup(values, c.Name)
		if !present || v == nil {
			if c.NotNull {
				return &ConstraintError{Table: t.Name, Column: c.Name, Reason: "cannot insert the value NULL"}
			}
			continue
		}
		if reason := c.check(v); reason != "" {
			return &ConstraintError{Table: t.Name, Column: c.Name, Reason: reason}
		}
	}
	return nil
}

func lookup(values map[string]any, column string) (any, bool) {
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

func (c *Column) check(v any) string {
	switch c.kind {
	case TypeInt:
		n, ok := ToFloat(v)
		if !ok || n != math.Trunc(n) {
			return fmt.Sprintf("expected INT, got %T", v)
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return "arithmetic overflow converting to INT"
		}
		return c.checkBounds(n)
	case TypeDecimal:
		n, ok := ToFloat(v)
		if !ok {
			return fmt.Sprintf("expected DECIMAL, got %T", v)
		}
		return c.checkBounds(n)
	case TypeNVarchar:
		str, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected NVARCHAR, got %T", v)
		}
		if c.maxLen > 0 && len([]rune(str)) > c.maxLen {
			return fmt.Sprintf("string would be truncated (%d > %d)", len([]rune(str)), c.maxLen)
		}
	case TypeBit:
		switch b := v.(type) {
		case bool:
		default:
			n, ok := ToFloat(b)
			if !ok || (n != 0 && n != 1) {
				return fmt.Sprintf("expected BIT, got %v", v)
			}
		}
	case TypeDate:
		switch d := v.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(DateLayout, d); err != nil {
				return fmt.Sprintf("invalid DATE %q", d)
			}
		default:
			return fmt.Sprintf("expected DATE, got %T", v)
		}
	}
	return ""
}

func (c *Column) checkBounds(n float64) string {
	if c.Min != nil && n < *c.Min {
		return fmt.Sprintf("CHECK constraint failed: %v < %v", n, *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return fmt.Sprintf("CHECK constraint failed: %v > %v", n, *c.Max)
	}
	return ""
}

// ToFloat converts any Go numeric value to float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
