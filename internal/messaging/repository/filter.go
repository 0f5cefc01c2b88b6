package repository

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Op comparison operator of a Condition
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Condition column <op> value
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Filter conditions joined by AND, or by OR when Any is set
type Filter struct {
	Conditions []Condition
	Any        bool
}

// Order sort column
type Order struct {
	Column string
	Desc   bool
}

// Eq shorthand for a single equality filter
func Eq(column string, value any) Filter {
	return Filter{Conditions: []Condition{{Column: column, Op: OpEq, Value: value}}}
}

// AnyOf matches rows where at least one condition holds
func AnyOf(conds ...Condition) Filter {
	return Filter{Conditions: conds, Any: true}
}

// AllOf matches rows where every condition holds
func AllOf(conds ...Condition) Filter {
	return Filter{Conditions: conds}
}

// IsEmpty true when the filter matches everything
func (f Filter) IsEmpty() bool {
	return len(f.Conditions) == 0
}

// Validate rejects unknown operators
func (f Filter) Validate() error {
	for _, c := range f.Conditions {
		switch c.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		default:
			return fmt.Errorf("unsupported operator %q on %s", c.Op, c.Column)
		}
		if c.Column == "" {
			return fmt.Errorf("condition without column")
		}
	}
	return nil
}

// Match evaluates the filter against a decoded JSON row
func (f Filter) Match(row map[string]any) bool {
	if f.IsEmpty() {
		return true
	}
	for _, c := range f.Conditions {
		ok := c.match(row)
		if f.Any && ok {
			return true
		}
		if !f.Any && !ok {
			return false
		}
	}
	return !f.Any
}

func (c Condition) match(row map[string]any) bool {
	got, present := row[c.Column]
	want := normalize(c.Value)
	if !present {
		got = nil
	}
	cmp, comparable := compareValues(got, want)
	switch c.Op {
	case OpEq:
		return comparable && cmp == 0
	case OpNeq:
		return !comparable || cmp != 0
	case OpGt:
		return comparable && cmp > 0
	case OpGte:
		return comparable && cmp >= 0
	case OpLt:
		return comparable && cmp < 0
	case OpLte:
		return comparable && cmp <= 0
	}
	return false
}

// normalize gives v the same shape encoding/json would decode it into
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

// compareValues orders two decoded JSON scalars. Strings that both parse as
// RFC3339 are compared as instants.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt), true
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// sortRows orders decoded rows in place; rows missing the column sort first
func sortRows(rows []map[string]any, order *Order) {
	if order == nil || order.Column == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		cmp, ok := compareValues(rows[i][order.Column], rows[j][order.Column])
		if !ok {
			// nil sorts before everything else
			return rows[i][order.Column] == nil && rows[j][order.Column] != nil
		}
		if order.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
