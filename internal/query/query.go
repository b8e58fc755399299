// Package query builds read requests against the hosted backend's query API
// and evaluates filter expressions against records client-side.
package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"storepulse/internal/models"
)

// Op is a filter comparison operator
type Op string

const (
	OpEq   Op = "eq"
	OpNeq  Op = "neq"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpLike Op = "like"
	OpIn   Op = "in"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpLike: true, OpIn: true,
}

// Filter is one parsed filter expression
type Filter struct {
	Column string
	Op     Op
	Value  string
}

// ParseFilter parses a filter expression in "column=op.value" form,
// e.g. "status=eq.pending" or "total=gte.100".
func ParseFilter(expr string) (*Filter, error) {
	eq := strings.Index(expr, "=")
	if eq <= 0 {
		return nil, fmt.Errorf("invalid filter %q: expected column=op.value", expr)
	}
	column := expr[:eq]
	rest := expr[eq+1:]

	dot := strings.Index(rest, ".")
	if dot <= 0 {
		return nil, fmt.Errorf("invalid filter %q: missing operator", expr)
	}
	op := Op(rest[:dot])
	if !validOps[op] {
		return nil, fmt.Errorf("invalid filter %q: unknown operator %q", expr, rest[:dot])
	}

	return &Filter{
		Column: column,
		Op:     op,
		Value:  rest[dot+1:],
	}, nil
}

// Match evaluates the filter against a record. Values are compared
// numerically when both sides parse as numbers, as strings otherwise.
func (f *Filter) Match(rec models.Record) bool {
	raw, ok := rec[f.Column]
	if !ok {
		return false
	}
	val := stringify(raw)

	switch f.Op {
	case OpEq:
		return val == f.Value
	case OpNeq:
		return val != f.Value
	case OpGt:
		return compare(val, f.Value) > 0
	case OpGte:
		return compare(val, f.Value) >= 0
	case OpLt:
		return compare(val, f.Value) < 0
	case OpLte:
		return compare(val, f.Value) <= 0
	case OpLike:
		return matchLike(val, f.Value)
	case OpIn:
		for _, candidate := range strings.Split(f.Value, ",") {
			if val == strings.TrimSpace(candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// Options are the read-query knobs applied to an initial fetch
type Options struct {
	Columns    []string // empty = all columns
	Filter     string   // "column=op.value", empty = no filter
	OrderBy    string   // column name, empty = server default
	Descending bool
	Limit      int // 0 = no limit
}

// Encode translates the options into query-API URL parameters.
// Returns an error if the filter expression does not parse.
func (o Options) Encode() (url.Values, error) {
	v := url.Values{}
	if len(o.Columns) > 0 {
		v.Set("select", strings.Join(o.Columns, ","))
	}
	if o.Filter != "" {
		f, err := ParseFilter(o.Filter)
		if err != nil {
			return nil, err
		}
		v.Set(f.Column, string(f.Op)+"."+f.Value)
	}
	if o.OrderBy != "" {
		dir := "asc"
		if o.Descending {
			dir = "desc"
		}
		v.Set("order", o.OrderBy+"."+dir)
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	return v, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// compare orders two values numerically when possible, lexically otherwise
func compare(a, b string) int {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// matchLike matches a SQL LIKE pattern where % is a multi-character wildcard
func matchLike(val, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return val == pattern
	}
	if !strings.HasPrefix(val, parts[0]) {
		return false
	}
	val = val[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(val, part)
		if idx < 0 {
			return false
		}
		val = val[idx+len(part):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(val, last)
}
