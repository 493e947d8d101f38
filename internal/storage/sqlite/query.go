package sqlite

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/sizing"
)

var (
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
	ErrUnknownParameter    = errors.New("unknown parameter")
	ErrInvalidValue        = errors.New("invalid parameter value")
)

// MaxRows caps listing queries that carry no explicit limit.
const MaxRows = 500

// feeColumn feeds the aggregate columns of grouped queries.
const feeColumn = "fee"

// metaArguments are understood by the pipeline but never become filters.
var metaArguments = map[string]bool{"time_reference": true}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Query struct {
	SQL  string
	Args []any
}

// BuildQuery turns a classification into a parameterised SELECT using the
// operator metadata of spec. tierExpr is the size-tier CASE expression used
// by tier filters and tier grouping.
func BuildQuery(spec catalog.FunctionSpec, args map[string]any, tierExpr string) (Query, error) {
	if !identifier.MatchString(spec.Table) {
		return Query{}, fmt.Errorf("invalid table name %q", spec.Table)
	}

	var (
		where []string
		qargs []any
		limit = 0
	)

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if metaArguments[name] {
			continue
		}
		value := args[name]
		if isBlank(value) {
			continue
		}

		param, ok := spec.Parameter(name)
		if !ok {
			canonical, found := spec.ResolveAlias(name)
			if !found {
				return Query{}, fmt.Errorf("%w %q for %s", ErrUnknownParameter, name, spec.Name)
			}
			param, _ = spec.Parameter(canonical)
		}
		if param.Column != "" && !identifier.MatchString(param.Column) {
			return Query{}, fmt.Errorf("invalid column name %q", param.Column)
		}

		switch param.Operator {
		case catalog.OpEq:
			where = append(where, fmt.Sprintf("LOWER(%s) = LOWER(?)", param.Column))
			qargs = append(qargs, fmt.Sprint(value))
		case catalog.OpLike:
			where = append(where, fmt.Sprintf("LOWER(%s) LIKE ?", param.Column))
			qargs = append(qargs, "%"+strings.ToLower(fmt.Sprint(value))+"%")
		case catalog.OpGte, catalog.OpLte:
			n, ok := toNumber(value)
			if !ok {
				return Query{}, fmt.Errorf("%w: %s=%v is not a number", ErrInvalidValue, param.Name, value)
			}
			op := ">="
			if param.Operator == catalog.OpLte {
				op = "<="
			}
			where = append(where, fmt.Sprintf("CAST(%s AS REAL) %s ?", param.Column, op))
			qargs = append(qargs, n)
		case catalog.OpDateFrom:
			where = append(where, fmt.Sprintf("%s >= ?", param.Column))
			qargs = append(qargs, fmt.Sprint(value))
		case catalog.OpDateTo:
			where = append(where, fmt.Sprintf("%s <= ?", param.Column))
			qargs = append(qargs, fmt.Sprint(value))
		case catalog.OpTier:
			tier, ok := sizing.ParseTier(fmt.Sprint(value))
			if !ok {
				return Query{}, fmt.Errorf("%w: %s=%v is not a size tier", ErrInvalidValue, param.Name, value)
			}
			if tierExpr == "" {
				return Query{}, fmt.Errorf("%w: tier filter without tier expression", ErrUnsupportedOperator)
			}
			where = append(where, fmt.Sprintf("(%s) = ?", tierExpr))
			qargs = append(qargs, string(tier))
		case catalog.OpLimit:
			n, ok := toNumber(value)
			if !ok || n < 1 {
				return Query{}, fmt.Errorf("%w: %s=%v is not a positive integer", ErrInvalidValue, param.Name, value)
			}
			limit = int(n)
		default:
			return Query{}, fmt.Errorf("%w %q", ErrUnsupportedOperator, param.Operator)
		}
	}

	var b strings.Builder
	switch {
	case spec.GroupBy == catalog.GroupByTier:
		if tierExpr == "" {
			return Query{}, fmt.Errorf("%w: tier grouping without tier expression", ErrUnsupportedOperator)
		}
		fmt.Fprintf(&b, "SELECT %s AS size_tier, COUNT(*) AS project_count, SUM(CAST(%s AS REAL)) AS total_fee FROM %s",
			tierExpr, feeColumn, spec.Table)
	case spec.GroupBy != "":
		if !identifier.MatchString(spec.GroupBy) {
			return Query{}, fmt.Errorf("invalid group column %q", spec.GroupBy)
		}
		fmt.Fprintf(&b, "SELECT %s, COUNT(*) AS project_count, SUM(CAST(%s AS REAL)) AS total_fee FROM %s",
			spec.GroupBy, feeColumn, spec.Table)
	default:
		cols := "*"
		if len(spec.Columns) > 0 {
			for _, c := range spec.Columns {
				if !identifier.MatchString(c) {
					return Query{}, fmt.Errorf("invalid column name %q", c)
				}
			}
			cols = strings.Join(spec.Columns, ", ")
		}
		fmt.Fprintf(&b, "SELECT %s FROM %s", cols, spec.Table)
	}

	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if spec.GroupBy != "" {
		fmt.Fprintf(&b, " GROUP BY %s ORDER BY project_count DESC", spec.GroupBy)
	} else if spec.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(spec.OrderBy)
	}

	if spec.GroupBy == "" && limit == 0 {
		limit = MaxRows
	}
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		qargs = append(qargs, limit)
	}

	return Query{SQL: b.String(), Args: qargs}, nil
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		return f, err == nil
	}
	return 0, false
}
