package query

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/parser"
	"github.com/proposal-insights/backend/internal/sizing"
)

const timeReferenceArg = "time_reference"

// preparsed holds what the deterministic parsers found in the question.
type preparsed struct {
	timeRange parser.TimeRange
	timeRule  string
	hasTime   bool
	limit     int
	fees      *parser.NumberRange
}

func preparse(today time.Time, question string) preparsed {
	var p preparsed
	p.timeRange, p.timeRule, p.hasTime = parser.NewTimeParser(today).ParseWithRule(question)
	if n, ok := parser.ParseLimit(question); ok {
		p.limit = n
	}
	if r, ok := parser.ParseRange(question); ok && !(isYear(r.Min) && isYear(r.Max)) {
		p.fees = &r
	}
	return p
}

// isYear keeps "between 2020 and 2025" from reading as a fee range.
func isYear(v float64) bool {
	return v == math.Trunc(v) && v >= 1900 && v <= 2100
}

// hints renders the pre-resolved facts handed to the classifier.
func (p preparsed) hints() []string {
	var out []string
	if p.hasTime {
		var sides []string
		if p.timeRange.Start != "" {
			sides = append(sides, "start_date="+p.timeRange.Start)
		}
		if p.timeRange.End != "" {
			sides = append(sides, "end_date="+p.timeRange.End)
		}
		out = append(out, "The time reference in the question resolves to "+strings.Join(sides, " "))
	}
	if p.limit > 0 {
		out = append(out, fmt.Sprintf("Requested result count: limit=%d", p.limit))
	}
	if p.fees != nil {
		out = append(out, fmt.Sprintf("Fee range: min_fee=%s max_fee=%s", formatAmount(p.fees.Min), formatAmount(p.fees.Max)))
	}
	return out
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}

// normalizeArguments maps aliases to canonical names, turns a time phrase
// into concrete date bounds and coerces numbers, limits and tiers. It never
// overrides a date bound the classifier supplied explicitly.
func normalizeArguments(spec catalog.FunctionSpec, args map[string]any, pre preparsed, today time.Time) map[string]any {
	out := make(map[string]any, len(args))
	for name, v := range args {
		canonical := name
		if _, ok := spec.Parameter(name); !ok && name != timeReferenceArg {
			if c, ok := spec.ResolveAlias(name); ok {
				canonical = c
			}
		}
		if _, dup := out[canonical]; dup && canonical != name {
			continue
		}
		out[canonical] = v
	}

	fromParam, toParam := dateParams(spec)
	if fromParam != "" || toParam != "" {
		r, ok := resolveTime(out, pre, today)
		if ok {
			if fromParam != "" && r.Start != "" && isBlankValue(out[fromParam]) {
				out[fromParam] = r.Start
			}
			if toParam != "" && r.End != "" && isBlankValue(out[toParam]) {
				out[toParam] = r.End
			}
		}
	}

	for _, p := range spec.Parameters {
		v, present := out[p.Name]
		switch {
		case p.Operator == catalog.OpLimit:
			if !present && pre.limit > 0 {
				out[p.Name] = pre.limit
			} else if present {
				if n, ok := coerceLimit(v); ok {
					out[p.Name] = n
				}
			}
		case p.Operator == catalog.OpTier && present:
			if t, ok := sizing.ParseTier(fmt.Sprint(v)); ok {
				out[p.Name] = string(t)
			}
		case p.Type == "number" && present:
			if s, ok := v.(string); ok {
				if n, ok := parser.ParseNumber(s); ok {
					out[p.Name] = n
				}
			}
		}
	}

	if pre.fees != nil {
		for _, p := range spec.Parameters {
			if _, present := out[p.Name]; present {
				continue
			}
			switch p.Operator {
			case catalog.OpGte:
				if p.Type == "number" && p.Column == "fee" {
					out[p.Name] = pre.fees.Min
				}
			case catalog.OpLte:
				if p.Type == "number" && p.Column == "fee" {
					out[p.Name] = pre.fees.Max
				}
			}
		}
	}

	return out
}

// resolveTime prefers the phrase the classifier copied, then the question.
func resolveTime(args map[string]any, pre preparsed, today time.Time) (parser.TimeRange, bool) {
	if phrase, ok := args[timeReferenceArg].(string); ok && strings.TrimSpace(phrase) != "" {
		if r, ok := parser.NewTimeParser(today).Parse(phrase); ok {
			return r, true
		}
	}
	return pre.timeRange, pre.hasTime
}

func dateParams(spec catalog.FunctionSpec) (string, string) {
	var from, to string
	for _, p := range spec.Parameters {
		switch {
		case p.Operator == catalog.OpDateFrom && from == "":
			from = p.Name
		case p.Operator == catalog.OpDateTo && to == "":
			to = p.Name
		}
	}
	return from, to
}

func coerceLimit(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n > 0
	case int64:
		return int(n), n > 0
	case float64:
		return int(n), n >= 1
	case string:
		if l, ok := parser.ParseLimit(n); ok {
			return l, true
		}
		if f, ok := parser.ParseNumber(n); ok && f >= 1 {
			return int(f), true
		}
	}
	return 0, false
}

func isBlankValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
