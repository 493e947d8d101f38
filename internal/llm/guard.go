package llm

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/parser"
	"github.com/proposal-insights/backend/pkg/logger"
)

// timeReferenceArg carries the raw time phrase copied by the model.
const timeReferenceArg = "time_reference"

// PreserveIntent applies the correction policy to a corrected classification
// regardless of what the model did: explicit date arguments come back,
// at most one filter is dropped when three or more were present, and
// hinted values are snapped to the closest value the database knows.
func PreserveIntent(today time.Time, question string, functions []catalog.FunctionSpec, fb ErrorFeedback, corrected Classification) Classification {
	if corrected.Failed() || corrected.IsNone() {
		return corrected
	}
	out := corrected.Clone()

	spec, ok := findFunction(functions, out.FunctionName)
	if !ok {
		return out
	}
	prevSpec, _ := findFunction(functions, fb.PreviousFunction)

	accepts := func(name string) bool {
		if name == timeReferenceArg {
			return true
		}
		_, ok := spec.Parameter(name)
		return ok
	}

	if _, hasDate := parser.NewTimeParser(today).Parse(question); hasDate {
		for name, v := range fb.PreviousArgs {
			if isDateArg(prevSpec, name) && accepts(name) && !reflect.DeepEqual(out.Arguments[name], v) {
				out.Arguments[name] = v
				logger.Debug("Restored explicit date argument", zap.String("argument", name))
			}
		}
	}

	if fb.ErrorType == FeedbackNoResults {
		restoreDroppedFilters(prevSpec, fb.PreviousArgs, out.Arguments, accepts)
	}

	if len(fb.DatabaseHints) > 0 {
		snapToHints(spec, out.Arguments, fb.DatabaseHints)
	}

	return out
}

func findFunction(functions []catalog.FunctionSpec, name string) (catalog.FunctionSpec, bool) {
	for _, f := range functions {
		if f.Name == name {
			return f, true
		}
	}
	return catalog.FunctionSpec{}, false
}

func isDateArg(spec catalog.FunctionSpec, name string) bool {
	if name == timeReferenceArg {
		return true
	}
	if p, ok := spec.Parameter(name); ok {
		return p.IsDate()
	}
	return name == "start_date" || name == "end_date"
}

func isFilterArg(spec catalog.FunctionSpec, name string) bool {
	if name == timeReferenceArg {
		return false
	}
	if p, ok := spec.Parameter(name); ok {
		return p.IsFilter()
	}
	return name != "limit"
}

// relaxPriority orders filters from first to last candidate for dropping.
func relaxPriority(spec catalog.FunctionSpec, name string) int {
	switch {
	case name == "category":
		return 0
	case name == "status":
		return 1
	case isDateArg(spec, name):
		return 9
	case strings.Contains(name, "contact") || name == "person":
		return 8
	}
	if p, ok := spec.Parameter(name); ok && p.Hint {
		return 2
	}
	return 5
}

// restoreDroppedFilters keeps at most one filter dropped when three or more
// were present, putting back everything except the best relaxation candidate.
func restoreDroppedFilters(prevSpec catalog.FunctionSpec, prev, args map[string]any, accepts func(string) bool) {
	var filters, dropped []string
	for name := range prev {
		if !isFilterArg(prevSpec, name) {
			continue
		}
		filters = append(filters, name)
		if _, kept := args[name]; !kept {
			dropped = append(dropped, name)
		}
	}
	if len(filters) < 3 || len(dropped) <= 1 {
		return
	}

	sort.Slice(dropped, func(i, j int) bool {
		pi, pj := relaxPriority(prevSpec, dropped[i]), relaxPriority(prevSpec, dropped[j])
		if pi != pj {
			return pi < pj
		}
		return dropped[i] < dropped[j]
	})

	for _, name := range dropped[1:] {
		if accepts(name) {
			args[name] = prev[name]
		}
	}
	logger.Debug("Restored over-relaxed filters",
		zap.String("relaxed", dropped[0]),
		zap.Strings("restored", dropped[1:]),
	)
}

func snapToHints(spec catalog.FunctionSpec, args map[string]any, hints map[string][]string) {
	for name, v := range args {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		valid := hints[name]
		if len(valid) == 0 {
			if p, ok := spec.Parameter(name); ok {
				valid = hints[p.Column]
			}
		}
		if len(valid) == 0 {
			continue
		}
		if snapped := closestValue(s, valid); snapped != s {
			logger.Debug("Snapped argument to database value",
				zap.String("argument", name),
				zap.String("from", s),
				zap.String("to", snapped),
			)
			args[name] = snapped
		}
	}
}

// closestValue picks the valid value nearest to s: an exact case-insensitive
// match, then the best fuzzy subsequence match, then the smallest edit distance.
func closestValue(s string, valid []string) string {
	needle := strings.ToLower(strings.TrimSpace(s))
	lowered := make([]string, len(valid))
	for i, v := range valid {
		lowered[i] = strings.ToLower(v)
		if lowered[i] == needle {
			return v
		}
	}

	if matches := fuzzy.Find(needle, lowered); len(matches) > 0 {
		return valid[matches[0].Index]
	}
	for i, v := range lowered {
		if strings.Contains(v, needle) || strings.Contains(needle, v) {
			return valid[i]
		}
	}

	best, bestDist := valid[0], -1
	for i, v := range lowered {
		if d := editDistance(needle, v); bestDist < 0 || d < bestDist {
			best, bestDist = valid[i], d
		}
	}
	return best
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
