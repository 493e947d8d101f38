// Package parser turns dates, quantities and limits written in plain English
// into canonical values. Nothing here touches the network.
package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	FarPast    = "2000-01-01"
	FarFuture  = "2099-12-31"
)

// TimeRange holds ISO dates. An empty side is an open boundary.
type TimeRange struct {
	Start string `json:"start_date"`
	End   string `json:"end_date"`
}

func (r TimeRange) IsOpen() bool {
	return r.Start == "" || r.End == ""
}

type matcher struct {
	name  string
	match func(p *TimeParser, text string) (TimeRange, bool)
}

// matchers run in priority order; the first hit wins.
var matchers = []matcher{
	{"directional", (*TimeParser).matchDirectional},
	{"explicit_date", (*TimeParser).matchExplicitDates},
	{"calendar_keyword", (*TimeParser).matchCalendarKeywords},
	{"relative_period", (*TimeParser).matchRelativePeriod},
	{"vague_phrase", (*TimeParser).matchVaguePhrase},
	{"quarter_year", (*TimeParser).matchQuarterYear},
	{"year", (*TimeParser).matchYears},
	{"month_name", (*TimeParser).matchMonthNames},
	{"numeric_timeframe", (*TimeParser).matchNumericTimeframe},
}

type TimeParser struct {
	today time.Time
}

func NewTimeParser(today time.Time) *TimeParser {
	return &TimeParser{
		today: time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC),
	}
}

func (p *TimeParser) Today() time.Time {
	return p.today
}

// Parse returns false when the text carries no recognisable time reference.
func (p *TimeParser) Parse(text string) (TimeRange, bool) {
	r, _, ok := p.ParseWithRule(text)
	return r, ok
}

// ParseWithRule also reports which matcher produced the range.
func (p *TimeParser) ParseWithRule(text string) (TimeRange, string, bool) {
	lower := normalize(text)
	if lower == "" {
		return TimeRange{}, "", false
	}
	for _, m := range matchers {
		if r, ok := m.match(p, lower); ok {
			return r, m.name, true
		}
	}
	return TimeRange{}, "", false
}

const yearPattern = `((?:19|20)\d{2})`

var (
	reBeforeYear = regexp.MustCompile(`\b(?:before|prior to)\s+` + yearPattern + `\b`)
	reUntilYear  = regexp.MustCompile(`\b(?:until|till|through|thru|up to)\s+` + yearPattern + `\b`)
	reAfterYear  = regexp.MustCompile(`\bafter\s+` + yearPattern + `\b`)
	reSinceYear  = regexp.MustCompile(`\b(?:since|from|starting)\s+` + yearPattern + `\b`)

	reDateContinuation  = regexp.MustCompile(`^[-/]\d`)
	reRangeContinuation = regexp.MustCompile(`^\s*(?:-|–|to|through|thru|until|and)\s*(?:19|20)\d{2}\b`)
	reRangeLead         = regexp.MustCompile(`(?:19|20)\d{2}\s*(?:-|–)?\s*$`)
)

type directionalRule struct {
	re    *regexp.Regexp
	build func(year int) TimeRange
}

var directionalRules = []directionalRule{
	{reBeforeYear, func(y int) TimeRange { return TimeRange{End: yearEnd(y - 1)} }},
	{reUntilYear, func(y int) TimeRange { return TimeRange{End: yearEnd(y)} }},
	{reAfterYear, func(y int) TimeRange { return TimeRange{Start: yearStart(y + 1)} }},
	{reSinceYear, func(y int) TimeRange { return TimeRange{Start: yearStart(y)} }},
}

func (p *TimeParser) matchDirectional(text string) (TimeRange, bool) {
	for _, rule := range directionalRules {
		for _, loc := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			rest := text[loc[1]:]
			if reDateContinuation.MatchString(rest) || reRangeContinuation.MatchString(rest) {
				continue
			}
			if reRangeLead.MatchString(text[:loc[0]]) {
				continue
			}
			year, _ := strconv.Atoi(text[loc[2]:loc[3]])
			return rule.build(year), true
		}
	}
	return TimeRange{}, false
}

var (
	reUSDate  = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4})\b`)
	reISODate = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)

	reDateJoin     = regexp.MustCompile(`^\s*(?:to|through|thru|until|till|and|-|–)\s*$`)
	reOpenEndLead  = regexp.MustCompile(`\b(?:starting from|starting on|starting|from|after|since|beginning)\s*(?:on\s*)?$`)
	reOpenHeadLead = regexp.MustCompile(`\b(?:to|until|till|before|ending on|ending|up to|through|by)\s*$`)
)

type datedSpan struct {
	start, end int
	date       string
}

func (p *TimeParser) matchExplicitDates(text string) (TimeRange, bool) {
	var dates []datedSpan
	for _, loc := range reUSDate.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := validDate(text[loc[6]:loc[7]], text[loc[2]:loc[3]], text[loc[4]:loc[5]]); ok {
			dates = append(dates, datedSpan{loc[0], loc[1], d})
		}
	}
	for _, loc := range reISODate.FindAllStringSubmatchIndex(text, -1) {
		if d, ok := validDate(text[loc[2]:loc[3]], text[loc[4]:loc[5]], text[loc[6]:loc[7]]); ok {
			dates = append(dates, datedSpan{loc[0], loc[1], d})
		}
	}
	if len(dates) == 0 {
		return TimeRange{}, false
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].start < dates[j].start })

	first := dates[0]
	if len(dates) > 1 && reDateJoin.MatchString(text[first.end:dates[1].start]) {
		return TimeRange{Start: first.date, End: dates[1].date}, true
	}

	lead := text[:first.start]
	switch {
	case reOpenEndLead.MatchString(lead):
		return TimeRange{Start: first.date, End: FarFuture}, true
	case reOpenHeadLead.MatchString(lead):
		return TimeRange{Start: FarPast, End: first.date}, true
	default:
		return TimeRange{Start: first.date, End: first.date}, true
	}
}

// validDate rejects out-of-range components, including days past the end of
// the month, so "02-30-2024" never becomes a date.
func validDate(y, m, d string) (string, bool) {
	year, _ := strconv.Atoi(y)
	month, _ := strconv.Atoi(m)
	day, _ := strconv.Atoi(d)
	if year < 2000 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	if day > daysIn(year, time.Month(month)) {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

var (
	reNextYear    = regexp.MustCompile(`\bnext\s+year\b`)
	rePrevYear    = regexp.MustCompile(`\b(?:previous|last|prior)\s+year\b`)
	reThisYear    = regexp.MustCompile(`\b(?:this|current)\s+year\b`)
	reThisQuarter = regexp.MustCompile(`\b(?:this|current)\s+quarter\b`)
	reYearToDate  = regexp.MustCompile(`\b(?:year to date|year-to-date|ytd)\b`)
)

func (p *TimeParser) matchCalendarKeywords(text string) (TimeRange, bool) {
	y := p.today.Year()
	switch {
	case reNextYear.MatchString(text):
		return wholeYear(y + 1), true
	case rePrevYear.MatchString(text):
		return wholeYear(y - 1), true
	case reThisYear.MatchString(text):
		return wholeYear(y), true
	case reThisQuarter.MatchString(text):
		return quarterRange(y, (int(p.today.Month())-1)/3+1), true
	case reYearToDate.MatchString(text):
		return TimeRange{Start: yearStart(y), End: p.today.Format(DateLayout)}, true
	}
	return TimeRange{}, false
}

var (
	reFutureWords = regexp.MustCompile(`\b(?:next|coming|upcoming|future)\b`)
	rePastWords   = regexp.MustCompile(`\b(?:last|past|previous|recent)\b`)
	reAgo         = regexp.MustCompile(`\bago\b`)

	reCountedUnit = regexp.MustCompile(`\b(\d+)\s*(days?|weeks?|months?|quarters?|years?)\b`)
	reAnyUnit     = regexp.MustCompile(`\b(?:days?|weeks?|months?|quarters?|years?)\b`)
	reWeekUnit    = regexp.MustCompile(`\bweeks?\b`)
	reMonthsUnit  = regexp.MustCompile(`\bmonths\b`)
	reMonthUnit   = regexp.MustCompile(`\bmonth\b`)
	reQuarterUnit = regexp.MustCompile(`\bquarters?\b`)
	reYearUnit    = regexp.MustCompile(`\byears?\b`)
	reDayUnit     = regexp.MustCompile(`\bdays?\b`)
)

const fallbackDays = 30

var unitDays = map[string]int{
	"day":     1,
	"week":    7,
	"month":   30,
	"quarter": 90,
	"year":    365,
}

func (p *TimeParser) matchRelativePeriod(text string) (TimeRange, bool) {
	future := reFutureWords.MatchString(text)
	past := rePastWords.MatchString(text)
	if !future && !past {
		return TimeRange{}, false
	}
	// "near future" and friends belong to the vague table unless a unit is given.
	if _, vague := p.vagueOffsets(text); vague && !reAnyUnit.MatchString(text) {
		return TimeRange{}, false
	}

	sign := 1
	if !future {
		sign = -1
	}

	counted := wordsToDigits(text)
	if m := reCountedUnit.FindStringSubmatch(counted); m != nil {
		n, _ := strconv.Atoi(m[1])
		return p.span(p.shift(n, singular(m[2]), sign), sign), true
	}

	days := fallbackDays
	switch {
	case reDayUnit.MatchString(text):
		days = 1
	case reWeekUnit.MatchString(text):
		days = 7
	case reMonthsUnit.MatchString(text):
		days = 180
	case reMonthUnit.MatchString(text):
		days = 30
	case reQuarterUnit.MatchString(text):
		days = 90
	case reYearUnit.MatchString(text):
		days = 365
	}
	return p.span(p.today.AddDate(0, 0, sign*days), sign), true
}

type vagueEntry struct {
	re       *regexp.Regexp
	from, to int
}

// Longer phrases first so "near future" is not read as something shorter.
var vagueTable = []vagueEntry{
	{regexp.MustCompile(`\bnear(?:-|\s+)future\b`), 0, 180},
	{regexp.MustCompile(`\bshort(?:-|\s+)term\b`), 0, 180},
	{regexp.MustCompile(`\b(?:medium|mid)(?:-|\s+)term\b`), 180, 730},
	{regexp.MustCompile(`\blong(?:-|\s+)term\b`), 730, 1825},
	{regexp.MustCompile(`\blittle\s+while\b`), 0, 90},
	{regexp.MustCompile(`\bimmediately\b`), 0, 30},
	{regexp.MustCompile(`\brecently\b`), -90, 0},
	{regexp.MustCompile(`\bshortly\b`), 0, 60},
	{regexp.MustCompile(`\bsoon\b`), 0, 90},
}

func (p *TimeParser) vagueOffsets(text string) ([2]int, bool) {
	for _, v := range vagueTable {
		if v.re.MatchString(text) {
			return [2]int{v.from, v.to}, true
		}
	}
	return [2]int{}, false
}

func (p *TimeParser) matchVaguePhrase(text string) (TimeRange, bool) {
	off, ok := p.vagueOffsets(text)
	if !ok {
		return TimeRange{}, false
	}
	return TimeRange{
		Start: p.today.AddDate(0, 0, off[0]).Format(DateLayout),
		End:   p.today.AddDate(0, 0, off[1]).Format(DateLayout),
	}, true
}

var (
	reQuarterThenYear = regexp.MustCompile(`\bq([1-4])\s*(?:of\s+|,\s*|-\s*)?` + yearPattern + `\b`)
	reYearThenQuarter = regexp.MustCompile(`\b` + yearPattern + `\s*-?\s*q([1-4])\b`)
	reOrdinalQuarter  = regexp.MustCompile(`\b(first|second|third|fourth|1st|2nd|3rd|4th)\s+quarter\s*(?:of\s+|,\s*)?` + yearPattern + `\b`)
)

var ordinalQuarters = map[string]int{
	"first": 1, "1st": 1,
	"second": 2, "2nd": 2,
	"third": 3, "3rd": 3,
	"fourth": 4, "4th": 4,
}

func (p *TimeParser) matchQuarterYear(text string) (TimeRange, bool) {
	if m := reQuarterThenYear.FindStringSubmatch(text); m != nil {
		q, _ := strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[2])
		return quarterRange(y, q), true
	}
	if m := reYearThenQuarter.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		q, _ := strconv.Atoi(m[2])
		return quarterRange(y, q), true
	}
	if m := reOrdinalQuarter.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[2])
		return quarterRange(y, ordinalQuarters[m[1]]), true
	}
	return TimeRange{}, false
}

var (
	reBetweenYears = regexp.MustCompile(`\bbetween\s+` + yearPattern + `\s+and\s+` + yearPattern + `\b`)
	reYearSpan     = regexp.MustCompile(`\b` + yearPattern + `\s*(?:-|–|to|through|thru|until)\s*` + yearPattern + `\b`)
	reSingleYear   = regexp.MustCompile(`\b` + yearPattern + `\b`)
)

func (p *TimeParser) matchYears(text string) (TimeRange, bool) {
	for _, re := range []*regexp.Regexp{reBetweenYears, reYearSpan} {
		if m := re.FindStringSubmatch(text); m != nil {
			from, _ := strconv.Atoi(m[1])
			to, _ := strconv.Atoi(m[2])
			return TimeRange{Start: yearStart(from), End: yearEnd(to)}, true
		}
	}
	// A month name next to the year is more specific; leave it for the month matcher.
	if reMonthRange.MatchString(text) || reMonthYear.MatchString(text) {
		return TimeRange{}, false
	}
	if m := reSingleYear.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		return wholeYear(y), true
	}
	return TimeRange{}, false
}

const monthPattern = `(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)`

var (
	reMonthRange = regexp.MustCompile(`\b(?:between\s+|from\s+)?` + monthPattern + `\s*(?:and|to|through|thru|until|-|–)\s*` + monthPattern + `,?\s+(?:of\s+)?` + yearPattern + `\b`)
	reMonthYear  = regexp.MustCompile(`\b` + monthPattern + `,?\s+(?:of\s+)?` + yearPattern + `\b`)
)

var monthNumbers = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

func (p *TimeParser) matchMonthNames(text string) (TimeRange, bool) {
	if m := reMonthRange.FindStringSubmatch(text); m != nil {
		from, to := monthNumbers[m[1]], monthNumbers[m[2]]
		y, _ := strconv.Atoi(m[3])
		startYear := y
		// "november to february 2025" wraps into the previous year.
		if from > to {
			startYear = y - 1
		}
		return TimeRange{
			Start: monthStart(startYear, from),
			End:   monthEnd(y, to),
		}, true
	}
	if m := reMonthYear.FindStringSubmatch(text); m != nil {
		month := monthNumbers[m[1]]
		y, _ := strconv.Atoi(m[2])
		return TimeRange{Start: monthStart(y, month), End: monthEnd(y, month)}, true
	}
	return TimeRange{}, false
}

func (p *TimeParser) matchNumericTimeframe(text string) (TimeRange, bool) {
	m := reCountedUnit.FindStringSubmatch(wordsToDigits(text))
	if m == nil {
		return TimeRange{}, false
	}
	n, _ := strconv.Atoi(m[1])

	sign := 1
	if !reFutureWords.MatchString(text) && (rePastWords.MatchString(text) || reAgo.MatchString(text)) {
		sign = -1
	}
	return p.span(p.shift(n, singular(m[2]), sign), sign), true
}

// shift moves today by n units. Counted years follow the calendar, every
// other unit uses the fixed day table.
func (p *TimeParser) shift(n int, unit string, sign int) time.Time {
	if unit == "year" {
		return p.today.AddDate(sign*n, 0, 0)
	}
	return p.today.AddDate(0, 0, sign*n*unitDays[unit])
}

func (p *TimeParser) span(other time.Time, sign int) TimeRange {
	today := p.today.Format(DateLayout)
	if sign < 0 {
		return TimeRange{Start: other.Format(DateLayout), End: today}
	}
	return TimeRange{Start: today, End: other.Format(DateLayout)}
}

func singular(unit string) string {
	return strings.TrimSuffix(unit, "s")
}

func yearStart(y int) string {
	return fmt.Sprintf("%04d-01-01", y)
}

func yearEnd(y int) string {
	return fmt.Sprintf("%04d-12-31", y)
}

func wholeYear(y int) TimeRange {
	return TimeRange{Start: yearStart(y), End: yearEnd(y)}
}

func monthStart(y int, m time.Month) string {
	return fmt.Sprintf("%04d-%02d-01", y, int(m))
}

func monthEnd(y int, m time.Month) string {
	return fmt.Sprintf("%04d-%02d-%02d", y, int(m), daysIn(y, m))
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func quarterRange(y, q int) TimeRange {
	first := time.Month((q-1)*3 + 1)
	last := first + 2
	return TimeRange{Start: monthStart(y, first), End: monthEnd(y, last)}
}
