package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTimeParser(t *testing.T) {
	p := NewTimeParser(day(2026, time.January, 20))

	tests := []struct {
		name  string
		input string
		want  TimeRange
		rule  string
	}{
		{"before year", "projects before 2023", TimeRange{"", "2022-12-31"}, "directional"},
		{"prior to year", "anything prior to 2020", TimeRange{"", "2019-12-31"}, "directional"},
		{"until year", "up to 2024", TimeRange{"", "2024-12-31"}, "directional"},
		{"since year", "since 2021", TimeRange{"2021-01-01", ""}, "directional"},
		{"after year", "after 2020", TimeRange{"2021-01-01", ""}, "directional"},
		{"from year range is not directional", "from 2020 through 2025", TimeRange{"2020-01-01", "2025-12-31"}, "year"},
		{"iso date", "due on 2024-03-01", TimeRange{"2024-03-01", "2024-03-01"}, "explicit_date"},
		{"us date with slashes", "submitted 3/15/2024", TimeRange{"2024-03-15", "2024-03-15"}, "explicit_date"},
		{"from date", "from 01-15-2024", TimeRange{"2024-01-15", FarFuture}, "explicit_date"},
		{"since date beats directional year", "since 2024-06-01", TimeRange{"2024-06-01", FarFuture}, "explicit_date"},
		{"until date", "until 2024-06-30", TimeRange{FarPast, "2024-06-30"}, "explicit_date"},
		{"two dates", "between 2024-01-01 and 2024-03-31", TimeRange{"2024-01-01", "2024-03-31"}, "explicit_date"},
		{"invalid date falls through", "on 13-45-2024", TimeRange{"2024-01-01", "2024-12-31"}, "year"},
		{"this year", "this year", TimeRange{"2026-01-01", "2026-12-31"}, "calendar_keyword"},
		{"next year", "next year", TimeRange{"2027-01-01", "2027-12-31"}, "calendar_keyword"},
		{"last year", "wins from last year", TimeRange{"2025-01-01", "2025-12-31"}, "calendar_keyword"},
		{"this quarter", "this quarter", TimeRange{"2026-01-01", "2026-03-31"}, "calendar_keyword"},
		{"next 3 months", "next 3 months", TimeRange{"2026-01-20", "2026-04-20"}, "relative_period"},
		{"last 10 years", "last 10 years", TimeRange{"2016-01-20", "2026-01-20"}, "relative_period"},
		{"number words", "in the past two weeks", TimeRange{"2026-01-06", "2026-01-20"}, "relative_period"},
		{"unit default week", "next week", TimeRange{"2026-01-20", "2026-01-27"}, "relative_period"},
		{"unit default months", "upcoming months", TimeRange{"2026-01-20", "2026-07-19"}, "relative_period"},
		{"fallback thirty days", "upcoming deadlines", TimeRange{"2026-01-20", "2026-02-19"}, "relative_period"},
		{"near future is vague", "in the near future", TimeRange{"2026-01-20", "2026-07-19"}, "vague_phrase"},
		{"soon", "due soon", TimeRange{"2026-01-20", "2026-04-20"}, "vague_phrase"},
		{"recently", "recently awarded", TimeRange{"2025-10-22", "2026-01-20"}, "vague_phrase"},
		{"long term", "long-term pipeline", TimeRange{"2028-01-20", "2031-01-19"}, "vague_phrase"},
		{"quarter with year", "Q3 2024", TimeRange{"2024-07-01", "2024-09-30"}, "quarter_year"},
		{"ordinal quarter", "third quarter 2024", TimeRange{"2024-07-01", "2024-09-30"}, "quarter_year"},
		{"year then quarter", "2023 Q1", TimeRange{"2023-01-01", "2023-03-31"}, "quarter_year"},
		{"single year", "in 2024", TimeRange{"2024-01-01", "2024-12-31"}, "year"},
		{"between years", "between 2020 and 2025", TimeRange{"2020-01-01", "2025-12-31"}, "year"},
		{"dashed years", "2020-2025", TimeRange{"2020-01-01", "2025-12-31"}, "year"},
		{"years with to", "2020 to 2027", TimeRange{"2020-01-01", "2027-12-31"}, "year"},
		{"month range", "between January and March 2024", TimeRange{"2024-01-01", "2024-03-31"}, "month_name"},
		{"month range leap year", "jan through feb 2024", TimeRange{"2024-01-01", "2024-02-29"}, "month_name"},
		{"single month", "March 2025", TimeRange{"2025-03-01", "2025-03-31"}, "month_name"},
		{"numeric neutral forward", "within 2 weeks", TimeRange{"2026-01-20", "2026-02-03"}, "numeric_timeframe"},
		{"numeric ago", "6 months ago", TimeRange{"2025-07-24", "2026-01-20"}, "numeric_timeframe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule, ok := p.ParseWithRule(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestTimeParserNoMatch(t *testing.T) {
	p := NewTimeParser(day(2026, time.January, 20))

	for _, input := range []string{"", "   ", "projects in California", "show me the largest proposals"} {
		_, ok := p.Parse(input)
		assert.False(t, ok, input)
	}
}

func TestTimeParserCalendarYearsFollowToday(t *testing.T) {
	for _, today := range []time.Time{day(2024, time.February, 29), day(2030, time.December, 31), day(2025, time.June, 1)} {
		p := NewTimeParser(today.Add(15 * time.Hour))
		y := today.Year()

		got, ok := p.Parse("this year")
		require.True(t, ok)
		assert.Equal(t, wholeYear(y), got)

		got, ok = p.Parse("next year")
		require.True(t, ok)
		assert.Equal(t, wholeYear(y+1), got)
	}
}

func TestTimeParserSingleDayIsIdempotent(t *testing.T) {
	p := NewTimeParser(day(2026, time.January, 20))

	for _, input := range []string{"2024-03-01", "03-01-2024", "12/31/2099", "2000-02-29"} {
		first, ok := p.Parse(input)
		require.True(t, ok, input)
		require.Equal(t, first.Start, first.End)

		again, ok := p.Parse(first.Start)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestTimeParserQuarterBoundaries(t *testing.T) {
	want := map[time.Month]TimeRange{
		time.February:  {"2025-01-01", "2025-03-31"},
		time.May:       {"2025-04-01", "2025-06-30"},
		time.September: {"2025-07-01", "2025-09-30"},
		time.October:   {"2025-10-01", "2025-12-31"},
	}
	for month, expected := range want {
		p := NewTimeParser(day(2025, month, 15))
		got, ok := p.Parse("current quarter")
		require.True(t, ok)
		assert.Equal(t, expected, got, month.String())
	}
}
