package parser

import (
	"regexp"
	"strconv"
	"strings"
)

const numberPattern = `(\d[\d,]*(?:\.\d+)?)`

type magnitude struct {
	re   *regexp.Regexp
	mult float64
}

// Tried in order; the first match wins.
var magnitudes = []magnitude{
	{regexp.MustCompile(numberPattern + `\s*billion\b`), 1e9},
	{regexp.MustCompile(numberPattern + `\s*(?:bn|b)\b`), 1e9},
	{regexp.MustCompile(numberPattern + `\s*million\b`), 1e6},
	{regexp.MustCompile(numberPattern + `\s*(?:mm|m)\b`), 1e6},
	{regexp.MustCompile(numberPattern + `\s*thousand\b`), 1e3},
	{regexp.MustCompile(numberPattern + `\s*k\b`), 1e3},
	{regexp.MustCompile(numberPattern), 1},
}

// NumberRange is an inclusive pair of magnitudes.
type NumberRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ParseNumber extracts the first magnitude in text, honouring million and
// thousand style suffixes and comma grouping.
func ParseNumber(text string) (float64, bool) {
	n, _, ok := parseMagnitude(wordsToDigits(normalize(text)))
	return n, ok
}

func parseMagnitude(text string) (float64, float64, bool) {
	for _, m := range magnitudes {
		match := m.re.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
		if err != nil {
			continue
		}
		return v * m.mult, m.mult, true
	}
	return 0, 0, false
}

const amountPattern = `(\$?\s*\d[\d,]*(?:\.\d+)?\s*(?:billion|million|thousand|bn|mm|b|m|k)?)\b`

var (
	reBetweenAmounts = regexp.MustCompile(`\bbetween\s+` + amountPattern + `\s+and\s+` + amountPattern)
	reFromToAmounts  = regexp.MustCompile(`\bfrom\s+` + amountPattern + `\s+to\s+` + amountPattern)
)

// ParseRange reads "between X and Y". A bare lower bound borrows the upper
// bound's suffix, so "between 1 and 5 million" spans one to five million.
func ParseRange(text string) (NumberRange, bool) {
	lower := wordsToDigits(normalize(text))
	for _, re := range []*regexp.Regexp{reBetweenAmounts, reFromToAmounts} {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		lo, loMult, okLo := parseMagnitude(m[1])
		hi, hiMult, okHi := parseMagnitude(m[2])
		if !okLo || !okHi {
			continue
		}
		if loMult == 1 && hiMult > 1 && lo*hiMult <= hi {
			lo *= hiMult
		}
		return NumberRange{Min: lo, Max: hi}, true
	}
	return NumberRange{}, false
}

var limitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\btop\s+(\d+)\b`),
	regexp.MustCompile(`\bfirst\s+(\d+)\b`),
	regexp.MustCompile(`\b(\d+)\s+largest\b`),
	regexp.MustCompile(`\b(\d+)\s+biggest\b`),
	regexp.MustCompile(`\blimit\s+(\d+)\b`),
}

// ParseLimit reads result-count phrases such as "top 10" or "5 largest".
func ParseLimit(text string) (int, bool) {
	lower := wordsToDigits(normalize(text))
	for _, re := range limitPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				continue
			}
			return n, true
		}
	}
	return 0, false
}
