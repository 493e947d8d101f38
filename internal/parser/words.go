package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var unitWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensWords = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var (
	reCompoundNumber = regexp.MustCompile(`\b(twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety)(?:[\s-]+(one|two|three|four|five|six|seven|eight|nine))?\b`)
	reUnitNumber     = regexp.MustCompile(`\b(zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen)\b`)
	reArticleUnit    = regexp.MustCompile(`\b(?:a|an)\s+(day|week|month|quarter|year)\b`)
	reSpaces         = regexp.MustCompile(`\s+`)
)

// wordsToDigits rewrites English number words up to ninety-nine as digits,
// and "a week" style phrases as "1 week". Input must already be lowercase.
func wordsToDigits(text string) string {
	text = reCompoundNumber.ReplaceAllStringFunc(text, func(m string) string {
		parts := reCompoundNumber.FindStringSubmatch(m)
		n := tensWords[parts[1]]
		if parts[2] != "" {
			n += unitWords[parts[2]]
		}
		return strconv.Itoa(n)
	})
	text = reUnitNumber.ReplaceAllStringFunc(text, func(m string) string {
		return strconv.Itoa(unitWords[m])
	})
	return reArticleUnit.ReplaceAllString(text, "1 $1")
}

func normalize(text string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(strings.ToLower(text), " "))
}
