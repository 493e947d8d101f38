package sizing

import "strings"

type Tier string

const (
	Micro   Tier = "Micro"
	Small   Tier = "Small"
	Medium  Tier = "Medium"
	Large   Tier = "Large"
	Mega    Tier = "Mega"
	Unknown Tier = "unknown"
)

var Tiers = []Tier{Micro, Small, Medium, Large, Mega}

// Rank orders tiers from Micro (0) to Mega (4); Unknown ranks -1.
func (t Tier) Rank() int {
	for i, tier := range Tiers {
		if t == tier {
			return i
		}
	}
	return -1
}

var tierWords = map[string]Tier{
	"micro":     Micro,
	"tiny":      Micro,
	"small":     Small,
	"medium":    Medium,
	"mid-size":  Medium,
	"midsize":   Medium,
	"mid-sized": Medium,
	"large":     Large,
	"big":       Large,
	"mega":      Mega,
	"huge":      Mega,
	"massive":   Mega,
	"enormous":  Mega,
}

// ParseTier maps tier names and size adjectives to a Tier.
func ParseTier(s string) (Tier, bool) {
	for _, word := range strings.Fields(strings.ToLower(s)) {
		if t, ok := tierWords[strings.Trim(word, ",.!?\"'")]; ok {
			return t, true
		}
	}
	return Unknown, false
}
