package flight

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// jwThreshold is the minimum Jaro-Winkler similarity for a fuzzy airline
// match. Below it, the input is returned unchanged rather than guessed.
const jwThreshold = 0.85

// airlineAliases maps lowercase aliases (IATA codes, short names, common
// misspellings) to canonical airline names.
var airlineAliases = map[string]string{
	"aa":                "American Airlines",
	"american":          "American Airlines",
	"american airlines": "American Airlines",
	"dl":                "Delta Air Lines",
	"delta":             "Delta Air Lines",
	"delta airlines":    "Delta Air Lines",
	"delta air lines":   "Delta Air Lines",
	"ua":                "United Airlines",
	"united":            "United Airlines",
	"united airlines":   "United Airlines",
	"b6":                "JetBlue Airways",
	"jetblue":           "JetBlue Airways",
	"jet blue":          "JetBlue Airways",
	"jetblue airways":   "JetBlue Airways",
	"wn":                "Southwest Airlines",
	"southwest":         "Southwest Airlines",
	"ib":                "Iberia",
	"iberia":            "Iberia",
	"av":                "Avianca",
	"avianca":           "Avianca",
	"la":                "LATAM Airlines",
	"latam":             "LATAM Airlines",
	"latam airlines":    "LATAM Airlines",
	"am":                "Aeroméxico",
	"aeromexico":        "Aeroméxico",
	"ba":                "British Airways",
	"british airways":   "British Airways",
	"af":                "Air France",
	"air france":        "Air France",
	"lh":                "Lufthansa",
	"lufthansa":         "Lufthansa",
	"ek":                "Emirates",
	"emirates":          "Emirates",
	"qr":                "Qatar Airways",
	"qatar":             "Qatar Airways",
	"qatar airways":     "Qatar Airways",
}

// CanonicalAirline resolves a raw airline string to its canonical name.
//
// Lookup proceeds from cheap to expensive: exact alias hit, substring match
// against aliases, then Jaro-Winkler similarity for misspellings ("Luftansa",
// "Jetblu"). Inputs that resolve nowhere come back unchanged so that unknown
// carriers still display something.
func CanonicalAirline(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return raw
	}

	if canonical, ok := airlineAliases[name]; ok {
		return canonical
	}

	// Substring pass: "flying with united airlines inc" → "united airlines".
	// Prefer the longest alias contained in the input to avoid "air" style
	// false hits on short fragments.
	var bestAlias string
	for alias := range airlineAliases {
		if len(alias) < 4 {
			continue
		}
		if strings.Contains(name, alias) && len(alias) > len(bestAlias) {
			bestAlias = alias
		}
	}
	if bestAlias != "" {
		return airlineAliases[bestAlias]
	}

	// Fuzzy pass for misspellings.
	var (
		bestCanonical string
		bestScore     float64
	)
	for alias, canonical := range airlineAliases {
		if len(alias) < 4 {
			continue
		}
		if s := matchr.JaroWinkler(name, alias, false); s > bestScore {
			bestScore = s
			bestCanonical = canonical
		}
	}
	if bestScore >= jwThreshold {
		return bestCanonical
	}
	return raw
}
