package normalize

import "strings"

// groupingNoise lists product/service descriptors, address words and
// directionals that do not distinguish one payee from another.
var groupingNoise = map[string]bool{
	// descriptors
	"the": true, "and": true, "of": true, "services": true, "service": true,
	"solutions": true, "group": true, "holdings": true, "enterprises": true,
	"enterprise": true, "consulting": true, "systems": true, "technologies": true,
	"technology": true, "tech": true, "international": true, "intl": true,
	"global": true, "usa": true, "us": true, "america": true, "american": true,
	"store": true, "stores": true, "shop": true, "online": true, "payment": true,
	"payments": true, "pymt": true, "pmt": true, "purchase": true, "pos": true,
	"debit": true, "inc": true, "llc": true, "corp": true, "co": true,
	// address words
	"street": true, "st": true, "avenue": true, "ave": true, "road": true,
	"rd": true, "suite": true, "ste": true, "blvd": true, "boulevard": true,
	"drive": true, "dr": true, "lane": true, "ln": true, "po": true, "box": true,
	"floor": true, "fl": true, "unit": true, "hwy": true, "highway": true,
	// directionals
	"north": true, "south": true, "east": true, "west": true, "n": true,
	"s": true, "e": true, "w": true, "ne": true, "nw": true, "se": true, "sw": true,
}

// CollapseForGrouping aggressively reduces a name for duplicate-group
// detection within one batch: it applies Name, drops noise words and
// digit-only tokens, then removes all whitespace. When every token is noise
// the suffix-stripped name is returned with spaces removed.
func CollapseForGrouping(name string) string {
	base := Name(name)
	if base == "" {
		return ""
	}

	var kept []string
	for _, tok := range strings.Fields(base) {
		if groupingNoise[tok] || isDigits(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	if len(kept) == 0 {
		return strings.ReplaceAll(base, " ", "")
	}
	return strings.Join(kept, "")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
