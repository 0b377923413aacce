package carrier

import "strings"

// countryCode is stripped before prefix matching; destinations are
// dialed with it (see message.NormalizeNumber).
const countryCode = "57"

// Colombian mobile prefixes (first three digits after the country code).
var prefixTable = map[string][]string{
	"movistar": {"310", "311", "320", "321"},
	"claro":    {"301", "302", "303", "304", "305"},
	"wom":      {"322", "323"},
	"directv":  {"312"},
}

// Detect guesses the carrier that owns a number from its prefix.
// Numbers that are too short or unknown fall back to the default
// carrier; there is no error case.
func Detect(number string) string {
	n := strings.TrimSpace(number)
	n = strings.TrimPrefix(n, countryCode)

	if len(n) < 3 {
		return DefaultName
	}
	prefix := n[:3]

	for name, prefixes := range prefixTable {
		for _, p := range prefixes {
			if prefix == p {
				return name
			}
		}
	}
	return DefaultName
}
