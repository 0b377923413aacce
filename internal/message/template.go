// Package message prepares outbound SMS content.
package message

import (
	"fmt"
	"strings"
)

const linkPlaceholder = "{link}"

const countryCode = "57"

// Render substitutes `{column}` placeholders with the item's row data,
// then `{link}` with the dynamic link when one was supplied. Unmatched
// placeholders stay verbatim; callers treat an empty result as a
// validation failure, not as a pass-through.
func Render(template string, rowData map[string]any, dynamicLink string) string {
	out := template

	for column, value := range rowData {
		placeholder := "{" + column + "}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, stringify(value))
		}
	}

	if dynamicLink != "" && strings.Contains(out, linkPlaceholder) {
		out = strings.ReplaceAll(out, linkPlaceholder, dynamicLink)
	}

	return out
}

// NormalizeNumber prefixes the country code when absent. The gateway
// only accepts fully qualified destinations.
func NormalizeNumber(number string) string {
	n := strings.TrimSpace(number)
	if strings.HasPrefix(n, countryCode) {
		return n
	}
	return countryCode + n
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
