package dom

import "strings"

// NormalizeText trims and case folds s. Text strategies compare normalized
// values on both sides.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AttributeSelector builds a CSS attribute equality selector with a safely
// quoted value, e.g. [data-testid="export"].
func AttributeSelector(name, value string) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(name)
	b.WriteString(`="`)
	for _, r := range value {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\a `)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString(`"]`)
	return b.String()
}
