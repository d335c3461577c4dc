package moderation

import "strings"

// MaxMessageChars is the maximum message length in runes after sanitization.
const MaxMessageChars = 2000

// htmlEscaper rewrites the characters that could break out of an HTML text
// node. '&' is deliberately not escaped so that Sanitize is idempotent.
var htmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// Sanitize escapes HTML-significant characters, trims surrounding
// whitespace, and clamps the result to MaxMessageChars runes. Applying it
// twice yields the same output.
func Sanitize(text string) string {
	out := strings.TrimSpace(htmlEscaper.Replace(text))
	if runes := []rune(out); len(runes) > MaxMessageChars {
		out = strings.TrimSpace(string(runes[:MaxMessageChars]))
	}
	return out
}
