// Package moderation provides content screening for chat messages: an HTML
// sanitizer, a spam scorer, and a profanity classifier that labels text as
// clean, warning, or blocked and can mask offending spans.
//
// All operations are pure string processing; the classifier holds only
// compiled patterns and is safe for concurrent use.
package moderation

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Severity is the outcome of a profanity check.
type Severity string

const (
	SeverityClean   Severity = "clean"
	SeverityWarning Severity = "warning"
	SeverityBlocked Severity = "blocked"
)

// Result is the outcome of Moderator.Check. Reason names the matched
// category ("explicit_term", "slur", "threat", "leetspeak", "multiple_urls",
// "char_flood", or a warning-list category) and is empty for clean text.
type Result struct {
	Severity Severity
	Reason   string
}

// blockedCheck pairs a category name with its detector. Regex-based checks
// also contribute spans to Mask; scan-based checks (URL counting, character
// floods) only classify.
type blockedCheck struct {
	name  string
	re    *regexp.Regexp    // nil for scan-based checks
	match func(string) bool // used when re is nil
}

// Default blocked term categories, evaluated in order. Membership is policy,
// not contract; tests assert classification by example.
var (
	explicitTerms = []string{
		"fuck", "fucking", "fucker", "fucked", "shit", "cunt", "bitch",
		"asshole", "dick", "pussy", "cock", "whore", "slut",
	}
	slurTerms = []string{
		"nigger", "nigga", "faggot", "fag", "tranny", "retard", "retarded",
	}
	threatPatterns = []string{
		`(?:kill|hurt|stab|shoot)\s+(?:yourself|urself|your\s*self|you)`,
		`kys`,
		`go\s+die`,
		`i(?:'|\s+wi)ll\s+(?:kill|hurt|find)\s+you`,
	}
	leetPatterns = []string{
		`f[u*@#$]+c?k`,
		`sh[i1!*]+t`,
		`b[i1!*]+tch`,
		`c[u*@]+nt`,
	}
	warningTerms = []string{
		"idiot", "stupid", "dumb", "loser", "moron", "jerk", "ugly",
		"shut up", "trash", "pathetic",
	}
)

// Moderator classifies and rewrites message text. The zero value is not
// usable; construct with NewModerator or NewModeratorWithTerms.
type Moderator struct {
	blocked  []blockedCheck
	warning  *regexp.Regexp
	maskable []*regexp.Regexp // regex-based patterns contributing to Mask
}

// NewModerator builds a Moderator with the default pattern tables.
func NewModerator() *Moderator {
	return newModerator(explicitTerms, slurTerms, threatPatterns, leetPatterns, warningTerms)
}

// NewModeratorWithTerms builds a Moderator with explicit blocked and warning
// term lists and no threat/leetspeak tables. Intended for tests that need
// deterministic membership.
func NewModeratorWithTerms(blocked, warning []string) *Moderator {
	return newModerator(blocked, nil, nil, nil, warning)
}

func newModerator(explicit, slurs, threats, leet, warning []string) *Moderator {
	m := &Moderator{}

	add := func(name string, re *regexp.Regexp) {
		m.blocked = append(m.blocked, blockedCheck{name: name, re: re})
		m.maskable = append(m.maskable, re)
	}

	if len(explicit) > 0 {
		add("explicit_term", termRegexp(explicit))
	}
	if len(slurs) > 0 {
		add("slur", termRegexp(slurs))
	}
	if len(threats) > 0 {
		add("threat", regexp.MustCompile(`(?i)\b(?:`+strings.Join(threats, "|")+`)\b`))
	}
	if len(leet) > 0 {
		add("leetspeak", regexp.MustCompile(`(?i)\b(?:`+strings.Join(leet, "|")+`)\b`))
	}

	// Scan-based checks come after the term tables, matching the evaluation
	// order: explicit terms, slurs, threats, leetspeak, multiple URLs, runs.
	m.blocked = append(m.blocked,
		blockedCheck{name: "multiple_urls", match: hasMultipleURLs},
		blockedCheck{name: "char_flood", match: hasLongCharRun},
	)

	if len(warning) > 0 {
		m.warning = termRegexp(warning)
		m.maskable = append(m.maskable, m.warning)
	}
	return m
}

// termRegexp compiles a case-insensitive, word-bounded alternation of the
// given literal terms. Multi-word terms match across single spaces.
func termRegexp(terms []string) *regexp.Regexp {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(t), `\ `, `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Check classifies text. Blocked categories are evaluated in table order and
// the first match wins; otherwise the warning list is consulted; otherwise
// the text is clean.
func (m *Moderator) Check(text string) Result {
	for _, bc := range m.blocked {
		if bc.re != nil {
			if bc.re.MatchString(text) {
				return Result{Severity: SeverityBlocked, Reason: bc.name}
			}
			continue
		}
		if bc.match(text) {
			return Result{Severity: SeverityBlocked, Reason: bc.name}
		}
	}
	if m.warning != nil && m.warning.MatchString(text) {
		return Result{Severity: SeverityWarning, Reason: "pejorative_term"}
	}
	return Result{Severity: SeverityClean}
}

// Mask replaces every span matched by a term pattern (blocked or warning)
// with asterisks of the same rune length. Text length in runes is preserved.
func (m *Moderator) Mask(text string) string {
	var spans [][]int
	for _, re := range m.maskable {
		spans = append(spans, re.FindAllStringIndex(text, -1)...)
	}
	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, span := range spans {
		start, end := span[0], span[1]
		if start < pos {
			if end <= pos {
				continue // fully inside a previous span
			}
			start = pos
		}
		b.WriteString(text[pos:start])
		b.WriteString(strings.Repeat("*", utf8.RuneCountInString(text[start:end])))
		pos = end
	}
	b.WriteString(text[pos:])
	return b.String()
}
