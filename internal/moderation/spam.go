package moderation

import (
	"regexp"
	"unicode"
)

// SpamThreshold is the score at or above which IsSpam reports true.
const SpamThreshold = 3

// Compiled once at package init and reused for every call.
var (
	urlSchemeRe   = regexp.MustCompile(`(?i)https?://`)
	punctFloodRe  = regexp.MustCompile(`[!?]{3,}`)
	spamKeywordRe = regexp.MustCompile(`(?i)\b(?:free|win|winner|prize|claim|limited|urgent)\b`)
)

// SpamScore computes the additive spam score for text:
//
//	+2  upper-case letter ratio above 0.7 on text longer than 10 runes
//	+2  any run of 5 or more identical characters
//	+1  three or more consecutive '!' or '?'
//	+k  k occurrences of http:// or https:// when k exceeds 2
//	+1  any promotional keyword (free, win, winner, prize, ...)
func (m *Moderator) SpamScore(text string) int {
	score := 0

	if isShouting(text) {
		score += 2
	}
	if hasCharRun(text, 5) {
		score += 2
	}
	if punctFloodRe.MatchString(text) {
		score++
	}
	if k := len(urlSchemeRe.FindAllStringIndex(text, -1)); k > 2 {
		score += k
	}
	if spamKeywordRe.MatchString(text) {
		score++
	}
	return score
}

// IsSpam reports whether text scores at or above SpamThreshold.
func (m *Moderator) IsSpam(text string) bool {
	return m.SpamScore(text) >= SpamThreshold
}

// isShouting reports whether more than 70% of the letters in text are upper
// case, for texts longer than 10 runes. Texts without letters never count.
func isShouting(text string) bool {
	total, upper, letters := 0, 0, 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if total <= 10 || letters == 0 {
		return false
	}
	return float64(upper)/float64(letters) > 0.7
}

// hasCharRun reports whether text contains threshold or more consecutive
// identical runes. RE2 has no backreferences, so this is a linear scan.
func hasCharRun(text string, threshold int) bool {
	count := 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasLongCharRun is the blocked-severity variant of the run check: runs this
// long are never legitimate and are rejected outright rather than scored.
func hasLongCharRun(text string) bool {
	return hasCharRun(text, 10)
}

// hasMultipleURLs reports whether text carries more than two URL schemes.
func hasMultipleURLs(text string) bool {
	return len(urlSchemeRe.FindAllStringIndex(text, -1)) > 2
}
