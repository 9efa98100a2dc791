package publish

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"curator/api_publisher/internal/queue"
	"curator/api_publisher/internal/streams"
)

// dedupePrefix is how many leading runes of normalized text must match for
// a timeline post to count as this item.
const dedupePrefix = 80

var (
	creditPattern = regexp.MustCompile(`\s*📷[^\n]*\s*$`)
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// visibleText drops a trailing photo credit line.
func visibleText(s string) string {
	return strings.TrimSpace(creditPattern.ReplaceAllString(s, ""))
}

// normalizeLead reduces text to a comparable key: entities decoded, NFKC
// folded (full-width forms match their ASCII twins), links and credit removed,
// whitespace collapsed, lowercased, truncated.
func normalizeLead(s string) string {
	s = norm.NFKC.String(html.UnescapeString(s))
	s = urlPattern.ReplaceAllString(s, " ")
	s = visibleText(s)
	s = strings.ToLower(strings.TrimSpace(spacePattern.ReplaceAllString(s, " ")))
	if utf8.RuneCountInString(s) > dedupePrefix {
		s = string([]rune(s)[:dedupePrefix])
	}
	return s
}

// charCount is the length the platform checks: code points after NFC.
func charCount(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

// validateText returns a failure reason, or "" when the body may be posted.
func validateText(body queue.Body, limits streams.Limits) string {
	var texts []string
	switch b := body.(type) {
	case queue.Single:
		texts = []string{b.Text}
	case queue.Thread:
		for _, tw := range b.Tweets {
			texts = append(texts, tw.Text)
		}
	}
	if len(texts) == 0 {
		return "item has no text"
	}
	if n := charCount(visibleText(texts[0])); n < limits.MinTextLength {
		return fmt.Sprintf("text too short: %d characters, minimum %d", n, limits.MinTextLength)
	}
	for i, t := range texts {
		if n := charCount(t); n > limits.MaxTextLength {
			if len(texts) == 1 {
				return fmt.Sprintf("text too long: %d characters, limit %d", n, limits.MaxTextLength)
			}
			return fmt.Sprintf("tweet %d too long: %d characters, limit %d", i+1, n, limits.MaxTextLength)
		}
		if strings.TrimSpace(t) == "" {
			return fmt.Sprintf("tweet %d is empty", i+1)
		}
	}
	return ""
}
