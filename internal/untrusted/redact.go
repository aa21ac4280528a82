package untrusted

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// DefaultExcerptChars is the excerpt length used for message snippets.
const DefaultExcerptChars = 1000

var (
	passwordPattern = regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`)
	apiKeyPattern   = regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`)
	tokenPattern    = regexp.MustCompile(`[A-Za-z0-9+/=]{20,}`)
	whitespace      = regexp.MustCompile(`\s+`)

	textOnly = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)
)

// RedactSecrets turns untrusted text into a short, tag-free excerpt with
// passwords, API keys and long tokens replaced. maxChars <= 0 disables
// truncation; truncation never splits a UTF-8 sequence.
func RedactSecrets(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	clean := html.UnescapeString(textOnly.Sanitize(text))
	clean = passwordPattern.ReplaceAllString(clean, "[REDACTED PASSWORD]")
	clean = apiKeyPattern.ReplaceAllString(clean, "[REDACTED API KEY]")
	clean = tokenPattern.ReplaceAllString(clean, "[REDACTED TOKEN]")
	clean = strings.TrimSpace(whitespace.ReplaceAllString(clean, " "))

	if maxChars > 0 {
		runes := []rune(clean)
		if len(runes) > maxChars {
			clean = string(runes[:maxChars])
		}
	}
	return clean
}
