package policy

import (
	"regexp"
	"strings"
)

var (
	scriptBlock       = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`)
	scriptTail        = regexp.MustCompile(`(?is)<\s*script\b.*$`)
	htmlTag           = regexp.MustCompile(`<[^<>]*>`)
	dangerousProtocol = regexp.MustCompile(`(?i)\b(?:javascript|vbscript|data)\s*:`)
	bareDomain        = regexp.MustCompile(`^(?:[\p{L}\p{N}](?:[\p{L}\p{N}-]*[\p{L}\p{N}])?\.)+\p{L}{2,}(?::\d+)?(?:[/?#].*)?$`)
	angleBrackets     = strings.NewReplacer("<", "", ">", "")
)

// Sanitize strips script blocks, tags and script-bearing protocol prefixes
// from s, trims it, and adds https:// to a scheme-less domain. The removals
// repeat until nothing changes, so Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	for {
		prev := s
		s = scriptBlock.ReplaceAllString(s, "")
		s = scriptTail.ReplaceAllString(s, "")
		s = htmlTag.ReplaceAllString(s, "")
		s = angleBrackets.Replace(s)
		s = dangerousProtocol.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
		if s == prev {
			break
		}
	}
	return forceScheme(s)
}

func forceScheme(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return s
	case strings.HasPrefix(s, "//"):
		return "https:" + s
	case bareDomain.MatchString(s):
		return "https://" + s
	}
	return s
}
