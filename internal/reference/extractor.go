package reference

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// MaxCandidates caps how many references a single extraction returns,
// regardless of how many the caller will eventually dispatch.
const MaxCandidates = 50

// candidatePattern matches scheme-prefixed URLs first and falls back to bare
// domains (optionally followed by a path, query or fragment).
var candidatePattern = regexp.MustCompile(
	`(?i)\bhttps?://[^\s<>"'` + "`" + `]+` +
		`|\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}(?:[/?#][^\s<>"'` + "`" + `]*)?`,
)

var schemePattern = regexp.MustCompile(`(?i)^https?://`)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".svg": true, ".ico": true,
}

var imageSegments = []string{"/image", "/img", "/photo"}

// trailingPunct is stripped from the end of a match; sentence punctuation is
// almost never part of a real link.
const trailingPunct = ".,;:!?'\""

// Extract scans text for references and returns them in first-occurrence
// order, deduplicated by raw string and truncated at MaxCandidates.
func Extract(text, sourceID string) []Reference {
	return extractInto(nil, make(map[string]bool), text, sourceID)
}

// ExtractUnits runs Extract over every unit, keeping each reference's unit ID
// and applying deduplication and the candidate ceiling across all units.
func ExtractUnits(units []Unit) []Reference {
	seen := make(map[string]bool)
	var refs []Reference
	for _, u := range units {
		if len(refs) >= MaxCandidates {
			break
		}
		refs = extractInto(refs, seen, u.Text, u.ID)
	}
	return refs
}

func extractInto(refs []Reference, seen map[string]bool, text, sourceID string) []Reference {
	if refs == nil {
		refs = []Reference{}
	}
	if text == "" {
		return refs
	}
	for _, loc := range candidatePattern.FindAllStringIndex(text, -1) {
		if len(refs) >= MaxCandidates {
			break
		}
		if loc[0] > 0 && isJoinedToPrevious(text[loc[0]-1]) {
			continue
		}
		if loc[1] < len(text) && text[loc[1]] == '@' && !schemePattern.MatchString(text[loc[0]:loc[1]]) {
			// local part of an e-mail address, e.g. "john.name@example.com"
			continue
		}
		raw := trimCandidate(text[loc[0]:loc[1]])
		if raw == "" || seen[raw] {
			continue
		}
		ref, ok := newReference(raw, sourceID)
		if !ok {
			continue
		}
		seen[raw] = true
		refs = append(refs, ref)
	}
	return refs
}

// isJoinedToPrevious reports whether a bare match is really the tail of a
// larger token such as an e-mail address.
func isJoinedToPrevious(b byte) bool {
	return b == '@' || b == '.' || b == '-' || b == '_' || b == '/'
}

// New builds a Reference from a single raw candidate, applying the same
// trimming and host checks as Extract. It reports false when raw does not
// look like a reference at all.
func New(raw, sourceID string) (Reference, bool) {
	raw = trimCandidate(strings.TrimSpace(raw))
	if raw == "" {
		return Reference{}, false
	}
	return newReference(raw, sourceID)
}

func newReference(raw, sourceID string) (Reference, bool) {
	hasScheme := schemePattern.MatchString(raw)
	target := raw
	if !hasScheme {
		target = "http://" + raw
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return Reference{}, false
	}
	host := strings.ToLower(u.Hostname())
	if !hasScheme && !hasKnownSuffix(host) {
		return Reference{}, false
	}
	kind := KindURL
	if isImagePath(u.Path) {
		kind = KindImage
	}
	return Reference{
		Raw:      raw,
		Kind:     kind,
		Domain:   host,
		SourceID: sourceID,
	}, true
}

// hasKnownSuffix rejects bare tokens such as "report.final" whose last label is
// not an ICANN-managed suffix.
func hasKnownSuffix(host string) bool {
	_, icann := publicsuffix.PublicSuffix(host)
	return icann
}

func isImagePath(p string) bool {
	lower := strings.ToLower(p)
	if imageExtensions[path.Ext(lower)] {
		return true
	}
	for _, seg := range imageSegments {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}

// trimCandidate removes trailing punctuation and unbalanced closing brackets
// picked up by the greedy pattern.
func trimCandidate(s string) string {
	for {
		prev := s
		s = strings.TrimRight(s, trailingPunct)
		for _, pair := range [][2]byte{{'(', ')'}, {'[', ']'}, {'{', '}'}} {
			if strings.HasSuffix(s, string(pair[1])) &&
				strings.Count(s, string(pair[0])) < strings.Count(s, string(pair[1])) {
				s = s[:len(s)-1]
			}
		}
		if s == prev {
			return s
		}
	}
}
