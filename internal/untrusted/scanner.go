// Package untrusted handles content fetched from third parties: it reports
// prompt-injection signals, wraps payloads in per-request boundary markers,
// and redacts secrets from excerpts shown to operators. Nothing here changes
// which tools run; the output is data for the caller.
package untrusted

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	rgotel "github.com/dativo-io/refguard/internal/otel"
)

var tracer = rgotel.Tracer("github.com/dativo-io/refguard/internal/untrusted")

// contextRadius is how many bytes around a match go into an excerpt.
const contextRadius = 50

// InjectionAttempt represents a detected injection pattern in content.
type InjectionAttempt struct {
	Pattern  string `json:"pattern"`
	Position int    `json:"position"`
	Severity int    `json:"severity"`
	Context  string `json:"context"` // redacted surrounding text
}

// ScanResult contains the results of injection pattern scanning.
type ScanResult struct {
	InjectionsFound []InjectionAttempt `json:"injections_found"`
	MaxSeverity     int                `json:"max_severity"`
	Safe            bool               `json:"safe"`
}

// Signal is one injection detection attributed to a content unit.
type Signal struct {
	SourceID string `json:"sourceId"`
	Pattern  string `json:"pattern"`
	Severity int    `json:"severity"`
	Excerpt  string `json:"excerpt"`
}

// Scanner detects prompt injection attempts in text content.
type Scanner struct {
	patterns []InjectionPattern
}

// NewScanner creates an injection scanner with the built-in patterns.
func NewScanner() *Scanner {
	return &Scanner{patterns: defaultPatterns}
}

// NewScannerWithPatterns creates a scanner over a custom pattern set.
func NewScannerWithPatterns(patterns []InjectionPattern) *Scanner {
	return &Scanner{patterns: patterns}
}

// Scan analyzes text for prompt injection patterns.
func (s *Scanner) Scan(ctx context.Context, text string) *ScanResult {
	_, span := tracer.Start(ctx, "untrusted.scan")
	defer span.End()

	result := &ScanResult{
		InjectionsFound: []InjectionAttempt{},
		Safe:            true,
	}

	for _, pattern := range s.patterns {
		for _, match := range pattern.Pattern.FindAllStringIndex(text, -1) {
			ctxStart := max(0, match[0]-contextRadius)
			ctxEnd := min(len(text), match[1]+contextRadius)

			result.InjectionsFound = append(result.InjectionsFound, InjectionAttempt{
				Pattern:  pattern.Name,
				Position: match[0],
				Severity: pattern.Severity,
				Context:  RedactSecrets(text[ctxStart:ctxEnd], 0),
			})
			if pattern.Severity > result.MaxSeverity {
				result.MaxSeverity = pattern.Severity
			}
			result.Safe = false
		}
	}

	span.SetAttributes(
		attribute.Int("injection.count", len(result.InjectionsFound)),
		attribute.Int("injection.max_severity", result.MaxSeverity),
		attribute.Bool("injection.safe", result.Safe),
	)
	return result
}

// Signals scans text and attributes every detection to sourceID.
func (s *Scanner) Signals(ctx context.Context, sourceID, text string) []Signal {
	res := s.Scan(ctx, text)
	if res.Safe {
		return nil
	}
	out := make([]Signal, 0, len(res.InjectionsFound))
	for _, inj := range res.InjectionsFound {
		out = append(out, Signal{
			SourceID: sourceID,
			Pattern:  inj.Pattern,
			Severity: inj.Severity,
			Excerpt:  inj.Context,
		})
	}
	return out
}
