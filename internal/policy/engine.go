// Package policy classifies extracted references against an immutable
// reference policy and sanitizes the ones it allows. It also evaluates
// tool-access rules with embedded OPA before downstream dispatch.
package policy

import (
	"strings"

	"github.com/dativo-io/refguard/internal/reference"
)

// RuleSanitizationAltered is the Rule set when sanitizing an allowed
// reference changed its host or scheme.
const RuleSanitizationAltered = "sanitization-altered-target"

// RuleNonCanonicalHost is the Rule set for an ASCII host whose IDNA form is a
// different host, such as the malformed punycode label "xn--github-.com".
const RuleNonCanonicalHost = "non-canonical-host"

// Engine classifies references. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	cfg *Config
}

// NewEngine returns an engine over cfg. A nil cfg uses the built-in default.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = Default()
	}
	return &Engine{cfg: cfg}
}

// Config returns the policy the engine was built with.
func (e *Engine) Config() *Config { return e.cfg }

// Classify returns the verdict for ref. Only ref.Raw is consulted.
func (e *Engine) Classify(ref reference.Reference) Verdict {
	return e.ClassifyString(ref.Raw)
}

// ClassifyString evaluates the rules in fixed order and stops at the first
// match. Deny rules run before the safe list, so an entry on both lists is
// denied.
func (e *Engine) ClassifyString(raw string) Verdict {
	t, ok := parseTarget(raw)
	if !ok {
		return deny(ReasonNotWhitelisted, "unparseable")
	}
	if t.nonCanonical {
		return deny(ReasonNotWhitelisted, RuleNonCanonicalHost)
	}
	c := e.cfg

	if rule, hit := matchDomain(t.host, c.blockedDomains); hit {
		return deny(ReasonBlockedDomain, rule)
	}
	if rule, hit := c.localRule(t); hit {
		return deny(ReasonLocalNetwork, rule)
	}
	if rule, hit := c.extensionRule(t.url); hit {
		return deny(ReasonBlockedExtension, rule)
	}
	if rule, hit := c.tldRule(t); hit {
		return deny(ReasonBlockedTLD, rule)
	}
	if rule, hit := c.suspiciousRule(raw, t); hit {
		return deny(ReasonSuspiciousPattern, rule)
	}
	safe, hit := matchDomain(t.host, c.safeDomains)
	if !hit {
		return deny(ReasonNotWhitelisted, "")
	}

	sanitized := Sanitize(raw)
	if t.converted {
		// Downstream tools must receive the host that was classified.
		ascii, ok := withHost(sanitized, t.host)
		if !ok {
			return deny(ReasonSuspiciousPattern, RuleSanitizationAltered)
		}
		sanitized = ascii
	}
	if !sameTarget(sanitized, t.host) {
		return deny(ReasonSuspiciousPattern, RuleSanitizationAltered)
	}
	return Verdict{Allowed: true, ReasonCode: ReasonOK, Sanitized: sanitized, Rule: safe}
}

// sameTarget checks the sanitized string still points at host over http(s)
// and carries nothing Sanitize should have removed.
func sameTarget(sanitized, host string) bool {
	lower := strings.ToLower(sanitized)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	if dangerousProtocol.MatchString(sanitized) || strings.ContainsAny(sanitized, "<>") {
		return false
	}
	t, ok := parseTarget(sanitized)
	return ok && !t.nonCanonical && !t.converted && t.host == host
}
