package policy

// ReasonCode explains a verdict. Exactly one code is attached to every
// classification; deny codes are listed in evaluation order.
type ReasonCode string

const (
	ReasonBlockedDomain     ReasonCode = "blocked-domain"
	ReasonLocalNetwork      ReasonCode = "local-network"
	ReasonBlockedExtension  ReasonCode = "blocked-extension"
	ReasonBlockedTLD        ReasonCode = "blocked-tld"
	ReasonSuspiciousPattern ReasonCode = "suspicious-pattern"
	ReasonNotWhitelisted    ReasonCode = "not-whitelisted"
	ReasonOK                ReasonCode = "ok"
)

// Verdict is the outcome of classifying one reference. Sanitized is set only
// when Allowed is true.
type Verdict struct {
	Allowed    bool       `json:"allowed"`
	ReasonCode ReasonCode `json:"reasonCode"`
	Sanitized  string     `json:"sanitized,omitempty"`
	// Rule names the list entry or pattern that decided the verdict.
	Rule string `json:"rule,omitempty"`
}

func deny(code ReasonCode, rule string) Verdict {
	return Verdict{Allowed: false, ReasonCode: code, Rule: rule}
}
