package policy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Document is the on-disk (YAML) form of a reference policy.
type Document struct {
	Name               string            `yaml:"name" json:"name"`
	Version            string            `yaml:"version" json:"version"`
	Domains            DomainLists       `yaml:"domains" json:"domains"`
	BlockedExtensions  []string          `yaml:"blocked_extensions,omitempty" json:"blocked_extensions,omitempty"`
	BlockedTLDs        []string          `yaml:"blocked_tlds,omitempty" json:"blocked_tlds,omitempty"`
	SuspiciousPatterns []PatternRule     `yaml:"suspicious_patterns,omitempty" json:"suspicious_patterns,omitempty"`
	LocalNetworks      []string          `yaml:"local_networks,omitempty" json:"local_networks,omitempty"`
	ToolAccess         *ToolAccessConfig `yaml:"tool_access,omitempty" json:"tool_access,omitempty"`
}

// DomainLists holds the deny list and the safe list. Entries match the host
// exactly or as a parent domain.
type DomainLists struct {
	Blocked []string `yaml:"blocked,omitempty" json:"blocked,omitempty"`
	Safe    []string `yaml:"safe,omitempty" json:"safe,omitempty"`
}

// PatternRule is a named regular expression matched against the whole reference.
type PatternRule struct {
	Name  string `yaml:"name" json:"name"`
	Regex string `yaml:"regex" json:"regex"`
}

// ToolAccessConfig restricts which downstream tools may be dispatched to.
type ToolAccessConfig struct {
	AllowedTools   []string `yaml:"allowed_tools,omitempty" json:"allowed_tools"`
	ForbiddenTools []string `yaml:"forbidden_tools,omitempty" json:"forbidden_tools"`
	MaxParamLength int      `yaml:"max_param_length,omitempty" json:"max_param_length"`
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Config is the compiled, read-only form of a Document. It is built once and
// shared by reference; nothing mutates it after construction.
type Config struct {
	name       string
	hash       string
	versionTag string

	blockedDomains    []string
	safeDomains       []string
	blockedExtensions map[string]bool
	blockedTLDs       map[string]bool
	suspicious        []compiledPattern
	localNetworks     []netip.Prefix
	toolAccess        ToolAccessConfig
}

// Name returns the policy name from the document.
func (c *Config) Name() string { return c.name }

// Hash returns the SHA-256 of the source document.
func (c *Config) Hash() string { return c.hash }

// VersionTag returns "<version>:sha256:<first 8 hash chars>".
func (c *Config) VersionTag() string { return c.versionTag }

// ToolAccess returns a copy of the tool access rules.
func (c *Config) ToolAccess() ToolAccessConfig {
	return ToolAccessConfig{
		AllowedTools:   append([]string{}, c.toolAccess.AllowedTools...),
		ForbiddenTools: append([]string{}, c.toolAccess.ForbiddenTools...),
		MaxParamLength: c.toolAccess.MaxParamLength,
	}
}

// Summary reports list sizes, used by `refguard validate`.
func (c *Config) Summary() map[string]int {
	return map[string]int{
		"blocked_domains":     len(c.blockedDomains),
		"safe_domains":        len(c.safeDomains),
		"blocked_extensions":  len(c.blockedExtensions),
		"blocked_tlds":        len(c.blockedTLDs),
		"suspicious_patterns": len(c.suspicious),
		"local_networks":      len(c.localNetworks),
		"allowed_tools":       len(c.toolAccess.AllowedTools),
	}
}

// ParseConfig validates and compiles a YAML policy document.
func ParseConfig(content []byte) (*Config, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	cfg, err := Compile(&doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	cfg.hash = hex.EncodeToString(sum[:])
	cfg.versionTag = fmt.Sprintf("%s:sha256:%s", doc.Version, cfg.hash[:8])
	return cfg, nil
}

// Default returns the compiled built-in policy.
func Default() *Config {
	cfg, err := ParseConfig(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded default policy: %v", err))
	}
	return cfg
}

// DefaultDocument returns the raw built-in policy YAML.
func DefaultDocument() []byte {
	return append([]byte{}, defaultPolicyYAML...)
}

// Compile turns a Document into a Config. The version tag is derived from the
// document version only; ParseConfig adds the content hash.
func Compile(doc *Document) (*Config, error) {
	cfg := &Config{
		name:              doc.Name,
		versionTag:        doc.Version,
		blockedDomains:    normalizeDomains(doc.Domains.Blocked),
		safeDomains:       normalizeDomains(doc.Domains.Safe),
		blockedExtensions: normalizeSet(doc.BlockedExtensions),
		blockedTLDs:       normalizeSet(doc.BlockedTLDs),
	}

	for _, p := range doc.SuspiciousPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling suspicious pattern %q: %w", p.Name, err)
		}
		cfg.suspicious = append(cfg.suspicious, compiledPattern{name: p.Name, re: re})
	}

	for _, n := range doc.LocalNetworks {
		prefix, err := parsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("local network %q: %w", n, err)
		}
		cfg.localNetworks = append(cfg.localNetworks, prefix)
	}

	if doc.ToolAccess != nil {
		cfg.toolAccess = ToolAccessConfig{
			AllowedTools:   append([]string{}, doc.ToolAccess.AllowedTools...),
			ForbiddenTools: append([]string{}, doc.ToolAccess.ForbiddenTools...),
			MaxParamLength: doc.ToolAccess.MaxParamLength,
		}
	}
	return cfg, nil
}

// parsePrefix accepts CIDR notation or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		d = strings.Trim(d, ".")
		if !isASCII(d) {
			if ascii, err := idna.Lookup.ToASCII(d); err == nil && ascii != "" {
				d = ascii
			}
		}
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func normalizeSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, ".")
		if v != "" {
			out[v] = true
		}
	}
	return out
}
