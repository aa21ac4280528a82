package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/refguard/internal/reference"
)

func TestClassify_DefaultPolicy(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name       string
		raw        string
		wantReason ReasonCode
		wantRule   string
	}{
		{"wikipedia article", "https://en.wikipedia.org/wiki/Cats", ReasonOK, "wikipedia.org"},
		{"safe subdomain", "https://api.github.com/repos", ReasonOK, "github.com"},
		{"blocked domain", "https://malware.com/", ReasonBlockedDomain, "malware.com"},
		{"blocked subdomain", "https://docs.malware.com/x", ReasonBlockedDomain, "malware.com"},
		{"executable download", "http://evil.ru/payload.exe", ReasonBlockedExtension, "exe"},
		{"installer in query", "https://github.com/x?file=setup.msi", ReasonBlockedExtension, "msi"},
		{"script extension in path", "https://en.wikipedia.org/wiki/Node.js", ReasonBlockedExtension, "js"},
		{"loopback admin", "http://127.0.0.1/admin", ReasonLocalNetwork, "loopback"},
		{"localhost with port", "http://localhost:8080/", ReasonLocalNetwork, "localhost"},
		{"localhost subdomain", "http://api.localhost/", ReasonLocalNetwork, "localhost"},
		{"private range", "http://10.0.0.5/", ReasonLocalNetwork, "private"},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data", ReasonLocalNetwork, "link-local"},
		{"ipv6 loopback", "http://[::1]/", ReasonLocalNetwork, "loopback"},
		{"ipv4 mapped private", "http://[::ffff:192.168.1.1]/", ReasonLocalNetwork, "private"},
		{"ipv4 compatible loopback", "http://[::127.0.0.1]/", ReasonLocalNetwork, "loopback"},
		{"ipv4 compatible private", "http://[::10.0.0.5]/admin", ReasonLocalNetwork, "private"},
		{"ipv6 unspecified", "http://[::]/", ReasonLocalNetwork, "unspecified"},
		{"decimal loopback", "http://2130706433/", ReasonLocalNetwork, "loopback"},
		{"hex short loopback", "http://0x7f.1/", ReasonLocalNetwork, "loopback"},
		{"unspecified", "http://0.0.0.0/", ReasonLocalNetwork, "unspecified"},
		{"carrier nat", "http://100.64.1.1/", ReasonLocalNetwork, "100.64.0.0/10"},
		{"blocked tld", "https://example.tk/page", ReasonBlockedTLD, "tk"},
		{"onion tld", "http://abcdefgh.onion/", ReasonBlockedTLD, "onion"},
		{"admin panel on safe domain", "https://github.com/wp-admin/setup", ReasonSuspiciousPattern, "admin-panel"},
		{"login on safe domain", "https://github.com/login", ReasonSuspiciousPattern, "admin-panel"},
		{"public raw ip", "http://8.8.8.8/index.html", ReasonSuspiciousPattern, "raw-ip-host"},
		{"credentials in authority", "https://user@github.com/", ReasonSuspiciousPattern, "credentials-in-authority"},
		{"unknown domain", "https://example.com/", ReasonNotWhitelisted, ""},
		{"lookalike suffix", "https://notgithub.com/", ReasonNotWhitelisted, ""},
		{"malformed punycode of safe host", "https://xn--github-.com/x", ReasonNotWhitelisted, RuleNonCanonicalHost},
		{"malformed punycode subdomain", "https://docs.xn--github-.com/", ReasonNotWhitelisted, RuleNonCanonicalHost},
		{"malformed punycode wikipedia", "xn--wikipedia-.org/wiki/Cats", ReasonNotWhitelisted, RuleNonCanonicalHost},
		{"script protocol", "javascript:alert(1)", ReasonNotWhitelisted, "unparseable"},
		{"empty", "   ", ReasonNotWhitelisted, "unparseable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := engine.ClassifyString(tt.raw)
			assert.Equal(t, tt.wantReason, v.ReasonCode)
			assert.Equal(t, tt.wantRule, v.Rule)
			assert.Equal(t, tt.wantReason == ReasonOK, v.Allowed)
			if v.Allowed {
				assert.NotEmpty(t, v.Sanitized)
			} else {
				assert.Empty(t, v.Sanitized)
			}
		})
	}
}

func TestClassify_DenyOverridesAllow(t *testing.T) {
	cfg, err := Compile(&Document{
		Name:    "both-lists",
		Version: "1.0.0",
		Domains: DomainLists{
			Blocked: []string{"github.com"},
			Safe:    []string{"github.com", "python.org"},
		},
	})
	require.NoError(t, err)
	engine := NewEngine(cfg)

	for _, raw := range []string{"https://github.com/", "https://gist.github.com/x", "github.com"} {
		v := engine.ClassifyString(raw)
		assert.False(t, v.Allowed, raw)
		assert.Equal(t, ReasonBlockedDomain, v.ReasonCode, raw)
	}
	assert.True(t, engine.ClassifyString("https://docs.python.org/3/").Allowed)
}

func TestClassify_WhitelistedButSuspiciousIsDenied(t *testing.T) {
	engine := NewEngine(Default())
	v := engine.ClassifyString("https://stackoverflow.com/users/login")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonSuspiciousPattern, v.ReasonCode)
}

func TestClassify_UsesRawOnly(t *testing.T) {
	engine := NewEngine(nil)
	ref := reference.Reference{Raw: "https://github.com/golang/go", Kind: reference.KindURL, Domain: "malware.com"}
	v := engine.Classify(ref)
	assert.True(t, v.Allowed)
	assert.Equal(t, "https://github.com/golang/go", v.Sanitized)
}

func TestClassify_SanitizesAllowed(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		raw  string
		want string
	}{
		{"github.com/golang/go", "https://github.com/golang/go"},
		{"https://github.com/<script>alert(1)</script>docs", "https://github.com/docs"},
		{"https://github.com/?next=javascript:alert(1)", "https://github.com/?next=alert(1)"},
		{"//github.com/golang", "https://github.com/golang"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v := engine.ClassifyString(tt.raw)
			require.True(t, v.Allowed, "reason %s rule %s", v.ReasonCode, v.Rule)
			assert.Equal(t, tt.want, v.Sanitized)
			lower := strings.ToLower(v.Sanitized)
			assert.True(t, strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"))
			assert.NotContains(t, lower, "<script")
			assert.NotContains(t, lower, "javascript:")
		})
	}
}

func TestClassify_UnicodeHostDispatchesASCIIForm(t *testing.T) {
	cfg, err := Compile(&Document{
		Name:    "idn",
		Version: "1.0.0",
		Domains: DomainLists{Safe: []string{"bücher.example"}},
	})
	require.NoError(t, err)
	engine := NewEngine(cfg)

	v := engine.ClassifyString("https://bücher.example/katalog?q=go")
	require.True(t, v.Allowed, "reason %s rule %s", v.ReasonCode, v.Rule)
	assert.Equal(t, "https://xn--bcher-kva.example/katalog?q=go", v.Sanitized)

	again := engine.ClassifyString(v.Sanitized)
	require.True(t, again.Allowed)
	assert.Equal(t, v.Sanitized, again.Sanitized)

	withPort := engine.ClassifyString("https://bücher.example:8443/")
	require.True(t, withPort.Allowed)
	assert.Equal(t, "https://xn--bcher-kva.example:8443/", withPort.Sanitized)
}

func TestClassify_MultiLabelTLD(t *testing.T) {
	cfg, err := Compile(&Document{
		Name:        "suffixes",
		Version:     "1.0.0",
		Domains:     DomainLists{Safe: []string{"example.co.uk"}},
		BlockedTLDs: []string{".co.uk"},
	})
	require.NoError(t, err)
	v := NewEngine(cfg).ClassifyString("https://www.example.co.uk/")
	assert.Equal(t, ReasonBlockedTLD, v.ReasonCode)
	assert.Equal(t, "co.uk", v.Rule)
}

func TestLooseIPv4(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"127.1", "127.0.0.1", true},
		{"0x7f000001", "127.0.0.1", true},
		{"017700000001", "127.0.0.1", true},
		{"2130706433", "127.0.0.1", true},
		{"10.0x10.1", "10.16.0.1", true},
		{"192.168.257", "192.168.1.1", true},
		{"256.1.1.1", "", false},
		{"1.2.3.4.5", "", false},
		{"example.com", "", false},
		{"1_0.0.0.1", "", false},
		{"1..1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			addr, ok := looseIPv4(tt.host)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, addr.String())
			}
		})
	}
}

func TestParseTarget_HostForms(t *testing.T) {
	odd, ok := parseTarget("https://xn--github-.com/")
	require.True(t, ok)
	assert.True(t, odd.nonCanonical)

	idn, ok := parseTarget("https://bücher.example/")
	require.True(t, ok)
	assert.True(t, idn.converted)
	assert.False(t, idn.nonCanonical)

	plain, ok := parseTarget("https://github.com/")
	require.True(t, ok)
	assert.False(t, plain.converted)
	assert.False(t, plain.nonCanonical)

	compat, ok := parseTarget("http://[::127.0.0.1]/")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", compat.addr.String())

	v6, ok := parseTarget("http://[::1]/")
	require.True(t, ok)
	assert.Equal(t, "::1", v6.addr.String())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw      string
		wantHost string
		ok       bool
	}{
		{"https://EN.Wikipedia.org./wiki/Go", "en.wikipedia.org", true},
		{"example.com:8080/x", "example.com", true},
		{"//cdn.example.com/a.png", "cdn.example.com", true},
		{"http://[fe80::1%25eth0]/", "fe80::1", true},
		{"https://bücher.example/", "xn--bcher-kva.example", true},
		{"https://xn--github-.com/", "xn--github-.com", true},
		{"ftp://example.com/", "", false},
		{"mailto:a@example.com", "", false},
		{"https:///nohost", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseTarget(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.wantHost, got.host)
			}
		})
	}
}
