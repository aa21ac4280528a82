package policy

import (
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// target is a reference parsed for rule evaluation.
type target struct {
	url  *url.URL
	host string     // lower-case ASCII, no trailing dot, no zone
	addr netip.Addr // valid when host is an IP literal in any accepted form
	// nonCanonical is set for an ASCII host that IDNA lookup would rewrite,
	// e.g. "xn--github-.com". host then keeps the text as written.
	nonCanonical bool
	// converted is set when host is the ASCII form of a Unicode host, so
	// the URL as written does not carry host.
	converted bool
}

// foreignScheme catches "javascript:", "ftp://", "mailto:" and friends while
// letting "localhost:8080" through as a bare host with a port.
var foreignScheme = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*:(?:[^0-9]|$)`)

// parseTarget reports false for anything that is not an http(s) URL with a
// host once a missing scheme is assumed.
func parseTarget(raw string) (target, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return target{}, false
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
	case strings.HasPrefix(s, "//"):
		s = "http:" + s
	case foreignScheme.MatchString(s):
		return target{}, false
	default:
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return target{}, false
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return target{}, false
	}

	host := u.Hostname()
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return target{}, false
	}

	t := target{url: u, host: host}
	if addr, err := netip.ParseAddr(host); err == nil {
		t.addr = embeddedIPv4(addr)
		return t, true
	}
	if addr, ok := looseIPv4(host); ok {
		t.addr = addr
		return t, true
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return target{}, false
	}
	if ascii != host {
		if isASCII(host) {
			t.nonCanonical = true
			return t, true
		}
		t.host = ascii
		t.converted = true
	}
	return t, true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// embeddedIPv4 unwraps IPv4-mapped (::ffff:a.b.c.d) and IPv4-compatible
// (::a.b.c.d) addresses so the IPv4 range checks apply to them. "::" and
// "::1" keep their IPv6 meaning.
func embeddedIPv4(a netip.Addr) netip.Addr {
	a = a.Unmap()
	if !a.Is6() || a.Zone() != "" {
		return a
	}
	b := a.As16()
	for _, x := range b[:12] {
		if x != 0 {
			return a
		}
	}
	if b[12] == 0 && b[13] == 0 && b[14] == 0 {
		return a
	}
	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
}

// withHost returns raw with its host replaced by host, keeping any port.
func withHost(raw, host string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	u.Host = host
	return u.String(), true
}

// looseIPv4 parses the inet_aton forms browsers still accept: one to four
// parts, each decimal, octal (leading 0) or hex (0x), with the last part
// filling the remaining bytes. "127.1", "0x7f000001" and "017700000001" are
// all 127.0.0.1.
func looseIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	var ip uint64
	for i, p := range parts {
		if p == "" || p[0] < '0' || p[0] > '9' || strings.ContainsRune(p, '_') {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		if i < len(parts)-1 {
			if v > 0xff {
				return netip.Addr{}, false
			}
			ip = ip<<8 | v
			continue
		}
		bits := uint(8 * (5 - len(parts)))
		if v > (uint64(1)<<bits)-1 {
			return netip.Addr{}, false
		}
		ip = ip<<bits | v
	}
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}

var localHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// localRule names the reason a host is considered local, if it is.
func (c *Config) localRule(t target) (string, bool) {
	if !t.addr.IsValid() {
		if localHostnames[t.host] || strings.HasSuffix(t.host, ".localhost") {
			return "localhost", true
		}
		return "", false
	}
	a := t.addr
	switch {
	case a.IsLoopback():
		return "loopback", true
	case a.IsPrivate():
		return "private", true
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return "link-local", true
	case a.IsInterfaceLocalMulticast():
		return "interface-local", true
	case a.IsUnspecified():
		return "unspecified", true
	}
	for _, p := range c.localNetworks {
		if p.Contains(a) {
			return p.String(), true
		}
	}
	return "", false
}

// matchDomain reports the list entry host equals or is a subdomain of.
func matchDomain(host string, list []string) (string, bool) {
	for _, d := range list {
		if host == d || strings.HasSuffix(host, "."+d) {
			return d, true
		}
	}
	return "", false
}

// extensionRule checks every path segment and every query value.
func (c *Config) extensionRule(u *url.URL) (string, bool) {
	if len(c.blockedExtensions) == 0 {
		return "", false
	}
	if ext, ok := c.blockedExtIn(u.Path); ok {
		return ext, true
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if ext, ok := c.blockedExtIn(v); ok {
				return ext, true
			}
		}
	}
	return "", false
}

func (c *Config) blockedExtIn(s string) (string, bool) {
	for _, seg := range strings.Split(s, "/") {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.TrimSpace(seg)), "."))
		if ext != "" && c.blockedExtensions[ext] {
			return ext, true
		}
	}
	return "", false
}

// tldRule checks the last label and the full public suffix, so multi-label
// entries such as "co.tk" work too.
func (c *Config) tldRule(t target) (string, bool) {
	if t.addr.IsValid() || len(c.blockedTLDs) == 0 {
		return "", false
	}
	last := t.host[strings.LastIndexByte(t.host, '.')+1:]
	if c.blockedTLDs[last] {
		return last, true
	}
	if suffix, _ := publicsuffix.PublicSuffix(t.host); suffix != last && c.blockedTLDs[suffix] {
		return suffix, true
	}
	return "", false
}

func (c *Config) suspiciousRule(raw string, t target) (string, bool) {
	normalized := t.url.String()
	for _, p := range c.suspicious {
		if p.re.MatchString(raw) || p.re.MatchString(normalized) {
			return p.name, true
		}
	}
	return "", false
}
