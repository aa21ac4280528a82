// Package router maps an allowed reference to the downstream capability that
// handles it.
package router

import (
	"net/url"
	"strings"

	"github.com/dativo-io/refguard/internal/reference"
)

// Capability is the finite set of downstream handlers.
type Capability int

const (
	CapabilityWeb Capability = iota
	CapabilityWikipedia
	CapabilityImage
)

// Tool names of the built-in capabilities.
const (
	ToolWebAccess = "web_access.get_content"
	ToolWikipedia = "wikipedia.get_page"
	ToolImage     = "image.analyze"
)

var capabilityNames = [...]string{
	CapabilityWeb:       "web",
	CapabilityWikipedia: "wikipedia",
	CapabilityImage:     "image",
}

func (c Capability) String() string {
	if int(c) < 0 || int(c) >= len(capabilityNames) {
		return "web"
	}
	return capabilityNames[c]
}

// ParseCapability resolves a capability by its name ("web", "wikipedia",
// "image").
func ParseCapability(name string) (Capability, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == name {
			return Capability(c), true
		}
	}
	return 0, false
}

// Route is the dispatch decision for one reference. Params only ever hold
// the sanitized URL and values derived from its path.
type Route struct {
	Capability Capability
	Tool       string
	Params     map[string]interface{}
}

type handler struct {
	tool   string
	params func(target string, u *url.URL) map[string]interface{}
}

// table is exhaustive over Capability.
var table = [...]handler{
	CapabilityWeb:       {tool: ToolWebAccess, params: urlParams},
	CapabilityWikipedia: {tool: ToolWikipedia, params: wikipediaParams},
	CapabilityImage:     {tool: ToolImage, params: urlParams},
}

// Router resolves routes. The zero value uses the built-in tool names.
type Router struct {
	tools map[Capability]string
}

// New returns a router whose capabilities are served by the given tool
// names; capabilities missing from overrides keep the built-in tool.
func New(overrides map[Capability]string) *Router {
	r := &Router{tools: make(map[Capability]string, len(table))}
	for c, h := range table {
		r.tools[Capability(c)] = h.tool
	}
	for c, name := range overrides {
		if name != "" && int(c) >= 0 && int(c) < len(table) {
			r.tools[c] = name
		}
	}
	return r
}

// Route maps ref to its capability. ref.Sanitized is used when set, since the
// raw string is never handed to a tool.
func (r *Router) Route(ref reference.Reference) Route {
	target := ref.Sanitized
	if target == "" {
		target = ref.Raw
	}
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{}
	}

	c := Classify(ref.Kind, hostOf(ref, u))
	tool := table[c].tool
	if r.tools != nil {
		tool = r.tools[c]
	}
	return Route{Capability: c, Tool: tool, Params: table[c].params(target, u)}
}

// Default routes with the built-in tool names.
var Default = &Router{}

// Classify picks the capability for a reference kind and host. Image
// references go to the image capability regardless of domain.
func Classify(kind reference.Kind, host string) Capability {
	switch {
	case kind == reference.KindImage:
		return CapabilityImage
	case isWikipediaHost(host):
		return CapabilityWikipedia
	default:
		return CapabilityWeb
	}
}

func hostOf(ref reference.Reference, u *url.URL) string {
	if h := u.Hostname(); h != "" {
		return strings.ToLower(strings.TrimSuffix(h, "."))
	}
	return strings.ToLower(ref.Domain)
}

func isWikipediaHost(host string) bool {
	return host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org")
}

func urlParams(target string, _ *url.URL) map[string]interface{} {
	return map[string]interface{}{"url": target}
}

func wikipediaParams(target string, u *url.URL) map[string]interface{} {
	return map[string]interface{}{
		"title": WikipediaTitle(u),
		"url":   target,
	}
}

// WikipediaTitle derives the page title from a /wiki/<Title> path, or from
// the title query parameter of index.php links. Underscores become spaces.
func WikipediaTitle(u *url.URL) string {
	if u == nil {
		return ""
	}
	var title string
	if rest, ok := strings.CutPrefix(u.EscapedPath(), "/wiki/"); ok {
		if decoded, err := url.PathUnescape(rest); err == nil {
			title = decoded
		} else {
			title = rest
		}
	} else {
		title = u.Query().Get("title")
	}
	title = strings.ReplaceAll(title, "_", " ")
	return strings.TrimSpace(title)
}
