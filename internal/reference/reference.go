// Package reference finds URL and image references inside untrusted text.
// Extraction is pure: it never touches the network and never rewrites the
// input, so the same text always yields the same ordered candidate list.
package reference

// Kind distinguishes plain links from image links.
type Kind string

const (
	KindURL   Kind = "url"
	KindImage Kind = "image"
)

// Reference is one candidate found in a content unit. Raw is the exact matched
// text and is never modified; the policy engine's sanitized form is carried in
// Sanitized once a reference has been allowed.
type Reference struct {
	Raw       string `json:"raw"`
	Kind      Kind   `json:"kind"`
	Domain    string `json:"domain"`
	SourceID  string `json:"sourceId,omitempty"`
	Sanitized string `json:"sanitized,omitempty"`
}

// WithSanitized returns a copy of r carrying the sanitized form.
func (r Reference) WithSanitized(sanitized string) Reference {
	r.Sanitized = sanitized
	return r
}

// Unit is one piece of fetched content, e.g. a single message body.
type Unit struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
