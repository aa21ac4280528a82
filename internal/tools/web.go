package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/dativo-io/refguard/internal/untrusted"
)

// WebAccessTool fetches a page and returns its title and a bounded,
// tag-free, secret-redacted excerpt.
type WebAccessTool struct {
	fetcher *Fetcher
}

// NewWebAccessTool creates the web_access.get_content tool.
func NewWebAccessTool(f *Fetcher) *WebAccessTool {
	return &WebAccessTool{fetcher: f}
}

type webResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	Bytes       int    `json:"bytes"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func (t *WebAccessTool) Name() string { return "web_access.get_content" }
func (t *WebAccessTool) Description() string {
	return "Fetch a web page and return its title and a sanitized text excerpt"
}
func (t *WebAccessTool) InputSchema() json.RawMessage { return urlSchema("http(s) URL to fetch") }

func (t *WebAccessTool) ValidateArguments(params json.RawMessage) error {
	return decodeParams(params, &urlParams{})
}

func (t *WebAccessTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p urlParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	page, err := t.fetcher.Get(ctx, p.URL, "text/html,text/plain;q=0.9,*/*;q=0.1")
	if err != nil {
		return nil, err
	}
	if page.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned HTTP %d", page.StatusCode)
	}

	return json.Marshal(webResult{
		URL:         page.URL,
		StatusCode:  page.StatusCode,
		ContentType: page.ContentType,
		Title:       untrusted.RedactSecrets(pageTitle(page.Body), 200),
		Content:     untrusted.RedactSecrets(string(page.Body), untrusted.DefaultExcerptChars),
		Bytes:       len(page.Body),
		Truncated:   page.Truncated,
	})
}

// pageTitle returns the text of the first <title> element.
func pageTitle(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			if z.Next() == html.TextToken {
				return strings.TrimSpace(string(z.Text()))
			}
			return ""
		}
	}
}
