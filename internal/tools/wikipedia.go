package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dativo-io/refguard/internal/router"
	"github.com/dativo-io/refguard/internal/untrusted"
)

// DefaultWikipediaBase is used when a call names only a title.
const DefaultWikipediaBase = "https://en.wikipedia.org"

// WikipediaTool looks a page up through the Wikipedia REST summary endpoint.
type WikipediaTool struct {
	fetcher *Fetcher
	base    string
}

// NewWikipediaTool creates the wikipedia.get_page tool. An empty base uses
// DefaultWikipediaBase; the language host of a url argument takes precedence.
func NewWikipediaTool(f *Fetcher, base string) *WikipediaTool {
	if base == "" {
		base = DefaultWikipediaBase
	}
	return &WikipediaTool{fetcher: f, base: strings.TrimRight(base, "/")}
}

type wikipediaParams struct {
	Title string `json:"title" validate:"required_without=URL,max=300"`
	URL   string `json:"url" validate:"omitempty,http_url"`
}

type wikipediaSummary struct {
	Title       string `json:"title"`
	Extract     string `json:"extract"`
	Description string `json:"description"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

type wikipediaResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Extract     string `json:"extract"`
}

func (t *WikipediaTool) Name() string { return "wikipedia.get_page" }
func (t *WikipediaTool) Description() string {
	return "Fetch the summary of a Wikipedia article by title or article URL"
}
func (t *WikipediaTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"url":{"type":"string","format":"uri"}},"anyOf":[{"required":["title"]},{"required":["url"]}]}`)
}

func (t *WikipediaTool) ValidateArguments(params json.RawMessage) error {
	return decodeParams(params, &wikipediaParams{})
}

func (t *WikipediaTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p wikipediaParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	base := t.base
	title := p.Title
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing url: %w", err)
		}
		if title == "" {
			title = router.WikipediaTitle(u)
		}
		if host := strings.ToLower(u.Hostname()); strings.HasSuffix(host, ".wikipedia.org") {
			base = "https://" + host
		}
	}
	if title == "" {
		return nil, fmt.Errorf("no article title in %q", p.URL)
	}

	endpoint := base + "/api/rest_v1/page/summary/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	page, err := t.fetcher.Get(ctx, endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	if page.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("wikipedia page %q not found", title)
	}
	if page.StatusCode >= 400 {
		return nil, fmt.Errorf("wikipedia returned HTTP %d", page.StatusCode)
	}

	var s wikipediaSummary
	if err := json.Unmarshal(page.Body, &s); err != nil {
		return nil, fmt.Errorf("decoding wikipedia summary: %w", err)
	}
	result := wikipediaResult{
		Title:       s.Title,
		URL:         s.ContentURLs.Desktop.Page,
		Description: untrusted.RedactSecrets(s.Description, 200),
		Extract:     untrusted.RedactSecrets(s.Extract, untrusted.DefaultExcerptChars),
	}
	if result.Title == "" {
		result.Title = title
	}
	if result.URL == "" {
		result.URL = base + "/wiki/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	}
	return json.Marshal(result)
}
