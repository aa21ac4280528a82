package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dativo-io/refguard/internal/policy"
)

// ErrBlocked is returned when the policy engine refuses a URL a tool was asked
// to fetch, including redirect targets.
var ErrBlocked = errors.New("blocked by reference policy")

const (
	defaultUserAgent    = "refguard/1.0 (+https://github.com/dativo-io/refguard)"
	defaultMaxBodyBytes = 2 << 20
	maxRedirects        = 5
)

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	Timeout      time.Duration // default 10s
	MaxBodyBytes int64         // default 2 MiB
	UserAgent    string
	// RequestsPerSecond limits outbound requests across all tools (0 = unlimited).
	RequestsPerSecond float64
	// Guard, when set, classifies every URL before it is requested.
	Guard *policy.Engine
}

// Fetcher performs the outbound HTTP requests of the downstream tools.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	guard     *policy.Engine
	maxBody   int64
	userAgent string
}

// Fetched is a bounded HTTP response.
type Fetched struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool
}

// NewFetcher creates a fetcher.
func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	f := &Fetcher{
		guard:     cfg.Guard,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return f.check(req.URL.String())
		},
	}
	return f
}

func (f *Fetcher) check(raw string) error {
	if f.guard == nil {
		return nil
	}
	v := f.guard.ClassifyString(raw)
	if !v.Allowed {
		log.Debug().Str("reason_code", string(v.ReasonCode)).Str("rule", v.Rule).Msg("fetch_blocked")
		return fmt.Errorf("%w: %s", ErrBlocked, v.ReasonCode)
	}
	return nil
}

// Get fetches rawURL, reading at most the configured number of body bytes.
func (f *Fetcher) Get(ctx context.Context, rawURL string, accept string) (*Fetched, error) {
	if err := f.check(rawURL); err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	// URL was classified by the policy engine above; redirects are re-checked.
	resp, err := f.client.Do(req) // #nosec G107
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	out := &Fetched{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if int64(len(body)) > f.maxBody {
		out.Body = body[:f.maxBody]
		out.Truncated = true
	}
	return out, nil
}
