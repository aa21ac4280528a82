// Package config holds OPERATOR-LEVEL configuration for a refguard installation.
//
// Values come from viper, which merges REFGUARD_* environment variables, the
// optional refguard.config.yaml file, and the defaults below. The reference
// policy itself (domains, extensions, tool access) lives in its own YAML file
// loaded by internal/policy; this package only points at it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the REFGUARD_ prefix
// (e.g. "listen_addr" → REFGUARD_LISTEN_ADDR) and to a YAML field
// in refguard.config.yaml.
const (
	KeyListenAddr        = "listen_addr"
	KeyDataDir           = "data_dir"
	KeyPolicyPath        = "policy_path"
	KeyPolicyBaseDir     = "policy_base_dir"
	KeySourceTool        = "source_tool"
	KeyMaxInFlight       = "max_in_flight"
	KeyDispatchTimeout   = "dispatch_timeout"
	KeyRequestTimeout    = "request_timeout"
	KeySandboxPayloads   = "sandbox_payloads"
	KeyBreakerThreshold  = "breaker_threshold"
	KeyBreakerWindow     = "breaker_window"
	KeyFetchTimeout      = "fetch_timeout"
	KeyFetchMaxBytes     = "fetch_max_bytes"
	KeyFetchRPS          = "fetch_rps"
	KeyUserAgent         = "user_agent"
	KeyWikipediaBase     = "wikipedia_base_url"
	KeyMailboxRetention  = "mailbox_retention"
	KeyRetentionSchedule = "mailbox_retention_schedule"
	KeyUpstreamMCPURL    = "upstream_mcp_url"
	KeyUpstreamMCPAuth   = "upstream_mcp_auth"
	KeyUpstreamMCPTools  = "upstream_mcp_tools"
	KeyRouteTools        = "route_tools"
	KeyAPIKeys           = "api_keys"
	KeyCORSOrigins       = "cors_origins"
	KeyInjectionPatterns = "injection_patterns_file"
)

// Defaults.
const (
	DefaultListenAddr        = ":8080"
	DefaultSourceTool        = "mailbox.get_messages"
	DefaultMaxInFlight       = 4
	DefaultDispatchTimeout   = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerWindow     = time.Minute
	DefaultFetchTimeout      = 10 * time.Second
	DefaultFetchMaxBytes     = 2 << 20
	DefaultFetchRPS          = 10.0
	DefaultWikipediaBase     = "https://en.wikipedia.org"
	DefaultMailboxRetention  = 30 * 24 * time.Hour
	DefaultRetentionSchedule = "@daily"
)

// Config holds resolved operator-level configuration for a refguard process.
type Config struct {
	ListenAddr    string `validate:"required"`
	DataDir       string `validate:"required"`
	PolicyPath    string // empty uses the built-in default policy
	PolicyBaseDir string

	SourceTool       string        `validate:"required,max=100"`
	MaxInFlight      int           `validate:"min=1,max=64"`
	DispatchTimeout  time.Duration `validate:"gt=0"`
	RequestTimeout   time.Duration // negative disables the per-request deadline
	SandboxPayloads  bool
	BreakerThreshold int           `validate:"min=0"` // 0 disables the circuit breaker
	BreakerWindow    time.Duration `validate:"gt=0"`

	// InjectionPatternsFile adds recognizers on top of the built-in set.
	InjectionPatternsFile string

	FetchTimeout  time.Duration `validate:"gt=0"`
	FetchMaxBytes int64         `validate:"gt=0"`
	FetchRPS      float64       `validate:"min=0"`
	UserAgent     string
	WikipediaBase string `validate:"required,http_url"`

	MailboxRetention  time.Duration // 0 keeps messages forever
	RetentionSchedule string

	UpstreamMCPURL   string `validate:"omitempty,http_url"`
	UpstreamMCPAuth  string
	UpstreamMCPTools []string

	// RouteTools maps a capability name to the tool that serves it instead
	// of the built-in one, e.g. "image" -> "vision.describe".
	RouteTools map[string]string `validate:"dive,keys,oneof=web wikipedia image,endkeys,required,max=100"`

	APIKeys     map[string]string // key -> caller name
	CORSOrigins []string
}

// MailboxDBPath returns the full path to the mailbox SQLite database.
func (c *Config) MailboxDBPath() string {
	return filepath.Join(c.DataDir, "mailbox.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("REFGUARD")
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeySourceTool, DefaultSourceTool)
	v.SetDefault(KeyMaxInFlight, DefaultMaxInFlight)
	v.SetDefault(KeyDispatchTimeout, DefaultDispatchTimeout)
	v.SetDefault(KeyRequestTimeout, DefaultRequestTimeout)
	v.SetDefault(KeySandboxPayloads, true)
	v.SetDefault(KeyBreakerThreshold, DefaultBreakerThreshold)
	v.SetDefault(KeyBreakerWindow, DefaultBreakerWindow)
	v.SetDefault(KeyFetchTimeout, DefaultFetchTimeout)
	v.SetDefault(KeyFetchMaxBytes, DefaultFetchMaxBytes)
	v.SetDefault(KeyFetchRPS, DefaultFetchRPS)
	v.SetDefault(KeyWikipediaBase, DefaultWikipediaBase)
	v.SetDefault(KeyMailboxRetention, DefaultMailboxRetention)
	v.SetDefault(KeyRetentionSchedule, DefaultRetentionSchedule)
	v.SetDefault(KeyCORSOrigins, []string{"*"})
}

// Load reads configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and returns a validated Config.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:        v.GetString(KeyListenAddr),
		DataDir:           resolveDataDir(v),
		PolicyPath:        v.GetString(KeyPolicyPath),
		PolicyBaseDir:     v.GetString(KeyPolicyBaseDir),
		SourceTool:        v.GetString(KeySourceTool),
		MaxInFlight:       v.GetInt(KeyMaxInFlight),
		DispatchTimeout:   v.GetDuration(KeyDispatchTimeout),
		RequestTimeout:    v.GetDuration(KeyRequestTimeout),
		SandboxPayloads:   v.GetBool(KeySandboxPayloads),
		BreakerThreshold:  v.GetInt(KeyBreakerThreshold),
		BreakerWindow:     v.GetDuration(KeyBreakerWindow),
		FetchTimeout:      v.GetDuration(KeyFetchTimeout),
		FetchMaxBytes:     v.GetInt64(KeyFetchMaxBytes),
		FetchRPS:          v.GetFloat64(KeyFetchRPS),
		UserAgent:         v.GetString(KeyUserAgent),
		WikipediaBase:     v.GetString(KeyWikipediaBase),
		MailboxRetention:  v.GetDuration(KeyMailboxRetention),
		RetentionSchedule: v.GetString(KeyRetentionSchedule),
		UpstreamMCPURL:    v.GetString(KeyUpstreamMCPURL),
		UpstreamMCPAuth:   v.GetString(KeyUpstreamMCPAuth),
		UpstreamMCPTools:  splitList(v.GetStringSlice(KeyUpstreamMCPTools)),
		RouteTools:        ParseRouteTools(v.GetString(KeyRouteTools)),
		APIKeys:           ParseAPIKeys(v.GetString(KeyAPIKeys)),
		CORSOrigins:       splitList(v.GetStringSlice(KeyCORSOrigins)),
	}
	cfg.InjectionPatternsFile = v.GetString(KeyInjectionPatterns)
	if cfg.PolicyBaseDir == "" {
		cfg.PolicyBaseDir = "."
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UpstreamMCPURL == "" && len(cfg.UpstreamMCPTools) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s set without %s", KeyUpstreamMCPTools, KeyUpstreamMCPURL)
	}
	return cfg, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".refguard"
	}
	return filepath.Join(home, ".refguard")
}

// ParseAPIKeys returns a map of key -> caller from a comma-separated list
// whose entries are "key" or "key:caller". Keys without a caller map to "default".
func ParseAPIKeys(s string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		caller := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			if c := strings.TrimSpace(part[idx+1:]); c != "" {
				caller = c
			}
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = caller
	}
	return m
}

// ParseRouteTools parses "capability=tool" pairs from a comma-separated list.
// Capability names are lower-cased; entries without "=" are kept with an
// empty tool so validation reports them.
func ParseRouteTools(s string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, tool, _ := strings.Cut(part, "=")
		m[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(tool)
	}
	return m
}

// splitList flattens env-style "a,b" entries, which viper returns as one item.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
