// Package doctor provides preflight checks for a refguard installation.
// Used by `refguard doctor`.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/mailbox"
	"github.com/dativo-io/refguard/internal/mcp"
	"github.com/dativo-io/refguard/internal/policy"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which check categories to run.
type Options struct {
	SkipUpstream bool // Skip network checks (for CI/offline)
}

// Run executes all doctor checks against cfg and returns a report.
func Run(ctx context.Context, cfg *config.Config, opts Options) *Report {
	report := &Report{}

	report.Checks = append(report.Checks, checkDataDir(cfg))
	report.Checks = append(report.Checks, checkPolicy(ctx, cfg))
	report.Checks = append(report.Checks, checkMailbox(ctx, cfg))
	report.Checks = append(report.Checks, checkHardening(cfg)...)
	if !opts.SkipUpstream {
		report.Checks = append(report.Checks, checkNetwork(ctx, cfg)...)
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	label := cfg.PolicyPath
	if label == "" {
		label = "built-in"
	}
	polCfg, err := policy.LoadConfig(ctx, cfg.PolicyPath, cfg.PolicyBaseDir)
	if err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: %v", label, err),
			Fix:     "Run 'refguard validate -f <file>' for details",
		}
	}
	if _, err := policy.NewToolAccessEngine(ctx, polCfg); err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: tool access rules: %v", label, err),
		}
	}
	if len(polCfg.ToolAccess().AllowedTools) == 0 {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "warn",
			Message: fmt.Sprintf("%s (%s) allows every downstream tool", label, polCfg.VersionTag()),
			Fix:     "Add tool_access.allowed_tools to the policy",
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (%s)", label, polCfg.VersionTag()),
	}
}

func checkMailbox(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := mailbox.NewStore(cfg.MailboxDBPath())
	if err != nil {
		return CheckResult{
			Name: "mailbox_db", Category: "config", Status: "fail",
			Message: err.Error(),
		}
	}
	defer store.Close()
	n, err := store.Count(ctx)
	if err != nil {
		return CheckResult{
			Name: "mailbox_db", Category: "config", Status: "fail",
			Message: err.Error(),
		}
	}
	return CheckResult{
		Name: "mailbox_db", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (%d messages)", cfg.MailboxDBPath(), n),
	}
}

func checkHardening(cfg *config.Config) []CheckResult {
	var results []CheckResult
	if len(cfg.APIKeys) == 0 {
		results = append(results, CheckResult{
			Name: "api_keys", Category: "security", Status: "warn",
			Message: "No API keys configured, the HTTP API is open",
			Fix:     "Set REFGUARD_API_KEYS for production",
		})
	} else {
		results = append(results, CheckResult{
			Name: "api_keys", Category: "security", Status: "pass",
			Message: fmt.Sprintf("%d key(s)", len(cfg.APIKeys)),
		})
	}
	if !cfg.SandboxPayloads {
		results = append(results, CheckResult{
			Name: "sandbox_payloads", Category: "security", Status: "warn",
			Message: "Tool payloads are returned without untrusted-content markers",
			Fix:     "Set REFGUARD_SANDBOX_PAYLOADS=true",
		})
	} else {
		results = append(results, CheckResult{
			Name: "sandbox_payloads", Category: "security", Status: "pass", Message: "enabled",
		})
	}
	return results
}

func checkNetwork(ctx context.Context, cfg *config.Config) []CheckResult {
	var results []CheckResult
	results = append(results, checkReachable(ctx, "wikipedia", cfg.WikipediaBase))
	if cfg.UpstreamMCPURL != "" {
		results = append(results, checkUpstreamMCP(ctx, cfg))
	}
	return results
}

func checkReachable(ctx context.Context, name, baseURL string) CheckResult {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return CheckResult{
			Name: "upstream_" + name, Category: "network", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
		}
	}
	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // URL from operator config
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: "upstream_" + name, Category: "network", Status: "warn",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Downstream calls to this service will fail until it is reachable",
		}
	}
	resp.Body.Close()

	status := "pass"
	if latency > 2*time.Second {
		status = "warn"
	}
	return CheckResult{
		Name: "upstream_" + name, Category: "network", Status: status,
		Message: fmt.Sprintf("%s: %dms", baseURL, latency.Milliseconds()),
	}
}

// checkUpstreamMCP lists the upstream server's tools and verifies every tool
// mounted from it is offered.
func checkUpstreamMCP(ctx context.Context, cfg *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := mcp.NewClient(cfg.UpstreamMCPURL, cfg.UpstreamMCPAuth, 5*time.Second)
	names, err := client.ListTools(ctx)
	if err != nil {
		return CheckResult{
			Name: "upstream_mcp", Category: "network", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.UpstreamMCPURL, err),
			Fix:     "Check upstream_mcp_url and upstream_mcp_auth",
		}
	}
	offered := make(map[string]bool, len(names))
	for _, n := range names {
		offered[n] = true
	}
	mounted := cfg.UpstreamMCPTools
	if len(mounted) == 0 {
		mounted = []string{cfg.SourceTool}
	}
	for _, n := range mounted {
		if !offered[n] {
			return CheckResult{
				Name: "upstream_mcp", Category: "network", Status: "fail",
				Message: fmt.Sprintf("%s does not offer %s", cfg.UpstreamMCPURL, n),
				Fix:     "Fix upstream_mcp_tools or the upstream server",
			}
		}
	}
	return CheckResult{
		Name: "upstream_mcp", Category: "network", Status: "pass",
		Message: fmt.Sprintf("%s (%d tools)", cfg.UpstreamMCPURL, len(names)),
	}
}
