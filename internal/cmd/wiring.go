package cmd

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/refguard/internal/chain"
	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/mailbox"
	"github.com/dativo-io/refguard/internal/mcp"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/router"
	"github.com/dativo-io/refguard/internal/tools"
	"github.com/dativo-io/refguard/internal/untrusted"
)

// failureWindow is how long repeated tool failures are remembered for warnings.
const failureWindow = 5 * time.Minute

// stack is the wired set of components shared by serve and chain.
type stack struct {
	cfg          *config.Config
	policy       *policy.Config
	engine       *policy.Engine
	access       *policy.ToolAccessEngine
	registry     *tools.ToolRegistry
	scanner      *untrusted.Scanner
	mailbox      *mailbox.Store
	orchestrator *chain.Orchestrator
}

func (s *stack) Close() {
	if s.mailbox != nil {
		_ = s.mailbox.Close()
	}
}

// buildStack loads the reference policy and wires the tool registry, the
// optional upstream MCP server and the orchestrator.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	polCfg, err := policy.LoadConfig(ctx, cfg.PolicyPath, cfg.PolicyBaseDir)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	engine := policy.NewEngine(polCfg)
	access, err := policy.NewToolAccessEngine(ctx, polCfg)
	if err != nil {
		return nil, fmt.Errorf("tool access engine: %w", err)
	}

	scanner := untrusted.NewScanner()
	if cfg.InjectionPatternsFile != "" {
		if scanner, err = untrusted.LoadScanner(cfg.InjectionPatternsFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := mailbox.NewStore(cfg.MailboxDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing mailbox: %w", err)
	}

	fetcher := tools.NewFetcher(tools.FetchConfig{
		Timeout:           cfg.FetchTimeout,
		MaxBodyBytes:      cfg.FetchMaxBytes,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.FetchRPS,
		Guard:             engine,
	})
	registry := tools.NewBuiltinRegistry(fetcher, cfg.WikipediaBase, mailbox.NewGetMessagesTool(store))

	overrides, routedRemote, err := routeOverrides(cfg, registry)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var invoker chain.Invoker = registry
	if cfg.UpstreamMCPURL != "" {
		client := mcp.NewClient(cfg.UpstreamMCPURL, cfg.UpstreamMCPAuth, cfg.DispatchTimeout)
		remote := cfg.UpstreamMCPTools
		if len(remote) == 0 {
			remote = []string{cfg.SourceTool}
		}
		for _, name := range routedRemote {
			if !slices.Contains(remote, name) {
				remote = append(remote, name)
			}
		}
		invoker = mcp.NewMux(registry, client, remote...)
		log.Info().
			Str("url", cfg.UpstreamMCPURL).
			Strs("tools", remote).
			Msg("upstream_mcp_configured")
	}

	opts := []chain.Option{
		chain.WithRouter(router.New(overrides)),
		chain.WithToolAccess(access),
		chain.WithScanner(scanner),
		chain.WithFailureTracker(chain.NewToolFailureTracker(3, failureWindow)),
	}
	if cfg.BreakerThreshold > 0 {
		opts = append(opts, chain.WithCircuitBreaker(chain.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow)))
	}
	orch := chain.New(invoker, engine, chain.Config{
		SourceTool:      cfg.SourceTool,
		MaxInFlight:     cfg.MaxInFlight,
		DispatchTimeout: cfg.DispatchTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		SandboxPayloads: cfg.SandboxPayloads,
	}, opts...)

	return &stack{
		cfg:          cfg,
		policy:       polCfg,
		engine:       engine,
		access:       access,
		registry:     registry,
		scanner:      scanner,
		mailbox:      store,
		orchestrator: orch,
	}, nil
}

// routeOverrides resolves route_tools into router overrides. Tools the local
// registry does not serve must come from the upstream MCP server and are
// returned so they get mounted there.
func routeOverrides(cfg *config.Config, registry *tools.ToolRegistry) (map[router.Capability]string, []string, error) {
	overrides := make(map[router.Capability]string, len(cfg.RouteTools))
	var remote []string
	for name, tool := range cfg.RouteTools {
		c, ok := router.ParseCapability(name)
		if !ok {
			return nil, nil, fmt.Errorf("route_tools: unknown capability %q", name)
		}
		if _, local := registry.Get(tool); !local {
			if cfg.UpstreamMCPURL == "" {
				return nil, nil, fmt.Errorf("route_tools: %s tool %q is not built in and %s is not set", name, tool, config.KeyUpstreamMCPURL)
			}
			remote = append(remote, tool)
		}
		overrides[c] = tool
	}
	slices.Sort(remote)
	return overrides, remote, nil
}
