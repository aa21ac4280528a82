package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect refguard configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		policyPath := cfg.PolicyPath
		if policyPath == "" {
			policyPath = "(built-in)"
		}
		upstream := cfg.UpstreamMCPURL
		if upstream == "" {
			upstream = "(none)"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Listen address:    %s\n", cfg.ListenAddr)
		fmt.Fprintf(out, "Data directory:    %s\n", cfg.DataDir)
		fmt.Fprintf(out, "Mailbox DB:        %s\n", cfg.MailboxDBPath())
		fmt.Fprintf(out, "Policy:            %s\n", policyPath)
		fmt.Fprintf(out, "Source tool:       %s\n", cfg.SourceTool)
		fmt.Fprintf(out, "Max in flight:     %d\n", cfg.MaxInFlight)
		fmt.Fprintf(out, "Dispatch timeout:  %s\n", cfg.DispatchTimeout)
		fmt.Fprintf(out, "Request timeout:   %s\n", cfg.RequestTimeout)
		fmt.Fprintf(out, "Sandbox payloads:  %t\n", cfg.SandboxPayloads)
		fmt.Fprintf(out, "Wikipedia base:    %s\n", cfg.WikipediaBase)
		fmt.Fprintf(out, "Upstream MCP:      %s\n", upstream)
		fmt.Fprintf(out, "Route tools:       %s\n", routeToolsLine(cfg.RouteTools))
		fmt.Fprintf(out, "API keys:          %d configured\n", len(cfg.APIKeys))
		fmt.Fprintf(out, "CORS origins:      %s\n", strings.Join(cfg.CORSOrigins, ", "))
		return nil
	},
}

func routeToolsLine(routes map[string]string) string {
	if len(routes) == 0 {
		return "(built-in)"
	}
	pairs := make([]string, 0, len(routes))
	for c, tool := range routes {
		pairs = append(pairs, c+"="+tool)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
