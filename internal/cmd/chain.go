package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/chain"
	"github.com/dativo-io/refguard/internal/config"
)

var (
	chainMaxURLs     int
	chainMaxImages   int
	chainMaxRefs     int
	chainNoChaining  bool
	chainNoImages    bool
	chainSourceTool  string
	chainSourceQuery string
)

var chainCmd = &cobra.Command{
	Use:   "chain [message]",
	Short: "Run one chain: fetch the source, filter its references and dispatch them",
	Long: `Runs one orchestration against the configured source tool and prints the
aggregated response as JSON. The message is read from stdin when omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChain,
}

func init() {
	chainCmd.Flags().IntVar(&chainMaxURLs, "max-urls", chain.DefaultMaxURLs, "maximum URLs to dispatch")
	chainCmd.Flags().IntVar(&chainMaxImages, "max-images", chain.DefaultMaxImages, "maximum images to dispatch")
	chainCmd.Flags().IntVar(&chainMaxRefs, "max-refs", 0, "overall reference cap (0 = max-urls + max-images)")
	chainCmd.Flags().BoolVar(&chainNoChaining, "no-chaining", false, "return only the source result")
	chainCmd.Flags().BoolVar(&chainNoImages, "no-images", false, "skip image references")
	chainCmd.Flags().StringVar(&chainSourceTool, "source", "", "source tool (default: configured source_tool)")
	chainCmd.Flags().StringVar(&chainSourceQuery, "query", "", "search query passed to the source tool")
	rootCmd.AddCommand(chainCmd)
}

func readMessage(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(io.LimitReader(in, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runChain(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "chain")
	defer span.End()

	msg, err := readMessage(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	req := chain.NewRequest(msg)
	req.MaxURLs = chainMaxURLs
	req.MaxImages = chainMaxImages
	req.MaxRefs = chainMaxRefs
	req.EnableChaining = !chainNoChaining
	req.ProcessImages = !chainNoImages
	req.SourceTool = chainSourceTool
	if chainSourceQuery != "" {
		req.SourceParams = map[string]interface{}{"query": chainSourceQuery}
	}

	resp, runErr := st.orchestrator.Run(ctx, req)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if runErr != nil {
		if errors.Is(runErr, chain.ErrSourceFetch) {
			return runErr
		}
		return fmt.Errorf("chain run: %w", runErr)
	}
	return nil
}
