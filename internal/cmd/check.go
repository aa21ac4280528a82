package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/router"
)

var checkText bool

var checkCmd = &cobra.Command{
	Use:   "check [reference...]",
	Short: "Classify references against the reference policy without dispatching",
	Long: `Prints the policy verdict and routed tool for each reference. With --text,
references are extracted from stdin instead.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkText, "text", false, "extract references from stdin text")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "check")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	polCfg, err := policy.LoadConfig(ctx, cfg.PolicyPath, cfg.PolicyBaseDir)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	engine := policy.NewEngine(polCfg)

	var refs []reference.Reference
	var unparsed []string
	if checkText {
		text, err := readMessage(nil, cmd.InOrStdin())
		if err != nil {
			return err
		}
		refs = reference.Extract(text, "stdin")
	} else {
		if len(args) == 0 {
			return fmt.Errorf("no references given (pass them as arguments or use --text)")
		}
		for _, raw := range args {
			ref, ok := reference.New(raw, "args")
			if !ok {
				unparsed = append(unparsed, raw)
				continue
			}
			refs = append(refs, ref)
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tKIND\tVERDICT\tREASON\tTOOL")
	for _, ref := range refs {
		v := engine.Classify(ref)
		verdict, tool := "deny", "-"
		if v.Allowed {
			verdict = "allow"
			tool = router.Default.Route(ref.WithSanitized(v.Sanitized)).Tool
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ref.Raw, ref.Kind, verdict, v.ReasonCode, tool)
	}
	for _, raw := range unparsed {
		v := engine.ClassifyString(raw)
		fmt.Fprintf(w, "%s\t-\tdeny\t%s\t-\n", raw, v.ReasonCode)
	}
	return w.Flush()
}
