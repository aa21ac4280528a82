package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/untrusted"
)

var scanFailOnSignal bool

var scanCmd = &cobra.Command{
	Use:   "scan [text]",
	Short: "Scan text for prompt-injection patterns",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "scan")
		defer span.End()

		text, err := readMessage(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		res := untrusted.NewScanner().Scan(ctx, text)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if scanFailOnSignal && !res.Safe {
			return fmt.Errorf("injection patterns found (max severity %d)", res.MaxSeverity)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanFailOnSignal, "fail", false, "exit non-zero when any pattern matches")
	rootCmd.AddCommand(scanCmd)
}
