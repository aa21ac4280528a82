package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/doctor"
)

var (
	doctorJSON    bool
	doctorOffline bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, mailbox, upstreams)",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip network checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	report := doctor.Run(ctx, cfg, doctor.Options{SkipUpstream: doctorOffline})

	out := cmd.OutOrStdout()
	if doctorJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			switch c.Status {
			case "warn":
				mark = "⚠"
			case "fail":
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %s: %s\n", mark, c.Name, c.Message)
			if c.Fix != "" && c.Status != "pass" {
				fmt.Fprintf(out, "    fix: %s\n", c.Fix)
			}
		}
		fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n", report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
	}
	if report.Status == "fail" {
		return fmt.Errorf("preflight checks failed")
	}
	return nil
}
