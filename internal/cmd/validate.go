package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/policy"
)

var (
	validateFile         string
	validatePrintDefault bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a reference policy file",
	Long:  "Validates a policy file against its schema and compiles its domain rules and tool-access Rego",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validatePrintDefault {
			_, err := cmd.OutOrStdout().Write(policy.DefaultDocument())
			return err
		}
		if validateFile == "" {
			return fmt.Errorf("--file is required")
		}

		cfg, err := policy.LoadConfig(ctx, filepath.Base(validateFile), filepath.Dir(validateFile))
		if err != nil {
			log.Error().
				Err(err).
				Str("file", validateFile).
				Msg("policy_validation_failed")
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Compiling the tool-access engine verifies the Rego data as well.
		if _, err := policy.NewToolAccessEngine(ctx, cfg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ Policy compilation failed: %s\n", validateFile)
			return fmt.Errorf("tool access engine: %w", err)
		}

		log.Info().
			Str("file", validateFile).
			Str("version", cfg.VersionTag()).
			Msg("policy_validated")

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Policy valid: %s\n", validateFile)
		fmt.Fprintf(out, "  Name: %s\n", cfg.Name())
		fmt.Fprintf(out, "  Version: %s\n", cfg.VersionTag())
		summary := cfg.Summary()
		keys := make([]string, 0, len(summary))
		for k := range summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %d\n", k, summary[k])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "policy file to validate")
	validateCmd.Flags().BoolVar(&validatePrintDefault, "print-default", false, "print the built-in policy as a starting point and exit")
}
