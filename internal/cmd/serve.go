package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/mailbox"
	"github.com/dativo-io/refguard/internal/mcp"
	"github.com/dativo-io/refguard/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the refguard HTTP API and MCP endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", config.DefaultListenAddr, "listen address")
	_ = viper.BindPFlag(config.KeyListenAddr, serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

// serverOptions translates operator config into server options.
func serverOptions(cfg *config.Config, st *stack) []server.Option {
	return []server.Option{
		server.WithMCPServer(mcp.NewHandler(st.registry, st.access, st.orchestrator, resolvedVersion())),
		server.WithMailbox(st.mailbox),
		server.WithAPIKeys(cfg.APIKeys),
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithVersion(resolvedVersion()),
		server.WithScanner(st.scanner),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("REFGUARD_API_KEYS not set, API endpoints are open. Set for production.")
	}

	if cfg.MailboxRetention > 0 {
		retention := mailbox.NewRetentionScheduler(st.mailbox, cfg.MailboxRetention)
		if err := retention.Register(cfg.RetentionSchedule); err != nil {
			return err
		}
		retention.Start()
		defer retention.Stop()
	}

	srv := server.NewServer(st.orchestrator, st.engine, serverOptions(cfg, st)...)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("policy", st.policy.Name()).
		Str("policy_version", st.policy.VersionTag()).
		Str("source_tool", cfg.SourceTool).
		Bool("sandbox", cfg.SandboxPayloads).
		Bool("upstream_mcp", cfg.UpstreamMCPURL != "").
		Msg("refguard_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
