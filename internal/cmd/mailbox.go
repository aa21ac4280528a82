package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/refguard/internal/config"
	"github.com/dativo-io/refguard/internal/mailbox"
)

var (
	mailFrom    string
	mailSubject string
	mailQuery   string
	mailLimit   int
	mailMaxAge  time.Duration
)

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Manage the local mailbox used as the default source tool",
}

var mailboxAddCmd = &cobra.Command{
	Use:   "add [body]",
	Short: "Store a message (body from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  mailboxAdd,
}

var mailboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored messages, newest first",
	RunE:  mailboxList,
}

var mailboxPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete messages older than --older-than",
	RunE:  mailboxPurge,
}

func init() {
	mailboxAddCmd.Flags().StringVar(&mailFrom, "from", "", "sender address")
	mailboxAddCmd.Flags().StringVar(&mailSubject, "subject", "", "subject line")
	mailboxListCmd.Flags().StringVar(&mailQuery, "query", "", "filter by sender, subject or body")
	mailboxListCmd.Flags().IntVar(&mailLimit, "limit", 20, "maximum messages to show")
	mailboxPurgeCmd.Flags().DurationVar(&mailMaxAge, "older-than", config.DefaultMailboxRetention, "maximum message age to keep")

	mailboxCmd.AddCommand(mailboxAddCmd, mailboxListCmd, mailboxPurgeCmd)
	rootCmd.AddCommand(mailboxCmd)
}

func openMailbox() (*mailbox.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return mailbox.NewStore(cfg.MailboxDBPath())
}

func mailboxAdd(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "mailbox.add")
	defer span.End()

	if mailFrom == "" {
		return fmt.Errorf("--from is required")
	}
	body, err := readMessage(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body is empty")
	}
	store, err := openMailbox()
	if err != nil {
		return err
	}
	defer store.Close()

	msg, err := store.Add(ctx, mailbox.Message{From: mailFrom, Subject: mailSubject, Body: body})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", msg.ID)
	return nil
}

func mailboxList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "mailbox.list")
	defer span.End()

	store, err := openMailbox()
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := store.List(ctx, mailQuery, mailLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVED\tFROM\tSUBJECT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.ReceivedAt.Format(time.RFC3339), m.From, truncate(m.Subject, 60))
	}
	return w.Flush()
}

func mailboxPurge(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "mailbox.purge")
	defer span.End()

	if mailMaxAge <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := openMailbox()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-mailMaxAge))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d message(s)\n", n)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
