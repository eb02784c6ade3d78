package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benvon/liftlog/internal/config"
	"github.com/benvon/liftlog/internal/database"
	"github.com/benvon/liftlog/internal/models"
	"github.com/benvon/liftlog/internal/stores"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRatelimitCmd creates the ratelimit command with list, reset and prune subcommands.
func NewRatelimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and clear rate limit counters",
		Long:  "List, reset or prune fixed-window counters in the store selected by RATE_LIMIT_STORE.",
	}
	cmd.AddCommand(newRatelimitListCmd())
	cmd.AddCommand(newRatelimitResetCmd())
	cmd.AddCommand(newRatelimitPruneCmd())
	return cmd
}

// openSharedStore opens the configured store. The memory store lives inside the
// server process and cannot be inspected from here.
func openSharedStore(ctx context.Context) (*config.Config, *stores.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.RateLimitStore == config.StoreMemory {
		return nil, nil, errors.New("RATE_LIMIT_STORE=memory keeps counters inside the server process; nothing to inspect")
	}
	backend, err := stores.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.RateLimitStore, err)
	}
	return cfg, backend, nil
}

func newRatelimitListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rate limit records",
		Long:  "List records whose key starts with --prefix (e.g. auth:login: or auth:check:user:).",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, backend, err := openSharedStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			records, err := backend.Inspector.List(ctx, prefix)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list keys starting with this prefix")
	return cmd
}

func printRecords(w io.Writer, records []models.RateLimitRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No rate limit records")
		return
	}
	fmt.Fprintf(w, "%-60s %7s  %-24s %-24s %s\n", "KEY", "COUNT", "WINDOW START", "RESETS AT", "LAST REQUEST")
	for _, rec := range records {
		resets := "-"
		if rec.WindowMs > 0 {
			resets = rec.ResetAt().UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-60s %7d  %-24s %-24s %s\n",
			rec.Key,
			rec.RequestCount,
			time.UnixMilli(rec.WindowStart).UTC().Format(time.RFC3339),
			resets,
			time.UnixMilli(rec.LastRequest).UTC().Format(time.RFC3339),
		)
	}
}

func newRatelimitResetCmd() *cobra.Command {
	var prefix string
	var all bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete rate limit records",
		Long:  "Delete records whose key starts with --prefix. Use --all to clear every record.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" && !all {
				return fmt.Errorf("--prefix is required (or pass --all)")
			}
			if prefix != "" && all {
				return fmt.Errorf("--prefix and --all are mutually exclusive")
			}
			ctx := cmd.Context()
			_, backend, err := openSharedStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			n, err := backend.Inspector.Reset(ctx, prefix)
			if err != nil {
				return fmt.Errorf("reset records: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d rate limit record(s).\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Delete keys starting with this prefix")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every record")
	return cmd
}

func newRatelimitPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired Postgres records",
		Long:  "Delete Postgres records whose window ended more than --older-than ago. Records inside their window are kept. Redis expires keys on its own.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than cannot be negative")
			}
			ctx := cmd.Context()
			cfg, backend, err := openSharedStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			repo, ok := backend.Counter.(*database.RateLimitRepository)
			if !ok {
				return fmt.Errorf("prune is only supported for RATE_LIMIT_STORE=%s, got %s", config.StorePostgres, cfg.RateLimitStore)
			}
			n, err := repo.Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune records: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired record(s).\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Time since the window ended after which a record is deleted")
	return cmd
}
