package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/liftlog/internal/config"
	"github.com/benvon/liftlog/internal/services/session"
	"github.com/benvon/liftlog/internal/stores"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewTestCmd creates the test command
func NewTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test configured dependencies",
		Long:  "Check that the rate limit store answers and that the session JWKS endpoint serves keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			w := cmd.OutOrStdout()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			fmt.Fprintf(w, "Testing rate limit store: %s\n", cfg.RateLimitStore)
			backend, err := stores.Open(ctx, cfg, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer func() { _ = backend.Close() }()
			if backend.Pinger != nil {
				if err := backend.Pinger.Ping(ctx); err != nil {
					return fmt.Errorf("store ping failed: %w", err)
				}
			}
			fmt.Fprintln(w, "✓ Rate limit store is reachable")

			if cfg.SessionJWKSURL == "" {
				fmt.Fprintln(w, "\nSESSION_JWKS_URL not set; sessions are disabled and every caller is anonymous")
			} else {
				fmt.Fprintf(w, "\nTesting JWKS endpoint: %s\n", cfg.SessionJWKSURL)
				keys, err := session.NewJWKSManager(cfg.SessionJWKSURL, 0).Keys(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch JWKS: %w", err)
				}
				if keys.Len() == 0 {
					return fmt.Errorf("JWKS endpoint returned no keys")
				}
				fmt.Fprintf(w, "✓ JWKS endpoint serves %d key(s)\n", keys.Len())
			}

			fmt.Fprintln(w, "\n✓ Configuration test passed")
			return nil
		},
	}

	return cmd
}
