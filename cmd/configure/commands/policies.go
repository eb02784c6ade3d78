package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/spf13/cobra"
)

// NewPoliciesCmd creates the policies command. It validates a policy file and
// prints the effective catalog.
func NewPoliciesCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Show effective rate limit policies",
		Long:  "Load the built-in policies, apply --file (default RATE_LIMIT_POLICY_FILE) and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = os.Getenv("RATE_LIMIT_POLICY_FILE")
			}
			catalog, err := ratelimit.LoadCatalog(file)
			if err != nil {
				return fmt.Errorf("load policies: %w", err)
			}

			w := cmd.OutOrStdout()
			if file != "" {
				fmt.Fprintf(w, "Policies (built-in + %s):\n", file)
			} else {
				fmt.Fprintln(w, "Policies (built-in):")
			}
			for _, p := range catalog.Policies() {
				fmt.Fprintf(w, "  - %s\n", p.Name)
				fmt.Fprintf(w, "    Kind: %s\n", p.Kind)
				fmt.Fprintf(w, "    Limit: %d per %s\n", p.Limit, formatWindow(p.Window))
				if p.AuthLimit > 0 {
					fmt.Fprintf(w, "    Authenticated limit: %d per %s\n", p.AuthLimit, formatWindow(p.Window))
				}
				if p.EnforceInDevelopment {
					fmt.Fprintln(w, "    Enforced in development: yes")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Policy file to validate (YAML)")

	return cmd
}

func formatWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}
