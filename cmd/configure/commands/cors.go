package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/benvon/liftlog/internal/middleware"
	"github.com/spf13/cobra"
)

// NewCorsCmd creates the cors command, which prints the origins the server
// will accept for a FRONTEND_URL value.
func NewCorsCmd() *cobra.Command {
	var frontendURL string
	cmd := &cobra.Command{
		Use:   "cors",
		Short: "Show effective CORS configuration",
		Long:  "Print allowed origins derived from FRONTEND_URL (comma-separated) and the headers exposed to browsers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if frontendURL == "" {
				frontendURL = os.Getenv("FRONTEND_URL")
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "CORS configuration:")
			fmt.Fprintf(w, "  Allowed origins: %s\n", strings.Join(middleware.ParseOrigins(frontendURL), ", "))
			fmt.Fprintln(w, "  Allow credentials: true")
			fmt.Fprintf(w, "  Exposed headers: %s\n", strings.Join(middleware.ExposedHeaders, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&frontendURL, "frontend-url", "", "Comma-separated origins (default FRONTEND_URL)")
	return cmd
}
