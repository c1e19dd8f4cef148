package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ayudas-pipeline/internal/app"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the run API and metrics",
		Long: `Starts the HTTP API on server.port. Runs can be triggered with
POST /v1/runs; /metrics exposes Prometheus metrics. When pipeline.cron is set
the scheduler runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), e.cfg, e.logger, app.Options{DryRun: dryRun})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "runs triggered by this server write nothing")
	return cmd
}
