package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/app"
)

type runOptions struct {
	dryRun bool
	once   bool
}

// newRunCmd creates the 'run' subcommand. It runs the pipeline once, or on
// pipeline.cron when a schedule is configured.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the crawl, scrape and embed pipeline",
		Long: `Selects resources whose last crawl is older than pipeline.max_age,
crawls them, scrapes the ones that changed and re-embeds the ones whose text
moved. With pipeline.cron set the command keeps running on that schedule
unless --once is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "fetch and compute everything but write nothing")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass even when pipeline.cron is set")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts *runOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger, app.Options{DryRun: opts.dryRun})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	if e.cfg.Pipeline.Cron != "" && !opts.once {
		e.logger.Info("running on schedule", zap.String("cron", e.cfg.Pipeline.Cron))
		if err := a.RunScheduled(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	summary, runErr := a.RunOnce(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return runErr
}
