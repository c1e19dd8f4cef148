// Package scheduler runs the pipeline on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
)

// Runner executes one pipeline pass.
type Runner interface {
	RunOnce(ctx context.Context) (crawler.RunSummary, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec is a valid five-field cron expression or
// descriptor such as "@every 6h".
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Scheduler triggers Runner on every tick. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	spec   string
	runner Runner
	logger *zap.Logger
	cron   *cron.Cron
}

// New builds a Scheduler for spec.
func New(spec string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		spec:   spec,
		runner: runner,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}, nil
}

// Run blocks until ctx is canceled. A run in flight at cancellation is
// allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule pipeline: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec), zap.Time("next_run", s.Next()))

	<-ctx.Done()
	s.logger.Info("scheduler stopping; waiting for in-flight run")
	<-s.cron.Stop().Done()
	return nil
}

// Next returns the next scheduled tick, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, crawler.ErrRunInProgress):
		s.logger.Info("tick skipped; a run is already in progress")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.Error(err), zap.String("run_id", summary.RunID))
	default:
		s.logger.Info("scheduled run finished",
			zap.String("run_id", summary.RunID),
			zap.Int("candidates", summary.Candidates),
			zap.Int("embedded", summary.Embedded),
			zap.Int("errored", summary.Errored))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
