package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/apperr"
	"mailtriage/internal/config"
	"mailtriage/internal/continuation"
	"mailtriage/internal/domain"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/schedule"
)

const (
	startEntryPoint = "start"
	sweepEntryPoint = "sweep"
	adoptEntryPoint = "adopt"

	adoptSchedule = "@every 1m"
)

func newServeCmd(load loader) *cobra.Command {
	var startNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the scheduler: resumptions, the periodic sweep and scheduled runs",
		Args:  cobra.NoArgs,
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, _ []string) error {
			return serve(cmd.Context(), e, startNow)
		}),
	}
	cmd.Flags().BoolVar(&startNow, "start", false, "Start a new run as soon as the scheduler is up")
	return cmd
}

func serve(ctx context.Context, e *env, startNow bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := e.cfg
	cr := schedule.New(e.logger, schedule.Options{JobTimeout: cfg.Quantum(), Location: cfg.Location})
	p, err := e.newPipeline(cr)
	if err != nil {
		return err
	}
	registerEntryPoints(cr, p, cfg, e.logger)
	if err := cr.AddRecurring(cfg.SweepSchedule, sweepEntryPoint); err != nil {
		return err
	}
	if err := cr.AddRecurring(adoptSchedule, adoptEntryPoint); err != nil {
		return err
	}
	if cfg.RunSchedule != "" {
		if err := cr.AddRecurring(cfg.RunSchedule, startEntryPoint); err != nil {
			return err
		}
	}

	// A checkpoint left by a process that died has lost its armed trigger.
	if _, err := adoptOrphan(ctx, p, cr, cfg.ResumeDelay(), 0, e.logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cr.Start()
		e.logger.Info("serve scheduler started",
			zap.String("sweep", cfg.SweepSchedule),
			zap.String("run", cfg.RunSchedule),
			zap.String("timezone", cfg.Location.String()))
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Quantum())
		defer cancel()
		e.logger.Info("serve stopping, waiting for running jobs")
		return cr.Stop(sctx)
	})
	if startNow {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, cfg.Quantum())
			defer cancel()
			sum, err := p.Start(qctx)
			logSummary(e.logger, startEntryPoint, sum, err)
			// Failures reach the owner through the notifier and must not stop the server.
			return nil
		})
	}
	return g.Wait()
}

// registerEntryPoints binds the pipeline operations the scheduler invokes.
func registerEntryPoints(cr *schedule.Cron, p *pipeline.Pipeline, cfg config.Config, logger *zap.Logger) {
	cr.Register(continuation.DefaultEntryPoint, func(ctx context.Context) error {
		sum, err := p.Resume(ctx)
		logSummary(logger, continuation.DefaultEntryPoint, sum, err)
		return err
	})
	cr.Register(startEntryPoint, func(ctx context.Context) error {
		sum, err := p.Start(ctx)
		logSummary(logger, startEntryPoint, sum, err)
		if errors.Is(err, apperr.ErrAlreadyRunning) {
			return nil
		}
		return err
	})
	cr.Register(sweepEntryPoint, func(ctx context.Context) error {
		_, err := p.Sweep(ctx)
		return err
	})
	cr.Register(adoptEntryPoint, func(ctx context.Context) error {
		_, err := adoptOrphan(ctx, p, cr, cfg.ResumeDelay(), orphanAge(cfg), logger)
		return err
	})
}

// orphanAge is how long an active checkpoint may go unwritten before its
// resumption is presumed lost. A live host writes it within one resume delay
// plus one quantum.
func orphanAge(cfg config.Config) time.Duration {
	return cfg.ResumeDelay() + cfg.Quantum() + time.Minute
}

// adoptOrphan arms a resumption on cr for an active checkpoint that has none
// pending here and has not been written for at least minAge. Runs started by
// a process that has since exited end up here.
func adoptOrphan(ctx context.Context, p *pipeline.Pipeline, cr *schedule.Cron, delay, minAge time.Duration, logger *zap.Logger) (bool, error) {
	st, err := p.Status(ctx)
	if err != nil {
		logger.Warn("serve could not read checkpoint", zap.Error(err))
		return false, nil
	}
	if st == nil || !st.IsActive || cr.Pending(continuation.DefaultEntryPoint) > 0 {
		return false, nil
	}
	if idle := time.Since(st.UpdatedAt); idle < minAge {
		return false, nil
	}
	if _, err := cr.Arm(ctx, continuation.DefaultEntryPoint, delay); err != nil {
		return false, err
	}
	logger.Info("serve adopted active checkpoint",
		zap.String("checkpoint", st.ID),
		zap.Time("updated_at", st.UpdatedAt),
		zap.Int("processed", st.ProcessedCount))
	return true, nil
}

func logSummary(logger *zap.Logger, entryPoint string, sum domain.RunSummary, err error) {
	if err != nil {
		logger.Warn("invocation failed", zap.String("entry_point", entryPoint), zap.Error(err))
		return
	}
	logger.Info("invocation summary",
		zap.String("entry_point", entryPoint),
		zap.Int("processed", sum.Processed),
		zap.Int("total", sum.Total),
		zap.Int("ok", sum.Succeeded),
		zap.Int("errors", sum.Failed),
		zap.Bool("suspended", sum.Suspended),
		zap.Bool("cancelled", sum.Cancelled),
		zap.Int64("tokens", sum.Usage.TotalTokens()))
}
