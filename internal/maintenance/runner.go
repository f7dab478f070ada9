package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	jobSweep     = "sweep_expired_reservations"
	jobReconcile = "reconcile_statuses"
)

// Maintainer is the slice of giftcard.Service the runner drives.
type Maintainer interface {
	SweepExpiredReservations(ctx context.Context) (int64, error)
	ReconcileStatuses(ctx context.Context) (int64, error)
}

// Config sets job intervals. A zero interval disables the job.
type Config struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
}

// Runner executes periodic sweeps and reconciliations in the background.
type Runner struct {
	maintainer Maintainer
	cfg        Config
	logger     *zap.Logger
	waitGroup  sync.WaitGroup
}

// NewRunner wires a Runner. A nil logger discards output.
func NewRunner(maintainer Maintainer, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{maintainer: maintainer, cfg: cfg, logger: logger.Named("maintenance")}
}

// Start launches one loop per enabled job. Loops exit when ctx is cancelled.
func (runner *Runner) Start(ctx context.Context) {
	if runner == nil || runner.maintainer == nil {
		return
	}
	if runner.cfg.SweepInterval > 0 {
		runner.launch(ctx, jobSweep, runner.cfg.SweepInterval, runner.maintainer.SweepExpiredReservations)
	}
	if runner.cfg.ReconcileInterval > 0 {
		runner.launch(ctx, jobReconcile, runner.cfg.ReconcileInterval, runner.maintainer.ReconcileStatuses)
	}
}

// Wait blocks until every started loop has returned.
func (runner *Runner) Wait() {
	if runner == nil {
		return
	}
	runner.waitGroup.Wait()
}

func (runner *Runner) launch(ctx context.Context, name string, interval time.Duration, job func(context.Context) (int64, error)) {
	runner.waitGroup.Add(1)
	go func() {
		defer runner.waitGroup.Done()
		runner.loop(ctx, name, interval, job)
	}()
	runner.logger.Info("maintenance job started", zap.String("job", name), zap.Duration("interval", interval))
}

func (runner *Runner) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		runner.runOnce(ctx, name, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (runner *Runner) runOnce(ctx context.Context, name string, job func(context.Context) (int64, error)) {
	affected, err := job(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		runner.logger.Warn("maintenance job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if affected > 0 {
		runner.logger.Info("maintenance job completed", zap.String("job", name), zap.Int64("affected", affected))
	}
}
