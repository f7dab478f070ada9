package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingMaintainer struct {
	sweeps     atomic.Int64
	reconciles atomic.Int64
	sweepErr   error
}

func (maintainer *countingMaintainer) SweepExpiredReservations(ctx context.Context) (int64, error) {
	maintainer.sweeps.Add(1)
	if maintainer.sweepErr != nil {
		return 0, maintainer.sweepErr
	}
	return 2, nil
}

func (maintainer *countingMaintainer) ReconcileStatuses(ctx context.Context) (int64, error) {
	maintainer.reconciles.Add(1)
	return 0, nil
}

func waitFor(test *testing.T, condition func() bool) {
	test.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.Fatalf("condition not met before deadline")
}

func TestRunnerRunsEnabledJobsUntilCancelled(test *testing.T) {
	test.Parallel()
	maintainer := &countingMaintainer{}
	core, observed := observer.New(zapcore.InfoLevel)
	runner := NewRunner(maintainer, Config{SweepInterval: 10 * time.Millisecond, ReconcileInterval: 10 * time.Millisecond}, zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	waitFor(test, func() bool { return maintainer.sweeps.Load() >= 3 && maintainer.reconciles.Load() >= 3 })
	cancel()
	runner.Wait()

	settled := maintainer.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if maintainer.sweeps.Load() != settled {
		test.Fatalf("expected no sweeps after cancellation")
	}
	if observed.FilterMessage("maintenance job completed").Len() == 0 {
		test.Fatalf("expected completion entries for sweeps that affected rows")
	}
}

func TestRunnerSkipsDisabledJobs(test *testing.T) {
	test.Parallel()
	maintainer := &countingMaintainer{}
	runner := NewRunner(maintainer, Config{SweepInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	waitFor(test, func() bool { return maintainer.sweeps.Load() >= 1 })
	cancel()
	runner.Wait()
	if maintainer.reconciles.Load() != 0 {
		test.Fatalf("expected reconcile to stay disabled, got %d runs", maintainer.reconciles.Load())
	}
}

func TestRunnerLogsFailuresAndKeepsGoing(test *testing.T) {
	test.Parallel()
	maintainer := &countingMaintainer{sweepErr: errors.New("database is locked")}
	core, observed := observer.New(zapcore.WarnLevel)
	runner := NewRunner(maintainer, Config{SweepInterval: 5 * time.Millisecond}, zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	waitFor(test, func() bool { return maintainer.sweeps.Load() >= 2 })
	cancel()
	runner.Wait()
	if observed.FilterMessage("maintenance job failed").Len() == 0 {
		test.Fatalf("expected failure to be logged")
	}
}

func TestNilRunnerIsInert(test *testing.T) {
	test.Parallel()
	var runner *Runner
	runner.Start(context.Background())
	runner.Wait()
}
