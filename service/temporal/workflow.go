package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// DefaultContinueAsNewEvery bounds the history of a single workflow run.
	DefaultContinueAsNewEvery = 500

	// DefaultTransportBackoff is slept after a cycle whose dispatch failed.
	DefaultTransportBackoff = time.Second
)

// PipelineRunWorkflow runs pipeline cycles until a bound is reached, then
// persists the ledger. Progress is carried across continue-as-new in
// input.Progress, so bounds apply to the run as a whole.
//
// A cycle whose dispatch failed counts as a cycle with no progress; it is
// not an activity failure and is not retried by Temporal.
func PipelineRunWorkflow(ctx workflow.Context, input RunInput) (*RunResult, error) {
	logger := workflow.GetLogger(ctx)

	if input.MaxCycles <= 0 && input.MaxTransactions == 0 && input.MaxDuration <= 0 {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			"at least one of max_cycles, max_transactions or max_duration must be set", "InvalidInput", nil)
	}
	if input.ContinueAsNewEvery <= 0 {
		input.ContinueAsNewEvery = DefaultContinueAsNewEvery
	}
	if input.TransportBackoff <= 0 {
		input.TransportBackoff = DefaultTransportBackoff
	}

	progress := input.Progress
	if progress.StartedAt.IsZero() {
		progress.StartedAt = workflow.Now(ctx)
		logger.Info("PipelineRunWorkflow started",
			"max_cycles", input.MaxCycles,
			"max_transactions", input.MaxTransactions,
			"max_duration", input.MaxDuration,
		)
	}
	if progress.Rejected == nil {
		progress.Rejected = make(map[string]uint64)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	cyclesThisRun := 0
	var stop pipeline.StopReason
	for {
		stop = checkBounds(ctx, input, progress)
		if stop != "" {
			break
		}
		if cyclesThisRun >= input.ContinueAsNewEvery {
			logger.Info("continuing as new",
				"cycles", progress.Cycles,
				"applied", progress.Applied,
			)
			next := input
			next.Progress = progress
			return nil, workflow.NewContinueAsNewError(ctx, PipelineRunWorkflow, next)
		}

		var cycle *pipeline.CycleResult
		if err := workflow.ExecuteActivity(ctx, a.RunCycle).Get(ctx, &cycle); err != nil {
			logger.Error("cycle failed", "cycle", progress.Cycles, "error", err)
			return nil, fmt.Errorf("failed to run cycle %d: %w", progress.Cycles, err)
		}
		cyclesThisRun++
		progress.add(cycle)

		if cycle.Outcome == pipeline.OutcomeTransportError {
			logger.Warn("cycle made no progress, echo peer unavailable",
				"cycle", progress.Cycles,
				"error", cycle.Error,
			)
			if err := workflow.Sleep(ctx, input.TransportBackoff); err != nil {
				return nil, err
			}
		}
	}

	var persisted *PersistSnapshotResult
	err := workflow.ExecuteActivity(ctx, a.PersistSnapshot, PersistSnapshotInput{
		StartedAt:  progress.StartedAt,
		StopReason: string(stop),
	}).Get(ctx, &persisted)
	if err != nil {
		logger.Error("failed to persist snapshot", "error", err)
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	finishedAt := workflow.Now(ctx)
	result := &RunResult{
		Progress:      progress,
		StopReason:    stop,
		FinishedAt:    finishedAt,
		Processed:     persisted.Processed,
		Accounts:      persisted.Accounts,
		Sinks:         persisted.Sinks,
		Metrics:       metrics.NewSnapshot(progress.Applied, finishedAt.Sub(progress.StartedAt)),
		WorkerMetrics: persisted.Metrics,
	}

	logger.Info("PipelineRunWorkflow completed",
		"stop_reason", stop,
		"cycles", progress.Cycles,
		"applied", progress.Applied,
		"transport_errors", progress.TransportErrors,
		"throughput", result.Metrics.Throughput,
	)
	return result, nil
}

// checkBounds returns why the run should stop, or "" to keep going.
func checkBounds(ctx workflow.Context, input RunInput, p RunProgress) pipeline.StopReason {
	switch {
	case input.MaxCycles > 0 && p.Cycles >= input.MaxCycles:
		return pipeline.StopMaxCycles
	case input.MaxTransactions > 0 && p.Applied >= input.MaxTransactions:
		return pipeline.StopMaxTransactions
	case input.MaxDuration > 0 && workflow.Now(ctx).Sub(p.StartedAt) >= input.MaxDuration:
		return pipeline.StopMaxDuration
	}
	return ""
}
