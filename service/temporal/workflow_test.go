package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.RunCycle)
	env.RegisterActivity(activities.PersistSnapshot)
	return env, activities
}

func applied(n int) *pipeline.CycleResult {
	return &pipeline.CycleResult{Outcome: pipeline.OutcomeApplied, Generated: n, Dispatched: n, Echoed: n, Applied: n}
}

func TestPipelineRunWorkflow(t *testing.T) {
	persisted := &PersistSnapshotResult{
		Processed: 30,
		Accounts:  12,
		Metrics:   metrics.Snapshot{Count: 30, ElapsedSeconds: 3, Throughput: 10},
		Sinks:     1,
	}

	tests := []struct {
		name           string
		input          RunInput
		cycle          *pipeline.CycleResult
		expectedCalls  int
		validateResult func(*testing.T, *RunResult)
	}{
		{
			name:          "stops at max cycles",
			input:         RunInput{MaxCycles: 3},
			cycle:         applied(10),
			expectedCalls: 3,
			validateResult: func(t *testing.T, r *RunResult) {
				assert.Equal(t, pipeline.StopMaxCycles, r.StopReason)
				assert.Equal(t, 3, r.Progress.Cycles)
				assert.Equal(t, uint64(30), r.Progress.Applied)
			},
		},
		{
			name:          "stops once max transactions is reached",
			input:         RunInput{MaxTransactions: 25},
			cycle:         applied(10),
			expectedCalls: 3,
			validateResult: func(t *testing.T, r *RunResult) {
				assert.Equal(t, pipeline.StopMaxTransactions, r.StopReason)
				assert.Equal(t, uint64(30), r.Progress.Applied)
			},
		},
		{
			name:  "tallies rejections by stage and reason",
			input: RunInput{MaxCycles: 2},
			cycle: &pipeline.CycleResult{
				Outcome: pipeline.OutcomeApplied,
				Applied: 1,
				Rejections: []pipeline.Rejection{
					{ID: "x", Stage: pipeline.StageApply, Reason: ledger.ReasonInsufficientBalance},
					{ID: "y", Stage: pipeline.StageLocal, Reason: pipeline.ReasonVerificationFailed},
				},
			},
			expectedCalls: 2,
			validateResult: func(t *testing.T, r *RunResult) {
				assert.Equal(t, map[string]uint64{
					"apply.insufficient_balance": 2,
					"local.verification_failed":  2,
				}, r.Progress.Rejected)
			},
		},
		{
			name:          "empty cycles count toward max cycles",
			input:         RunInput{MaxCycles: 4},
			cycle:         &pipeline.CycleResult{Outcome: pipeline.OutcomeEmpty, Generated: 0},
			expectedCalls: 4,
			validateResult: func(t *testing.T, r *RunResult) {
				assert.Equal(t, 4, r.Progress.EmptyCycles)
				assert.Equal(t, uint64(0), r.Progress.Applied)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv()

			callCount := 0
			env.OnActivity(activities.RunCycle, mock.Anything).Run(func(args mock.Arguments) {
				callCount++
			}).Return(tt.cycle, nil)
			env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(persisted, nil)

			env.ExecuteWorkflow(PipelineRunWorkflow, tt.input)

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var result RunResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, tt.expectedCalls, callCount)
			assert.Equal(t, persisted.Processed, result.Processed)
			assert.Equal(t, persisted.Metrics, result.WorkerMetrics)
			assert.Equal(t, result.Progress.Applied, result.Metrics.Count)
			tt.validateResult(t, &result)
		})
	}
}

func TestPipelineRunWorkflow_TransportErrorsAreZeroProgress(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.RunCycle, mock.Anything).Return(&pipeline.CycleResult{
		Outcome:       pipeline.OutcomeTransportError,
		Generated:     100,
		Dispatched:    100,
		TransportKind: "connection",
		Error:         "connection refused",
	}, nil)
	env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(&PersistSnapshotResult{}, nil)

	env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{
		MaxDuration:      5 * time.Second,
		TransportBackoff: time.Second,
	})

	require.NoError(t, env.GetWorkflowError())
	var result RunResult
	require.NoError(t, env.GetWorkflowResult(&result))

	assert.Equal(t, pipeline.StopMaxDuration, result.StopReason)
	assert.Equal(t, uint64(0), result.Progress.Applied)
	assert.Equal(t, result.Progress.Cycles, result.Progress.TransportErrors)
	assert.GreaterOrEqual(t, result.Progress.Cycles, 5)
	assert.LessOrEqual(t, result.Progress.Cycles, 6)
}

func TestPipelineRunWorkflow_ContinueAsNew(t *testing.T) {
	env, activities := newWorkflowEnv()

	callCount := 0
	env.OnActivity(activities.RunCycle, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
	}).Return(applied(10), nil)

	env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{MaxCycles: 5, ContinueAsNewEvery: 2})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.True(t, workflow.IsContinueAsNewError(err))
	assert.Equal(t, 2, callCount)
}

func TestPipelineRunWorkflow_ResumesCarriedProgress(t *testing.T) {
	env, activities := newWorkflowEnv()

	callCount := 0
	env.OnActivity(activities.RunCycle, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
	}).Return(applied(10), nil)
	env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(&PersistSnapshotResult{Processed: 50}, nil)

	env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{
		MaxCycles: 5,
		Progress: RunProgress{
			StartedAt: env.Now(),
			Cycles:    4,
			Applied:   40,
			Rejected:  map[string]uint64{"apply.already_applied": 3},
		},
	})

	require.NoError(t, env.GetWorkflowError())
	var result RunResult
	require.NoError(t, env.GetWorkflowResult(&result))

	assert.Equal(t, 1, callCount)
	assert.Equal(t, 5, result.Progress.Cycles)
	assert.Equal(t, uint64(50), result.Progress.Applied)
	assert.Equal(t, uint64(3), result.Progress.Rejected["apply.already_applied"])
}

// Run throughput comes from the run's own progress and clock, not from the
// worker's recorder, which also counts earlier runs and idle time.
func TestPipelineRunWorkflow_RunScopedMetrics(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.RunCycle, mock.Anything).Return(applied(10), nil)
	env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(&PersistSnapshotResult{
		Processed: 5000,
		Metrics:   metrics.Snapshot{Count: 5000, ElapsedSeconds: 3600, Throughput: 5000.0 / 3600},
	}, nil)

	env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{
		MaxCycles: 5,
		Progress: RunProgress{
			StartedAt: env.Now().Add(-10 * time.Second),
			Cycles:    4,
			Applied:   40,
		},
	})

	require.NoError(t, env.GetWorkflowError())
	var result RunResult
	require.NoError(t, env.GetWorkflowResult(&result))

	assert.Equal(t, uint64(50), result.Metrics.Count)
	assert.InDelta(t, 10.0, result.Metrics.ElapsedSeconds, 1.0)
	assert.InDelta(t, 5.0, result.Metrics.Throughput, 0.6)
	assert.Equal(t, uint64(5000), result.WorkerMetrics.Count)
	assert.InDelta(t, 5000.0/3600, result.WorkerMetrics.Throughput, 1e-9)
}

func TestPipelineRunWorkflow_RequiresABound(t *testing.T) {
	env, _ := newWorkflowEnv()

	env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{})

	require.True(t, env.IsWorkflowCompleted())
	assert.ErrorContains(t, env.GetWorkflowError(), "must be set")
}

func TestPipelineRunWorkflow_ActivityFailures(t *testing.T) {
	t.Run("cycle fails after retries", func(t *testing.T) {
		env, activities := newWorkflowEnv()

		callCount := 0
		env.OnActivity(activities.RunCycle, mock.Anything).Run(func(args mock.Arguments) {
			callCount++
		}).Return(nil, errors.New("generator exhausted"))

		env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{MaxCycles: 3})

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
		assert.Equal(t, 3, callCount)
	})

	t.Run("cycle recovers on retry", func(t *testing.T) {
		env, activities := newWorkflowEnv()

		callCount := 0
		env.OnActivity(activities.RunCycle, mock.Anything).Run(func(args mock.Arguments) {
			callCount++
			if callCount == 1 {
				panic("transient error") // Temporal retries on panics
			}
		}).Return(applied(10), nil)
		env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(&PersistSnapshotResult{}, nil)

		env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{MaxCycles: 1})

		require.NoError(t, env.GetWorkflowError())
		assert.Equal(t, 2, callCount)
	})

	t.Run("persist fails", func(t *testing.T) {
		env, activities := newWorkflowEnv()

		env.OnActivity(activities.RunCycle, mock.Anything).Return(applied(1), nil)
		env.OnActivity(activities.PersistSnapshot, mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))

		env.ExecuteWorkflow(PipelineRunWorkflow, RunInput{MaxCycles: 1})

		require.True(t, env.IsWorkflowCompleted())
		assert.ErrorContains(t, env.GetWorkflowError(), "failed to persist snapshot")
	})
}
