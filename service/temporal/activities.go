package temporal

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// RunInput bounds a PipelineRunWorkflow. At least one bound must be set.
type RunInput struct {
	MaxCycles       int           `json:"max_cycles"`
	MaxTransactions uint64        `json:"max_transactions"`
	MaxDuration     time.Duration `json:"max_duration"`

	// ContinueAsNewEvery is the number of cycles per workflow run before
	// continuing as new. Zero uses DefaultContinueAsNewEvery.
	ContinueAsNewEvery int `json:"continue_as_new_every,omitempty"`

	// TransportBackoff is slept after a cycle whose dispatch failed.
	TransportBackoff time.Duration `json:"transport_backoff,omitempty"`

	// Progress is carried across continue-as-new. Callers leave it empty.
	Progress RunProgress `json:"progress"`
}

// RunProgress accumulates cycle outcomes over the whole run.
type RunProgress struct {
	StartedAt       time.Time         `json:"started_at"`
	Cycles          int               `json:"cycles"`
	EmptyCycles     int               `json:"empty_cycles"`
	TransportErrors int               `json:"transport_errors"`
	Applied         uint64            `json:"applied"`
	Rejected        map[string]uint64 `json:"rejected,omitempty"`
}

func (p *RunProgress) add(c *pipeline.CycleResult) {
	if c == nil {
		return
	}
	p.Cycles++
	switch c.Outcome {
	case pipeline.OutcomeEmpty:
		p.EmptyCycles++
	case pipeline.OutcomeTransportError:
		p.TransportErrors++
	}
	p.Applied += uint64(c.Applied)
	for _, r := range c.Rejections {
		if p.Rejected == nil {
			p.Rejected = make(map[string]uint64)
		}
		p.Rejected[r.Stage+"."+r.Reason]++
	}
}

// RunResult is the outcome of a completed PipelineRunWorkflow.
type RunResult struct {
	Progress   RunProgress         `json:"progress"`
	StopReason pipeline.StopReason `json:"stop_reason"`
	FinishedAt time.Time           `json:"finished_at"`
	Processed  int                 `json:"processed"`
	Accounts   int                 `json:"accounts"`
	Sinks      int                 `json:"sinks"`

	// Metrics covers this run only: transactions applied by the run over
	// the time from its start to FinishedAt.
	Metrics metrics.Snapshot `json:"metrics"`

	// WorkerMetrics is the worker's recorder, which spans every run the
	// worker has executed since it started.
	WorkerMetrics metrics.Snapshot `json:"worker_metrics"`
}

// PersistSnapshotInput describes the run being persisted.
type PersistSnapshotInput struct {
	StartedAt  time.Time `json:"started_at"`
	StopReason string    `json:"stop_reason"`
}

// PersistSnapshotResult summarizes what was persisted.
type PersistSnapshotResult struct {
	Processed int              `json:"processed"`
	Accounts  int              `json:"accounts"`
	Metrics   metrics.Snapshot `json:"metrics"`
	Sinks     int              `json:"sinks"`
}

// Cycler runs a single pipeline cycle and persists the ledger.
// *pipeline.Controller satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) pipeline.CycleResult
	Persist(ctx context.Context, sinks ...pipeline.Sink) error
	Ledger() *ledger.Ledger
	Recorder() *metrics.Recorder
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	controller Cycler
	sinks      []pipeline.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(controller Cycler, sinks []pipeline.Sink, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		controller: controller,
		sinks:      sinks,
		metrics:    m,
		logger:     logger,
	}
}

// RunCycle runs one generate, verify, dispatch, re-verify and apply cycle.
// A failed dispatch is reported in the result, not as an error, since
// retrying it is the workflow's decision. A batch that could not be
// generated is an error.
func (a *Activities) RunCycle(ctx context.Context) (*pipeline.CycleResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("RunCycle", time.Since(start).Seconds())
	}()

	if err := a.check(); err != nil {
		return nil, err
	}

	res := a.controller.RunCycle(ctx)
	if res.Outcome == pipeline.OutcomeFailed {
		a.logger.ErrorContext(ctx, "cycle failed", "error", res.Error)
		return nil, temporalsdk.NewApplicationError(res.Error, "CycleFailed")
	}

	a.logger.DebugContext(ctx, "cycle finished",
		"outcome", res.Outcome,
		"applied", res.Applied,
		"rejected", len(res.Rejections),
	)
	return &res, nil
}

// PersistSnapshot hands the ledger and metrics to every configured sink.
func (a *Activities) PersistSnapshot(ctx context.Context, input PersistSnapshotInput) (*PersistSnapshotResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("PersistSnapshot", time.Since(start).Seconds())
	}()

	if err := a.check(); err != nil {
		return nil, err
	}

	if err := a.controller.Persist(ctx, a.sinks...); err != nil {
		a.metrics.RecordWorkflowDuration("persist_failed", time.Since(input.StartedAt).Seconds())
		return nil, err
	}

	l := a.controller.Ledger()
	res := &PersistSnapshotResult{
		Processed: l.Len(),
		Accounts:  l.Accounts(),
		Metrics:   a.controller.Recorder().Snapshot(),
		Sinks:     len(a.sinks),
	}
	if !input.StartedAt.IsZero() {
		a.metrics.RecordWorkflowDuration("completed", time.Since(input.StartedAt).Seconds())
	}

	a.logger.InfoContext(ctx, "run persisted",
		"stop_reason", input.StopReason,
		"processed", res.Processed,
		"accounts", res.Accounts,
		"sinks", res.Sinks,
	)
	return res, nil
}

func (a *Activities) check() error {
	if a.controller == nil {
		return temporalsdk.NewNonRetryableApplicationError("activities have no controller", "Misconfigured", nil)
	}
	return nil
}
