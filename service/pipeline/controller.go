package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/ledgerpipe/service/dispatch"
	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/nats"
	"github.com/brojonat/ledgerpipe/service/verify"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize = 100

	publishTimeout = 5 * time.Second
)

// Config bounds and shapes a pipeline run. Zero bounds are unbounded.
type Config struct {
	BatchSize       int
	Funder          string
	MaxDuration     time.Duration
	MaxTransactions uint64
	MaxCycles       int
	Concurrency     int
	Retry           RetryPolicy
}

// BatchSource produces the batches RunCycle processes.
type BatchSource interface {
	GenerateBatch(maxSize int, funder string) ([]ledger.Transaction, error)
}

// Dependencies are the collaborators a controller drives. Ledger, Verifier
// and Dispatcher are required. Source is only needed by RunCycle and Run.
type Dependencies struct {
	Ledger     *ledger.Ledger
	Source     BatchSource
	Verifier   verify.Verifier
	Dispatcher dispatch.Dispatcher
	Recorder   *metrics.Recorder
	Metrics    *metrics.Metrics
	Publisher  nats.Publisher
	Logger     *slog.Logger
}

// Rejection records a transaction dropped during a cycle.
type Rejection struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// CycleResult is the tally of a single cycle.
type CycleResult struct {
	Outcome          Outcome     `json:"outcome"`
	Generated        int         `json:"generated"`
	LocallyRejected  int         `json:"locally_rejected"`
	Dispatched       int         `json:"dispatched"`
	Echoed           int         `json:"echoed"`
	RemotelyRejected int         `json:"remotely_rejected"`
	Applied          int         `json:"applied"`
	Rejections       []Rejection `json:"rejections,omitempty"`
	Attempts         int         `json:"attempts,omitempty"`
	TransportKind    string      `json:"transport_kind,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// Report summarizes a Run.
type Report struct {
	Metrics         metrics.Snapshot  `json:"metrics"`
	Cycles          int               `json:"cycles"`
	EmptyCycles     int               `json:"empty_cycles"`
	TransportErrors int               `json:"transport_errors"`
	FailedCycles    int               `json:"failed_cycles"`
	Applied         uint64            `json:"applied"`
	Rejected        map[string]uint64 `json:"rejected"`
	StopReason      StopReason        `json:"stop_reason"`
	Duration        time.Duration     `json:"duration"`
}

// Sink receives the final ledger state and metrics.
type Sink interface {
	SaveSnapshot(ctx context.Context, snap *ledger.Snapshot, m metrics.Snapshot) error
}

// Controller drives batches through generate, verify, dispatch, re-verify,
// apply and record.
type Controller struct {
	cfg        Config
	ledger     *ledger.Ledger
	source     BatchSource
	verifier   verify.Verifier
	dispatcher dispatch.Dispatcher
	recorder   *metrics.Recorder
	metrics    *metrics.Metrics
	publisher  nats.Publisher
	logger     *slog.Logger

	state atomic.Int32
}

// New validates cfg, fills defaults and returns a controller.
func New(cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	cfg.Retry = cfg.Retry.withDefaults()

	if deps.Recorder == nil {
		deps.Recorder = metrics.NewRecorder()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Controller{
		cfg:        cfg,
		ledger:     deps.Ledger,
		source:     deps.Source,
		verifier:   verify.Safe(deps.Verifier, deps.Logger),
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		publisher:  deps.Publisher,
		logger:     deps.Logger.With("component", "pipeline"),
	}, nil
}

func (c *Controller) Config() Config              { return c.cfg }
func (c *Controller) Ledger() *ledger.Ledger      { return c.ledger }
func (c *Controller) Recorder() *metrics.Recorder { return c.recorder }

// State returns the phase most recently entered by any worker.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// RunCycle generates one batch and processes it.
func (c *Controller) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	if c.source == nil {
		return c.finish(ctx, CycleResult{Outcome: OutcomeFailed, Error: "no batch source configured"}, start)
	}

	c.setState(StateGenerating)
	batch, err := c.source.GenerateBatch(c.cfg.BatchSize, c.cfg.Funder)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to generate batch", "error", err)
		return c.finish(ctx, CycleResult{Outcome: OutcomeFailed, Error: err.Error()}, start)
	}
	c.metrics.RecordGenerated(len(batch))

	return c.finish(ctx, c.process(ctx, batch), start)
}

// ProcessBatch runs an externally supplied batch through the cycle, starting
// at local verification.
func (c *Controller) ProcessBatch(ctx context.Context, batch []ledger.Transaction) CycleResult {
	start := time.Now()
	return c.finish(ctx, c.process(ctx, batch), start)
}

func (c *Controller) finish(ctx context.Context, res CycleResult, start time.Time) CycleResult {
	c.setState(StateIdle)
	c.metrics.RecordCycle(string(res.Outcome), time.Since(start).Seconds())
	c.logger.DebugContext(ctx, "cycle complete",
		"outcome", res.Outcome,
		"generated", res.Generated,
		"dispatched", res.Dispatched,
		"echoed", res.Echoed,
		"applied", res.Applied,
		"duration", time.Since(start),
	)
	return res
}

func (c *Controller) process(ctx context.Context, batch []ledger.Transaction) CycleResult {
	res := CycleResult{Generated: len(batch)}

	c.setState(StateLocalVerifying)
	survivors := make([]ledger.Transaction, 0, len(batch))
	for _, tx := range batch {
		if !c.verifier.Verify(tx.Data, tx.Signature, tx.PublicKey) {
			res.LocallyRejected++
			c.reject(ctx, &res, tx, StageLocal, ReasonVerificationFailed)
			continue
		}
		survivors = append(survivors, tx)
	}
	if len(survivors) == 0 {
		res.Outcome = OutcomeEmpty
		c.setState(StateRecording)
		c.recorder.Record(0)
		return res
	}

	c.setState(StateDispatching)
	res.Dispatched = len(survivors)
	echoed, attempts, err := c.dispatch(ctx, survivors)
	res.Attempts = attempts
	if err != nil {
		res.Outcome = OutcomeTransportError
		res.TransportKind = string(dispatch.KindOf(err))
		res.Error = err.Error()
		c.logger.WarnContext(ctx, "batch abandoned after transport failure",
			"batch_size", len(survivors),
			"attempts", attempts,
			"error", err,
		)
		return res
	}
	res.Echoed = len(echoed)

	c.setState(StateRemoteVerifying)
	verified := make([]ledger.Transaction, 0, len(echoed))
	for _, tx := range echoed {
		if !c.verifier.Verify(tx.Data, tx.Signature, tx.PublicKey) {
			res.RemotelyRejected++
			c.reject(ctx, &res, tx, StageRemote, ReasonVerificationFailed)
			continue
		}
		verified = append(verified, tx)
	}

	c.setState(StateApplying)
	appliedAt := time.Now()
	events := make([]*nats.TransactionEvent, 0, len(verified))
	for _, tx := range verified {
		receipt, err := c.ledger.ApplyWithReceipt(tx)
		if err != nil {
			c.reject(ctx, &res, tx, StageApply, ledger.ReasonOf(err))
			continue
		}
		res.Applied++
		if c.publisher != nil {
			events = append(events, nats.FromTransaction(tx, receipt.FromBalance, receipt.ToBalance, appliedAt))
		}
	}
	res.Outcome = OutcomeApplied

	c.setState(StateRecording)
	c.recorder.Record(res.Applied)
	c.metrics.RecordApplied(res.Applied)
	c.metrics.RecordThroughput(c.recorder.Snapshot().Throughput)
	c.publish(ctx, events)

	return res
}

// dispatch sends the batch under the retry policy. Each send ignores ctx
// cancellation so an in-flight batch is always completed; cancellation only
// prevents further retries.
func (c *Controller) dispatch(ctx context.Context, batch []ledger.Transaction) ([]ledger.Transaction, int, error) {
	sendCtx := context.WithoutCancel(ctx)
	policy := c.cfg.Retry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.RecordDispatchRetry(string(dispatch.KindOf(lastErr)))
			if !sleep(ctx, policy.Backoff(attempt-1)) {
				return nil, attempt - 1, lastErr
			}
		}
		echoed, err := c.dispatcher.Send(sendCtx, batch)
		if err == nil {
			return echoed, attempt, nil
		}
		lastErr = err
	}
	return nil, policy.MaxAttempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) reject(ctx context.Context, res *CycleResult, tx ledger.Transaction, stage, reason string) {
	identity := tx.Identity()
	res.Rejections = append(res.Rejections, Rejection{
		ID:       tx.ID,
		Identity: identity,
		Stage:    stage,
		Reason:   reason,
	})
	c.metrics.RecordRejected(stage, reason)
	c.logger.WarnContext(ctx, "transaction rejected",
		"stage", stage,
		"reason", reason,
		"identity", identity,
		"tx_id", tx.ID,
	)
}

// publish emits events for applied transactions. Failures are logged only;
// the transactions stay applied.
func (c *Controller) publish(ctx context.Context, events []*nats.TransactionEvent) {
	if c.publisher == nil || len(events) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if failed, err := c.publisher.PublishTransactionBatch(pubCtx, events); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish applied transactions",
			"failed", failed,
			"total", len(events),
			"error", err,
		)
	}
}

// Run starts Concurrency workers that each run cycles until a bound is
// reached or ctx is cancelled. Bounds are checked between cycles, so with
// several workers the transaction bound can be overshot by the batches
// already in flight. A cancelled ctx is a normal stop.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	if c.source == nil {
		return nil, errors.New("run requires a batch source")
	}

	start := time.Now()
	baseline := c.recorder.Count()
	c.logger.InfoContext(ctx, "pipeline run starting",
		"batch_size", c.cfg.BatchSize,
		"concurrency", c.cfg.Concurrency,
		"max_cycles", c.cfg.MaxCycles,
		"max_transactions", c.cfg.MaxTransactions,
		"max_duration", c.cfg.MaxDuration,
	)

	var (
		mu      sync.Mutex
		started int
		stop    StopReason
		report  = &Report{Rejected: make(map[string]uint64)}
	)

	// claim reserves the next cycle, or records why the run is over.
	claim := func() bool {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case stop != "":
		case ctx.Err() != nil:
			stop = StopCancelled
		case c.cfg.MaxCycles > 0 && started >= c.cfg.MaxCycles:
			stop = StopMaxCycles
		case c.cfg.MaxTransactions > 0 && c.recorder.Count()-baseline >= c.cfg.MaxTransactions:
			stop = StopMaxTransactions
		case c.cfg.MaxDuration > 0 && time.Since(start) >= c.cfg.MaxDuration:
			stop = StopMaxDuration
		default:
			started++
			return true
		}
		return false
	}

	tally := func(res CycleResult) {
		mu.Lock()
		defer mu.Unlock()
		report.Cycles++
		switch res.Outcome {
		case OutcomeEmpty:
			report.EmptyCycles++
		case OutcomeTransportError:
			report.TransportErrors++
		case OutcomeFailed:
			report.FailedCycles++
		}
		report.Applied += uint64(res.Applied)
		for _, r := range res.Rejections {
			report.Rejected[r.Stage+"."+r.Reason]++
		}
	}

	var g errgroup.Group
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			for claim() {
				tally(c.RunCycle(ctx))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.StopReason = stop
	report.Duration = time.Since(start)
	report.Metrics = c.recorder.Snapshot()

	c.logger.InfoContext(ctx, "pipeline run finished",
		"stop_reason", report.StopReason,
		"cycles", report.Cycles,
		"applied", report.Applied,
		"transport_errors", report.TransportErrors,
		"throughput", report.Metrics.Throughput,
	)
	return report, nil
}

// Persist hands a consistent ledger snapshot and the current metrics to
// every sink. All sinks are attempted even if one fails.
func (c *Controller) Persist(ctx context.Context, sinks ...Sink) error {
	snap := c.ledger.Snapshot()
	m := c.recorder.Snapshot()

	var errs []error
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		if err := sink.SaveSnapshot(ctx, snap, m); err != nil {
			c.logger.ErrorContext(ctx, "failed to persist snapshot", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to persist snapshot: %w", errors.Join(errs...))
	}
	c.logger.InfoContext(ctx, "snapshot persisted",
		"sinks", len(sinks),
		"processed", len(snap.Processed),
		"accounts", len(snap.Balances),
	)
	return nil
}
