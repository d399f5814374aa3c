package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// WorkflowIDPrefix precedes generated run workflow IDs.
const WorkflowIDPrefix = "ledgerpipe-run-"

// Client starts and schedules pipeline runs on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartRun starts a PipelineRunWorkflow and returns its workflow ID. An empty
// workflowID gets a generated one.
func (c *Client) StartRun(ctx context.Context, workflowID string, input RunInput) (string, error) {
	if workflowID == "" {
		workflowID = WorkflowIDPrefix + uuid.NewString()
	}

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, PipelineRunWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start run", "workflow_id", workflowID, "error", err)
		return "", fmt.Errorf("failed to start workflow %q: %w", workflowID, err)
	}

	c.logger.Info("run started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"max_cycles", input.MaxCycles,
		"max_transactions", input.MaxTransactions,
		"max_duration", input.MaxDuration,
	)
	return run.GetID(), nil
}

// GetRunResult blocks until the run finishes, following continue-as-new.
func (c *Client) GetRunResult(ctx context.Context, workflowID string) (*RunResult, error) {
	var result RunResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to get result of workflow %q: %w", workflowID, err)
	}
	return &result, nil
}

// CreateRunSchedule starts a bounded run every interval.
func (c *Client) CreateRunSchedule(ctx context.Context, scheduleID string, interval time.Duration, input RunInput) error {
	c.logger.Debug("creating run schedule",
		"schedule_id", scheduleID,
		"interval", interval,
	)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: scheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        WorkflowIDPrefix + scheduleID,
			Workflow:  PipelineRunWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{input},
		},
		Memo: map[string]interface{}{
			"max_cycles":       input.MaxCycles,
			"max_transactions": input.MaxTransactions,
			"max_duration":     input.MaxDuration.String(),
			"created_by":       "ledgerpipe",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", scheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", scheduleID, err)
	}

	c.logger.Info("run schedule created",
		"schedule_id", scheduleID,
		"interval", interval,
	)
	return nil
}

// DeleteRunSchedule deletes a schedule created by CreateRunSchedule.
func (c *Client) DeleteRunSchedule(ctx context.Context, scheduleID string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, scheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", scheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", scheduleID, err)
	}

	c.logger.Info("run schedule deleted", "schedule_id", scheduleID)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
