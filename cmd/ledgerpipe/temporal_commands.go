package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/ledgerpipe/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

// runBoundFlags are shared by start-run and create-schedule.
func runBoundFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "max-cycles", Usage: "Stop after this many cycles"},
		&cli.Uint64Flag{Name: "max-transactions", Aliases: []string{"n"}, Usage: "Stop once this many transactions were applied"},
		&cli.DurationFlag{Name: "max-duration", Aliases: []string{"d"}, Usage: "Stop after this long"},
		&cli.IntFlag{Name: "continue-as-new-every", Usage: "Cycles per workflow run before continuing as new (0 = default)"},
		&cli.DurationFlag{Name: "transport-backoff", Usage: "Pause after a cycle whose dispatch failed (0 = default)"},
	}
}

// runInputFromFlags builds a RunInput and rejects one without any bound.
func runInputFromFlags(c *cli.Context) (temporal.RunInput, error) {
	input := temporal.RunInput{
		MaxCycles:          c.Int("max-cycles"),
		MaxTransactions:    c.Uint64("max-transactions"),
		MaxDuration:        c.Duration("max-duration"),
		ContinueAsNewEvery: c.Int("continue-as-new-every"),
		TransportBackoff:   c.Duration("transport-backoff"),
	}
	if input.MaxCycles < 0 || input.MaxDuration < 0 {
		return input, fmt.Errorf("run bounds cannot be negative")
	}
	if input.MaxCycles == 0 && input.MaxTransactions == 0 && input.MaxDuration == 0 {
		return input, fmt.Errorf("at least one of --max-cycles, --max-transactions or --max-duration is required")
	}
	return input, nil
}

func startRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "start-run",
		Usage: "Start a durable pipeline run on the worker",
		Description: `Start PipelineRunWorkflow. Cycles run on the worker's ledger until a bound
is reached, then the worker persists its snapshot.

Example:
  ledgerpipe temporal start-run --max-duration 5m --wait`,
		Flags: append(runBoundFlags(),
			&cli.StringFlag{Name: "workflow-id", Usage: "Workflow ID (default: generated)"},
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Block until the run finishes and print its result"},
		),
		Action: func(c *cli.Context) error {
			input, err := runInputFromFlags(c)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			workflowID, err := tc.StartRun(c.Context, c.String("workflow-id"), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Run started: %s\n", workflowID)

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, map[string]string{"workflow_id": workflowID})
				}
				fmt.Fprintln(c.App.Writer, workflowID)
				return nil
			}

			result, err := tc.GetRunResult(c.Context, workflowID)
			if err != nil {
				return err
			}
			return printRunResult(c, result)
		},
	}
}

func runResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a run to finish and print its result",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Give up waiting after this long (0 = wait forever)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow ID")
			}

			ctx := c.Context
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			result, err := tc.GetRunResult(ctx, c.Args().First())
			if err != nil {
				return err
			}
			return printRunResult(c, result)
		},
	}
}

func printRunResult(c *cli.Context, r *temporal.RunResult) error {
	if c.Bool("json") {
		return outputJSON(c.App.Writer, r)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Processed %d transactions in %.2f seconds.\n", r.Metrics.Count, r.Metrics.ElapsedSeconds)
	fmt.Fprintf(w, "Transactions per second: %.2f\n", r.Metrics.Throughput)
	fmt.Fprintf(w, "Worker Lifetime:  %d transactions, %.2f per second\n", r.WorkerMetrics.Count, r.WorkerMetrics.Throughput)
	fmt.Fprintf(w, "Stop Reason:      %s\n", r.StopReason)
	fmt.Fprintf(w, "Cycles:           %d (empty: %d, transport errors: %d)\n", r.Progress.Cycles, r.Progress.EmptyCycles, r.Progress.TransportErrors)
	fmt.Fprintf(w, "Applied This Run: %d\n", r.Progress.Applied)
	for key, n := range r.Progress.Rejected {
		fmt.Fprintf(w, "Rejected %s: %d\n", key, n)
	}
	fmt.Fprintf(w, "Ledger:           %d processed, %d accounts\n", r.Processed, r.Accounts)
	fmt.Fprintf(w, "Sinks:            %d\n", r.Sinks)
	fmt.Fprintf(w, "Finished:         %s\n", r.FinishedAt.Format(time.RFC3339))
	return nil
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Start a bounded run on a fixed interval",
		ArgsUsage: "<schedule-id> <interval>",
		Flags:     runBoundFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: schedule-id interval")
			}

			scheduleID := c.Args().Get(0)
			interval, err := time.ParseDuration(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}

			input, err := runInputFromFlags(c)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.CreateRunSchedule(c.Context, scheduleID, interval, input); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule created: %s\n", scheduleID)
			fmt.Fprintf(c.App.Writer, "  Interval: %v\n", interval)
			fmt.Fprintf(c.App.Writer, "  Task Queue: %s\n", tc.TaskQueue())
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a run schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}

			scheduleID := c.Args().First()

			// Confirm deletion unless --force
			if !c.Bool("force") {
				fmt.Fprintf(c.App.Writer, "Are you sure you want to delete schedule %s? (yes/no): ", scheduleID)
				var response string
				fmt.Fscanln(c.App.Reader, &response)
				if response != "yes" {
					fmt.Fprintln(c.App.Writer, "Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteRunSchedule(c.Context, scheduleID); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule deleted: %s\n", scheduleID)
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List all Temporal schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			iter, err := tc.SDKClient().ScheduleClient().List(c.Context, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tPAUSED")
			count := 0
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				fmt.Fprintf(w, "%s\t%v\n", schedule.ID, schedule.Paused)
				count++
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", count)
			return nil
		},
	}
}

// getTemporalClient connects using the global temporal flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := setupLogger(c.String("log-level"))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
