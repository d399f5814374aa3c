package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ledgerpipe",
		Usage: "Transaction pipeline throughput tester and ledger inspection CLI",
		Description: `A command-line tool for running and inspecting ledgerpipe.

Use this CLI to run throughput tests, host an echo peer, inspect persisted runs,
stream applied transactions and manage durable runs on Temporal.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Local pipeline commands
			runCommand(),
			echoCommand(),
			keygenCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Persisted run inspection commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listRunsCommand(),
					runBalancesCommand(),
					runTransactionsCommand(),
					deleteRunCommand(),
				},
			},
			// Temporal run management commands
			{
				Name:  "temporal",
				Usage: "Durable pipeline run commands",
				Subcommands: []*cli.Command{
					startRunCommand(),
					runResultCommand(),
					listSchedulesCommand(),
					createScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			// NATS transaction streaming commands
			{
				Name:  "nats",
				Usage: "NATS applied-transaction streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Client commands (HTTP API)
			clientCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the worker listens on",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "ledgerpipe-runs",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "ledgerpipe server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for stderr output (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
