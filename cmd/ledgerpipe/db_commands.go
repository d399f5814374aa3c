package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/brojonat/ledgerpipe/service/db"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listRunsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-runs",
		Usage:   "List persisted runs, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of runs",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c, nil)
			if err != nil {
				return err
			}
			defer closer()

			runs, err := store.ListRuns(context.Background(), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, runs)
			}

			// Pretty table output
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROCESSED\tACCOUNTS\tELAPSED\tTPS\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.2fs\t%.2f\t%s\n",
					run.ID,
					run.ProcessedCount,
					run.AccountCount,
					run.ElapsedSeconds,
					run.Throughput,
					run.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d runs\n", len(runs))
			return nil
		},
	}
}

func runBalancesCommand() *cli.Command {
	return &cli.Command{
		Name:      "balances",
		Usage:     "Show the final balance table of a run",
		ArgsUsage: "<run-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: run id")
			}

			store, closer, err := getStore(c, nil)
			if err != nil {
				return err
			}
			defer closer()

			balances, err := store.GetRunBalances(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get balances: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, balances)
			}
			printBalances(c.App.Writer, balances)
			return nil
		},
	}
}

func runTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Usage:     "List the processed transactions of a run in application order",
		Aliases:   []string{"txs"},
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter each transaction must satisfy (can be repeated, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: run id")
			}

			filter, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c, nil)
			if err != nil {
				return err
			}
			defer closer()

			txs, err := store.ListRunTransactions(context.Background(), c.Args().First(), int32(c.Int("limit")), int32(c.Int("offset")))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			txs, err = filter.Transactions(txs)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txs)
			}
			printTransactions(c.App.Writer, txs)
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}

func deleteRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-run",
		Usage:     "Delete a persisted run",
		Aliases:   []string{"rm"},
		ArgsUsage: "<run-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: run id")
			}

			store, closer, err := getStore(c, nil)
			if err != nil {
				return err
			}
			defer closer()

			id := c.Args().First()
			if err := store.DeleteRun(context.Background(), id); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Deleted run %s\n", id)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the run tables if they do not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c, nil)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.EnsureSchema(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Fprintln(os.Stderr, "✓ Schema is up to date")
			return nil
		},
	}
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context, m *metrics.Metrics) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, m), pool.Close, nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printBalances prints a balance table sorted by address.
func printBalances(w io.Writer, balances map[string]uint64) {
	addresses := make([]string, 0, len(balances))
	for addr := range balances {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tBALANCE")
	for _, addr := range addresses {
		fmt.Fprintf(tw, "%s\t%d\n", addr, balances[addr])
	}
	tw.Flush()
}
