package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/ledgerpipe/client"
	"github.com/brojonat/ledgerpipe/service/ledger"
	natspkg "github.com/brojonat/ledgerpipe/service/nats"
	"github.com/urfave/cli/v2"
)

const separator = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for a running ledgerpipe server",
		Subcommands: []*cli.Command{
			clientInfoCommand(),
			clientBalanceCommand(),
			clientTransactionsCommand(),
			clientSubmitCommand(),
			clientSnapshotCommand(),
			clientStreamCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, setupLogger(c.String("log-level")))
}

func clientInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the ledger summary",
		Action: func(c *cli.Context) error {
			info, err := newAPIClient(c).Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}
			fmt.Fprintf(c.App.Writer, "Genesis:      %s\n", info.Genesis)
			fmt.Fprintf(c.App.Writer, "Total Supply: %d\n", info.TotalSupply)
			fmt.Fprintf(c.App.Writer, "Accounts:     %d\n", info.Accounts)
			fmt.Fprintf(c.App.Writer, "Processed:    %d\n", info.Processed)
			return nil
		},
	}
}

func clientBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show the balance of an address, or every balance without one",
		ArgsUsage: "[address]",
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c)

			if c.NArg() == 0 {
				balances, err := cl.Balances(c.Context)
				if err != nil {
					return fmt.Errorf("failed to get balances: %w", err)
				}
				if c.Bool("json") {
					return outputJSON(c.App.Writer, balances)
				}
				printBalances(c.App.Writer, balances)
				return nil
			}

			address := c.Args().First()
			balance, err := cl.Balance(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]interface{}{"address": address, "balance": balance})
			}
			fmt.Fprintf(c.App.Writer, "%s: %d\n", address, balance)
			return nil
		},
	}
}

func clientTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Usage:   "List processed transactions in application order",
		Aliases: []string{"txs"},
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
			filter, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			page, err := newAPIClient(c).Transactions(c.Context, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			txs, err := filter.Transactions(page.Transactions)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txs)
			}
			printTransactions(c.App.Writer, txs)
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions\n", len(txs), page.Total)
			return nil
		},
	}
}

func clientSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit transactions through the server's pipeline",
		ArgsUsage: "[file.json]",
		Description: `Read a JSON array of transactions (or a single transaction) from a file,
or from stdin when no file is given, and submit it.

Example:
  echo '[{"id":"t1","from":"GENESIS","to":"ALICE","amount":5,"data":"x"}]' | ledgerpipe client submit`,
		Action: func(c *cli.Context) error {
			var in io.Reader = c.App.Reader
			if c.NArg() > 0 {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", c.Args().First(), err)
				}
				defer f.Close()
				in = f
			}

			batch, err := readTransactions(in)
			if err != nil {
				return err
			}

			res, err := newAPIClient(c).Submit(c.Context, batch)
			if err != nil {
				return fmt.Errorf("failed to submit transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, res)
			}
			fmt.Fprintf(c.App.Writer, "Applied:  %d\n", res.Applied)
			fmt.Fprintf(c.App.Writer, "Rejected: %d\n", len(res.Rejections))
			for _, r := range res.Rejections {
				fmt.Fprintf(c.App.Writer, "  %s [%s] %s\n", r.ID, r.Stage, r.Reason)
			}
			return nil
		},
	}
}

// readTransactions accepts a JSON array or a single JSON object.
func readTransactions(r io.Reader) ([]ledger.Transaction, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var tx ledger.Transaction
		if err := json.Unmarshal([]byte(trimmed), &tx); err != nil {
			return nil, fmt.Errorf("invalid transaction: %w", err)
		}
		return []ledger.Transaction{tx}, nil
	}
	var batch []ledger.Transaction
	if err := json.Unmarshal([]byte(trimmed), &batch); err != nil {
		return nil, fmt.Errorf("invalid transaction batch: %w", err)
	}
	return batch, nil
}

func clientSnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Show the server's throughput metrics",
		Action: func(c *cli.Context) error {
			snap, err := newAPIClient(c).Snapshot(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get snapshot: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, snap)
			}
			fmt.Fprintf(c.App.Writer, "Processed %d transactions in %.2f seconds.\n", snap.Count, snap.ElapsedSeconds)
			fmt.Fprintf(c.App.Writer, "Transactions per second: %.2f\n", snap.Throughput)
			return nil
		},
	}
}

func clientStreamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream applied transactions via SSE",
		ArgsUsage: "[recipient_address]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter each event must satisfy (can be repeated, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Exit after this many matching events (0 = until interrupted)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Give up after this long (0 = no timeout)",
			},
		},
		Action: func(c *cli.Context) error {
			filter, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			address := c.Args().First()
			if !c.Bool("json") {
				if address != "" {
					fmt.Fprintf(os.Stderr, "Streaming transactions to %s... (Ctrl-C to exit)\n\n", address)
				} else {
					fmt.Fprintf(os.Stderr, "Streaming all transactions... (Ctrl-C to exit)\n\n")
				}
			}

			limit := c.Int("count")
			received := 0
			err = newAPIClient(c).Stream(ctx, address, func(event *natspkg.TransactionEvent) bool {
				if ok, _ := filter.Match(event); !ok {
					return true
				}
				received++
				if c.Bool("json") {
					data, _ := json.Marshal(event)
					fmt.Fprintln(c.App.Writer, string(data))
				} else {
					printEvent(c.App.Writer, event)
				}
				return limit == 0 || received < limit
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if limit > 0 && received < limit {
				return fmt.Errorf("stream ended after %d of %d transactions", received, limit)
			}
			return nil
		},
	}
}

func printTransactions(w io.Writer, txs []ledger.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(w, "No transactions found")
		return
	}
	for _, tx := range txs {
		fmt.Fprintln(w, separator)
		fmt.Fprintf(w, "ID:         %s\n", tx.ID)
		fmt.Fprintf(w, "Identity:   %s\n", tx.Identity())
		fmt.Fprintf(w, "From:       %s\n", tx.From)
		fmt.Fprintf(w, "To:         %s\n", tx.To)
		fmt.Fprintf(w, "Amount:     %d\n", tx.Amount)
		fmt.Fprintf(w, "Data:       %s\n", tx.Data)
		if tx.Signature != "" {
			fmt.Fprintf(w, "Signature:  %s\n", tx.Signature)
			fmt.Fprintf(w, "Public Key: %s\n", tx.PublicKey)
		}
	}
	fmt.Fprintln(w, separator)
}

func printEvent(w io.Writer, event *natspkg.TransactionEvent) {
	fmt.Fprintln(w, separator)
	fmt.Fprintf(w, "ID:         %s\n", event.ID)
	fmt.Fprintf(w, "From:       %s (balance %d)\n", event.From, event.FromBalance)
	fmt.Fprintf(w, "To:         %s (balance %d)\n", event.To, event.ToBalance)
	fmt.Fprintf(w, "Amount:     %d\n", event.Amount)
	if event.Data != "" {
		fmt.Fprintf(w, "Data:       %s\n", event.Data)
	}
	if !event.AppliedAt.IsZero() {
		fmt.Fprintf(w, "Applied:    %s\n", event.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Published:  %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Fprintln(w)
}
