package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/ledgerpipe/service/config"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/brojonat/ledgerpipe/service/server"
	"github.com/brojonat/ledgerpipe/service/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

// runOutput is what `run --json` prints.
type runOutput struct {
	Report    *pipeline.Report `json:"report"`
	EchoURL   string           `json:"echo_url"`
	Processed int              `json:"processed"`
	Accounts  int              `json:"accounts"`
	Persisted []string         `json:"persisted"`
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the pipeline in-process and report throughput",
		Description: `Generate, verify, dispatch, re-verify and apply batches against a fresh
ledger until a bound is reached, then print the throughput and persist the
final state.

Without --echo-url an echo peer is started on a loopback port.

Example:
  ledgerpipe run --max-duration 10s --batch-size 500 --verifier ed25519`,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "batch-size", Aliases: []string{"b"}, Value: 100, Usage: "Maximum transactions per batch"},
			&cli.DurationFlag{Name: "max-duration", Aliases: []string{"d"}, Usage: "Stop after this long (0 = unbounded)"},
			&cli.Uint64Flag{Name: "max-transactions", Aliases: []string{"n"}, Usage: "Stop once this many transactions were applied (0 = unbounded)"},
			&cli.IntFlag{Name: "max-cycles", Value: 1, Usage: "Stop after this many cycles (0 = unbounded)"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 1, Usage: "Number of concurrent cycles"},
			&cli.Int64Flag{Name: "seed", Usage: "Generator seed (0 = seed from clock)"},
			&cli.StringFlag{Name: "verifier", Value: verify.KindAcceptAll, Usage: fmt.Sprintf("Signature scheme: %v", verify.Kinds())},
			&cli.StringFlag{Name: "genesis", Value: "GENESIS", Usage: "Genesis address holding the initial supply"},
			&cli.Uint64Flag{Name: "supply", Value: 1_000_000_000, Usage: "Initial supply credited to the genesis address"},
			&cli.StringFlag{Name: "funder", Usage: "Address generated transfers are sent from (default: genesis)"},
			&cli.StringFlag{Name: "echo-url", EnvVars: []string{"ECHO_URL"}, Usage: "Echo peer endpoint (default: in-process peer)"},
			&cli.DurationFlag{Name: "echo-delay", Usage: "Artificial delay of the in-process echo peer"},
			&cli.DurationFlag{Name: "dispatch-timeout", Value: 10 * time.Second, Usage: "Timeout for one dispatch attempt"},
			&cli.IntFlag{Name: "dispatch-attempts", Value: 1, Usage: "Dispatch attempts per batch"},
			&cli.DurationFlag{Name: "dispatch-backoff", Value: 500 * time.Millisecond, Usage: "Backoff before the first dispatch retry"},
			&cli.StringFlag{Name: "snapshot-dir", Value: ".", Usage: "Directory for processed_transactions.json, balances.json and metrics.json (empty = skip)"},
			&cli.BoolFlag{Name: "persist-db", Usage: "Also save the run to Postgres (requires --database-url)"},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			echoURL := c.String("echo-url")
			if echoURL == "" {
				url, shutdown, err := startLocalEcho(c.Duration("echo-delay"), logger)
				if err != nil {
					return err
				}
				defer shutdown()
				echoURL = url
			}

			funder := c.String("funder")
			if funder == "" {
				funder = c.String("genesis")
			}

			cfg := &config.Config{
				EchoURL:             echoURL,
				GenesisAddress:      c.String("genesis"),
				GenesisSupply:       c.Uint64("supply"),
				FunderAddress:       funder,
				BatchSize:           c.Int("batch-size"),
				MaxDuration:         c.Duration("max-duration"),
				MaxTransactions:     c.Uint64("max-transactions"),
				MaxCycles:           c.Int("max-cycles"),
				Concurrency:         c.Int("concurrency"),
				RandomSeed:          c.Int64("seed"),
				Verifier:            c.String("verifier"),
				DispatchTimeout:     c.Duration("dispatch-timeout"),
				DispatchMaxAttempts: c.Int("dispatch-attempts"),
				DispatchBackoff:     c.Duration("dispatch-backoff"),
				SnapshotDir:         c.String("snapshot-dir"),
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			controller, err := cfg.NewController(metrics.NewMetrics(prometheus.NewRegistry()), nil, logger)
			if err != nil {
				return fmt.Errorf("failed to build pipeline: %w", err)
			}

			report, err := controller.Run(ctx)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}

			out := runOutput{
				Report:    report,
				EchoURL:   echoURL,
				Processed: controller.Ledger().Len(),
				Accounts:  controller.Ledger().Accounts(),
				Persisted: []string{},
			}
			if !c.Bool("json") {
				printReport(c.App.Writer, report)
			}

			// Persist with a fresh context so an interrupted run is still saved.
			persistCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			var sinks []pipeline.Sink
			if s := cfg.FileSink(); s != nil {
				sinks = append(sinks, s)
				out.Persisted = append(out.Persisted, cfg.SnapshotDir)
			}
			if c.Bool("persist-db") {
				store, closer, err := getStore(c, nil)
				if err != nil {
					return err
				}
				defer closer()
				if err := store.EnsureSchema(persistCtx); err != nil {
					return err
				}
				sinks = append(sinks, store)
				out.Persisted = append(out.Persisted, "postgres")
			}
			if err := controller.Persist(persistCtx, sinks...); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, out)
			}
			if cfg.SnapshotDir != "" {
				fmt.Fprintf(c.App.Writer, "Processed transactions saved to '%s'.\n", cfg.SnapshotDir)
			}
			return nil
		},
	}
}

// printReport prints the throughput lines followed by the run breakdown.
func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "Processed %d transactions in %.2f seconds.\n", r.Metrics.Count, r.Metrics.ElapsedSeconds)
	fmt.Fprintf(w, "Transactions per second: %.2f\n", r.Metrics.Throughput)
	fmt.Fprintf(os.Stderr, "Stop reason: %s (cycles: %d, empty: %d, transport errors: %d, failed: %d)\n",
		r.StopReason, r.Cycles, r.EmptyCycles, r.TransportErrors, r.FailedCycles)
	for key, n := range r.Rejected {
		fmt.Fprintf(os.Stderr, "  rejected %s: %d\n", key, n)
	}
}

// startLocalEcho serves /echo on a loopback port and returns its URL.
func startLocalEcho(delay time.Duration, logger *slog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to start echo peer: %w", err)
	}

	srv := &http.Server{
		Handler:           server.New("", nil, nil, delay, nil, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("echo peer stopped", "error", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String() + "/echo", shutdown, nil
}

func echoCommand() *cli.Command {
	return &cli.Command{
		Name:  "echo",
		Usage: "Serve a standalone echo peer",
		Description: `Serve POST /echo, which returns a JSON array of transactions unchanged.

Example:
  ledgerpipe echo --addr :8000 --delay 50ms`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8000", Usage: "Listen address"},
			&cli.DurationFlag{Name: "delay", EnvVars: []string{"ECHO_DELAY"}, Usage: "Delay before each response"},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))
			srv := server.New(c.String("addr"), nil, nil, c.Duration("delay"), nil, logger)

			errs := make(chan error, 1)
			go func() { errs <- srv.Start() }()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "Echo peer listening on %s\n", c.String("addr"))
			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}

// keyPair is what keygen prints.
type keyPair struct {
	Kind       string `json:"kind"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:      "keygen",
		Usage:     "Generate a key pair for a signature scheme",
		ArgsUsage: "<ed25519|p256|secp256k1>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature scheme")
			}
			kind := c.Args().First()

			signer, err := verify.NewSigner(kind)
			if err != nil {
				return err
			}
			if signer == nil {
				return fmt.Errorf("%q does not use keys", kind)
			}

			kp := keyPair{Kind: kind}
			switch s := signer.(type) {
			case *verify.Ed25519Signer:
				kp.PublicKey, kp.PrivateKey = s.PublicKey(), s.PrivateKey()
			case *verify.P256Signer:
				kp.PublicKey, kp.PrivateKey = s.PublicKey(), s.PrivateKey()
			case *verify.Secp256k1Signer:
				kp.PublicKey, kp.PrivateKey = s.PublicKey(), s.PrivateKey()
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, kp)
			}
			fmt.Fprintf(c.App.Writer, "Scheme:      %s\n", kp.Kind)
			fmt.Fprintf(c.App.Writer, "Public Key:  %s\n", kp.PublicKey)
			fmt.Fprintf(c.App.Writer, "Private Key: %s\n", kp.PrivateKey)
			return nil
		},
	}
}

// setupLogger creates a structured logger on stderr with the given level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
