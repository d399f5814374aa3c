package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/ledgerpipe/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to applied-transaction events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to applied-transaction events",
		ArgsUsage: "[recipient_address]",
		Description: `Subscribe to real-time applied-transaction events published to NATS JetStream.

Events are published to the subject: ledger.applied.{recipient}. Without an
address every event is received.

Example:
  ledgerpipe nats subscribe QWERT --must-jq '.amount > 50' --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "ledgerpipe-cli",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter each event must satisfy (can be repeated, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Exit after this many matching events (0 = until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			filter, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			subject := natspkg.StreamSubjects
			if address := c.Args().First(); address != "" {
				subject = natspkg.Subject(address)
			}

			return streamEvents(c, subject, filter)
		},
	}
}

// streamEvents consumes events on subject until interrupted or --count is reached.
func streamEvents(c *cli.Context, subject string, filter jqFilter) error {
	natsURL := c.String("nats-url")
	jsonOutput := c.Bool("json")
	durable := c.Bool("durable")
	consumerName := c.String("consumer-name")

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(os.Stderr, "   NATS: %s\n", natsURL)
		if durable {
			fmt.Fprintf(os.Stderr, "   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Fprintf(os.Stderr, "\nWaiting for transactions... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	limit := c.Int("count")
	count := 0
	for {
		select {
		case msg := <-msgChan:
			msg.Ack()

			var event natspkg.TransactionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				continue
			}
			if !filter.MatchJSON(msg.Data()) {
				continue
			}

			count++
			if jsonOutput {
				fmt.Fprintln(c.App.Writer, string(msg.Data()))
			} else {
				printEvent(c.App.Writer, &event)
			}
			if limit > 0 && count >= limit {
				return nil
			}

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\n\n✅ Received %d transactions\n", count)
			}
			return nil
		}
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the LEDGER JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  ledgerpipe nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
