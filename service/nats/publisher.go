package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes applied-transaction events.
type Publisher interface {
	// PublishTransaction publishes a single event to "ledger.applied.{to}".
	PublishTransaction(ctx context.Context, event *TransactionEvent) error

	// PublishTransactionBatch publishes several events, continuing past
	// individual failures. It returns the number of failed publishes.
	PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) (int, error)

	Close() error
}

const (
	// StreamName is the JetStream stream holding applied-transaction events.
	StreamName = "LEDGER"

	// SubjectPrefix precedes the recipient address in event subjects.
	SubjectPrefix = "ledger.applied."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long events are kept.
	StreamRetention = 7 * 24 * time.Hour
)

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and makes sure the LEDGER stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ledgerpipe-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// EnsureStream creates the LEDGER stream if it does not exist yet.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Transactions applied to the ledger",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	if !ValidSubjectToken(event.To) {
		return fmt.Errorf("cannot publish transaction %s: recipient %q is not a valid subject token", event.ID, event.To)
	}
	subject := Subject(event.To)
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(StreamSubjects, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish transaction: %w", err)
	}

	p.logger.Debug("published transaction event",
		"subject", subject,
		"tx_id", event.ID,
		"identity", event.Identity,
	)
	return nil
}

func (p *JetStreamPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) (int, error) {
	failed := 0
	for _, event := range events {
		if err := p.PublishTransaction(ctx, event); err != nil {
			p.logger.Error("failed to publish transaction in batch",
				"tx_id", event.ID,
				"to", event.To,
				"error", err,
			)
			failed++
		}
	}
	if failed > 0 {
		return failed, fmt.Errorf("failed to publish %d of %d events", failed, len(events))
	}
	return 0, nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
