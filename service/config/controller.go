package config

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/brojonat/ledgerpipe/service/dispatch"
	"github.com/brojonat/ledgerpipe/service/generator"
	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/nats"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/brojonat/ledgerpipe/service/sink"
	"github.com/brojonat/ledgerpipe/service/verify"
)

// NewController builds a fresh ledger funded with the genesis supply and a
// controller that generates into it and dispatches to EchoURL. When the
// verifier kind signs, generated transactions are signed with a new key.
// m and publisher may be nil.
func (c *Config) NewController(m *metrics.Metrics, publisher nats.Publisher, logger *slog.Logger) (*pipeline.Controller, error) {
	v, err := verify.New(c.Verifier)
	if err != nil {
		return nil, err
	}
	signer, err := verify.NewSigner(c.Verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	l := ledger.New(c.GenesisAddress, c.GenesisSupply)
	gen := generator.New(generator.Config{Seed: c.RandomSeed, Signer: signer}, l)
	d := dispatch.NewHTTPDispatcher(c.EchoURL, &http.Client{Timeout: c.DispatchTimeout}, m, logger)

	return pipeline.New(c.PipelineConfig(), pipeline.Dependencies{
		Ledger:     l,
		Source:     gen,
		Verifier:   v,
		Dispatcher: d,
		Metrics:    m,
		Publisher:  publisher,
		Logger:     logger,
	})
}

// FileSink returns the snapshot directory sink, or nil when SNAPSHOT_DIR is unset.
func (c *Config) FileSink() pipeline.Sink {
	if c.SnapshotDir == "" {
		return nil
	}
	return sink.NewFileSink(c.SnapshotDir)
}
