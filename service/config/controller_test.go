package config

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(echoURL string) *Config {
	return &Config{
		EchoURL:             echoURL,
		GenesisAddress:      "GENESIS",
		GenesisSupply:       1_000_000,
		FunderAddress:       "GENESIS",
		BatchSize:           10,
		MaxCycles:           1,
		Concurrency:         1,
		RandomSeed:          3,
		DispatchTimeout:     time.Second,
		DispatchMaxAttempts: 1,
	}
}

func TestConfig_NewController(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	}))
	defer echo.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	for _, kind := range []string{"accept-all", "ed25519", "p256", "secp256k1"} {
		t.Run(kind, func(t *testing.T) {
			cfg := testConfig(echo.URL)
			cfg.Verifier = kind

			c, err := cfg.NewController(nil, nil, logger)
			require.NoError(t, err)

			res := c.RunCycle(context.Background())
			assert.Equal(t, pipeline.OutcomeApplied, res.Outcome)
			assert.Equal(t, 10, res.Applied)
			assert.Equal(t, uint64(1_000_000), c.Ledger().TotalBalance())

			for _, tx := range c.Ledger().Processed() {
				if kind == "accept-all" {
					assert.Empty(t, tx.Signature)
				} else {
					assert.NotEmpty(t, tx.Signature)
					assert.NotEmpty(t, tx.PublicKey)
				}
			}
		})
	}
}

func TestConfig_NewController_UnknownVerifier(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/echo")
	cfg.Verifier = "rsa"

	_, err := cfg.NewController(nil, nil, nil)
	assert.ErrorContains(t, err, "unknown verifier")
}

func TestConfig_FileSink(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.FileSink())

	cfg.SnapshotDir = t.TempDir()
	assert.NotNil(t, cfg.FileSink())
}
