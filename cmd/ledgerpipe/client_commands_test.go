package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/ledgerpipe/client"
	"github.com/brojonat/ledgerpipe/service/config"
	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer starts an echo peer and a ledger API server dispatching to it.
func newTestServer(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	echo := httptest.NewServer(server.New("", nil, nil, 0, nil, logger).Handler())
	t.Cleanup(echo.Close)

	cfg := &config.Config{
		EchoURL:             echo.URL + "/echo",
		GenesisAddress:      "GENESIS",
		GenesisSupply:       1000,
		FunderAddress:       "GENESIS",
		BatchSize:           10,
		MaxCycles:           1,
		Concurrency:         1,
		Verifier:            "accept-all",
		DispatchTimeout:     time.Second,
		DispatchMaxAttempts: 1,
	}
	controller, err := cfg.NewController(nil, nil, logger)
	require.NoError(t, err)

	api := httptest.NewServer(server.New("", controller, nil, 0, nil, logger).Handler())
	t.Cleanup(api.Close)
	return api.URL
}

func runAppWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(input)
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"ledgerpipe"}, args...))
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	url := newTestServer(t)

	batch := `[
		{"id":"t1","from":"GENESIS","to":"ALICE","amount":300,"data":"a"},
		{"id":"t2","from":"GENESIS","to":"BOB","amount":200,"data":"b"},
		{"id":"t3","from":"ALICE","to":"BOB","amount":500,"data":"c"}
	]`

	out, err := runAppWithInput(t, batch, "--server-url", url, "--json", "client", "submit")
	require.NoError(t, err)

	var res client.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Applied)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, "t3", res.Rejections[0].ID)
	assert.Equal(t, ledger.ReasonInsufficientBalance, res.Rejections[0].Reason)

	t.Run("info", func(t *testing.T) {
		out, err := runApp(t, "--server-url", url, "--json", "client", "info")
		require.NoError(t, err)

		var info client.Info
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, client.Info{Genesis: "GENESIS", TotalSupply: 1000, Accounts: 3, Processed: 2}, info)
	})

	t.Run("balance", func(t *testing.T) {
		out, err := runApp(t, "--server-url", url, "client", "balance", "ALICE")
		require.NoError(t, err)
		assert.Equal(t, "ALICE: 300\n", out)

		out, err = runApp(t, "--server-url", url, "client", "balance")
		require.NoError(t, err)
		assert.Contains(t, out, "GENESIS")
		assert.Contains(t, out, "500")
	})

	t.Run("transactions filtered by jq", func(t *testing.T) {
		out, err := runApp(t, "--server-url", url, "--json", "client", "transactions", "--must-jq", `.to == "BOB"`)
		require.NoError(t, err)

		var txs []ledger.Transaction
		require.NoError(t, json.Unmarshal([]byte(out), &txs))
		require.Len(t, txs, 1)
		assert.Equal(t, "t2", txs[0].ID)
	})

	t.Run("replayed submission is rejected", func(t *testing.T) {
		out, err := runAppWithInput(t, batch, "--server-url", url, "client", "submit")
		require.NoError(t, err)
		assert.Contains(t, out, "Applied:  0")
		assert.Contains(t, out, "Rejected: 3")
	})

	t.Run("snapshot", func(t *testing.T) {
		out, err := runApp(t, "--server-url", url, "client", "snapshot")
		require.NoError(t, err)
		assert.Contains(t, out, "Processed 2 transactions in ")
	})
}

func TestClientSubmit_InvalidInput(t *testing.T) {
	_, err := runAppWithInput(t, "not json", "--server-url", "http://127.0.0.1:1", "client", "submit")
	assert.ErrorContains(t, err, "invalid transaction batch")
}
