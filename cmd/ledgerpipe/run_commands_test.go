package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/ledgerpipe/service/generator"
	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/brojonat/ledgerpipe/service/sink"
	"github.com/brojonat/ledgerpipe/service/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := runApp(t, "run",
		"--max-cycles", "3",
		"--batch-size", "10",
		"--seed", "1",
		"--snapshot-dir", dir,
	)
	require.NoError(t, err)

	assert.Contains(t, out, "Processed 30 transactions in ")
	assert.Contains(t, out, "Transactions per second: ")
	assert.Contains(t, out, "Processed transactions saved to '"+dir+"'.")

	processed, err := sink.LoadProcessed(dir)
	require.NoError(t, err)
	assert.Len(t, processed, 30)

	balances, err := sink.LoadBalances(dir)
	require.NoError(t, err)
	var total uint64
	for _, b := range balances {
		total += b
	}
	assert.Equal(t, uint64(1_000_000_000), total)
	assert.FileExists(t, filepath.Join(dir, sink.MetricsFile))
}

func TestRunCommand_JSON(t *testing.T) {
	out, err := runApp(t, "--json", "run",
		"--max-transactions", "25",
		"--batch-size", "10",
		"--supply", "5000",
		"--verifier", "ed25519",
		"--snapshot-dir", "",
	)
	require.NoError(t, err)

	var result runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, pipeline.StopMaxTransactions, result.Report.StopReason)
	assert.Equal(t, uint64(30), result.Report.Applied)
	assert.Equal(t, 30, result.Processed)
	assert.Empty(t, result.Persisted)
	assert.Contains(t, result.EchoURL, "127.0.0.1")
}

func TestRunCommand_RequiresABound(t *testing.T) {
	_, err := runApp(t, "run", "--max-cycles", "0", "--snapshot-dir", "")
	assert.ErrorContains(t, err, "at least one of")
}

func TestRunCommand_UnreachablePeer(t *testing.T) {
	dir := t.TempDir()

	out, err := runApp(t, "run",
		"--max-cycles", "2",
		"--echo-url", "http://127.0.0.1:1/echo",
		"--dispatch-timeout", "1s",
		"--snapshot-dir", dir,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Processed 0 transactions in ")

	processed, err := sink.LoadProcessed(dir)
	require.NoError(t, err)
	assert.Empty(t, processed)
}

func TestKeygenCommand(t *testing.T) {
	for _, kind := range []string{"ed25519", "p256", "secp256k1"} {
		t.Run(kind, func(t *testing.T) {
			out, err := runApp(t, "--json", "keygen", kind)
			require.NoError(t, err)

			var kp keyPair
			require.NoError(t, json.Unmarshal([]byte(out), &kp))
			assert.Equal(t, kind, kp.Kind)
			assert.NotEmpty(t, kp.PublicKey)
			require.NotEmpty(t, kp.PrivateKey)

			// The printed private key signs transactions the verifier accepts.
			signer, err := verify.NewSignerFromKey(kind, kp.PrivateKey)
			require.NoError(t, err)
			data := generator.Payload(7, "ALICE", "BOB")
			sig, pub, err := signer.Sign(data)
			require.NoError(t, err)
			assert.Equal(t, kp.PublicKey, pub)

			v, err := verify.New(kind)
			require.NoError(t, err)
			assert.True(t, v.Verify(data, sig, pub))
		})
	}

	_, err := runApp(t, "keygen", "accept-all")
	assert.ErrorContains(t, err, "does not use keys")

	_, err = runApp(t, "keygen", "rsa")
	assert.ErrorContains(t, err, "unknown verifier")
}

func TestReadTransactions(t *testing.T) {
	f := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(f, []byte(` {"id":"t1","from":"a","to":"b","amount":1,"data":"x"} `), 0o644))

	r, err := os.Open(f)
	require.NoError(t, err)
	defer r.Close()

	txs, err := readTransactions(r)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Transaction{{ID: "t1", From: "a", To: "b", Amount: 1, Data: "x"}}, txs)
}
