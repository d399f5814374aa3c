package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sampleBatch() []ledger.Transaction {
	return []ledger.Transaction{
		{ID: "a", From: "GENESIS", To: "X", Amount: 10, Data: "Transfer 10 tokens from GENESIS to X"},
		{ID: "b", From: "GENESIS", To: "Y", Amount: 20, Data: "Transfer 20 tokens from GENESIS to Y"},
	}
}

func TestSend_Echo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var batch []ledger.Transaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(batch)
	}))
	defer server.Close()

	d := NewHTTPDispatcher(server.URL, nil, nil, testLogger())
	echoed, err := d.Send(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, sampleBatch(), echoed)
}

func TestSend_Responses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantLen  int
		wantKind Kind
	}{
		{name: "empty array", status: 200, body: "[]", wantLen: 0},
		{name: "null", status: 200, body: "null", wantLen: 0},
		{name: "empty body", status: 200, body: "", wantLen: 0},
		{name: "partial", status: 200, body: `[{"id":"b","from":"GENESIS","to":"Y","amount":20,"data":"x"}]`, wantLen: 1},
		{name: "object envelope", status: 200, body: `{"transactions":[]}`, wantKind: KindMalformed},
		{name: "garbage", status: 200, body: "not json", wantKind: KindMalformed},
		{name: "truncated array", status: 200, body: `[{"id":"a"`, wantKind: KindMalformed},
		{name: "negative amount", status: 200, body: `[{"id":"a","amount":-5}]`, wantKind: KindMalformed},
		{name: "null element", status: 200, body: `[null]`, wantKind: KindMalformed},
		{name: "empty object", status: 200, body: `[{}]`, wantKind: KindMalformed},
		{name: "unknown fields", status: 200, body: `[{"foo":1}]`, wantKind: KindMalformed},
		{name: "extra field on a transaction", status: 200, body: `[{"id":"b","from":"GENESIS","to":"Y","amount":20,"data":"x","memo":"hi"}]`, wantKind: KindMalformed},
		{name: "missing amount", status: 200, body: `[{"id":"b","from":"GENESIS","to":"Y","data":"x"}]`, wantKind: KindMalformed},
		{name: "one bad element spoils the batch", status: 200, body: `[{"id":"b","from":"GENESIS","to":"Y","amount":20,"data":"x"},null]`, wantKind: KindMalformed},
		{name: "number element", status: 200, body: `[5]`, wantKind: KindMalformed},
		{name: "signed transaction", status: 200, body: `[{"id":"b","from":"GENESIS","to":"Y","amount":20,"data":"x","signature":"s","public_key":"k"}]`, wantLen: 1},
		{name: "server error", status: 500, body: "oops", wantKind: KindStatus},
		{name: "bad request", status: 400, body: "{}", wantKind: KindStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			d := NewHTTPDispatcher(server.URL, nil, nil, testLogger())
			echoed, err := d.Send(context.Background(), sampleBatch())

			if tt.wantKind != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrTransport)
				assert.Equal(t, tt.wantKind, KindOf(err))
				assert.Nil(t, echoed)

				var te *TransportError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, server.URL, te.Endpoint)
				if tt.wantKind == KindStatus {
					assert.Equal(t, tt.status, te.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Len(t, echoed, tt.wantLen)
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	d := NewHTTPDispatcher(server.URL, &http.Client{Timeout: 50 * time.Millisecond}, nil, testLogger())
	_, err := d.Send(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestSend_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := NewHTTPDispatcher(server.URL, nil, nil, testLogger())
	_, err := d.Send(ctx, sampleBatch())
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestSend_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	d := NewHTTPDispatcher(url, nil, nil, testLogger())
	_, err := d.Send(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
}

func TestSend_EmptyBatchPostsArray(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		_, _ = w.Write(b)
	}))
	defer server.Close()

	d := NewHTTPDispatcher(server.URL, nil, nil, testLogger())
	echoed, err := d.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, echoed)
	assert.Equal(t, "[]", got)
}

func TestKindOf_NonTransport(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("other")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
