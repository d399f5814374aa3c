package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brojonat/ledgerpipe/service/ledger"
	natspkg "github.com/brojonat/ledgerpipe/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Info(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/info", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"genesis":"GENESIS","total_supply":1000,"accounts":3,"processed":2}`)
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", nil, nil)
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Info{Genesis: "GENESIS", TotalSupply: 1000, Accounts: 3, Processed: 2}, info)
}

func TestClient_Balance(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expected    uint64
		expectError string
	}{
		{
			name:     "known address",
			status:   http.StatusOK,
			body:     `{"address":"alice","balance":42}`,
			expected: 42,
		},
		{
			name:        "server error with message",
			status:      http.StatusBadRequest,
			body:        `{"error":"address too long"}`,
			expectError: "address too long",
		},
		{
			name:        "server error without JSON",
			status:      http.StatusInternalServerError,
			body:        `boom`,
			expectError: "status 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/balances/alice", r.URL.Path)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			balance, err := NewClient(server.URL, nil, nil).Balance(context.Background(), "alice")
			if tt.expectError != "" {
				assert.ErrorContains(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, balance)
		})
	}
}

func TestClient_Transactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]any{
			"transactions": []ledger.Transaction{{ID: "t1", From: "a", To: "b", Amount: 1}},
			"total":        11,
		})
	}))
	defer server.Close()

	page, err := NewClient(server.URL, nil, nil).Transactions(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, page.Total)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "t1", page.Transactions[0].ID)
}

func TestClient_Submit(t *testing.T) {
	t.Run("returns applied and rejections", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var batch []ledger.Transaction
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
			assert.Len(t, batch, 2)

			fmt.Fprint(w, `{"applied":1,"rejections":[{"id":"t2","stage":"apply","reason":"insufficient_balance"}]}`)
		}))
		defer server.Close()

		res, err := NewClient(server.URL, nil, nil).Submit(context.Background(), []ledger.Transaction{
			{ID: "t1", From: "a", To: "b", Amount: 1},
			{ID: "t2", From: "b", To: "c", Amount: 100},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Applied)
		assert.Equal(t, []Rejection{{ID: "t2", Stage: "apply", Reason: "insufficient_balance"}}, res.Rejections)
	})

	t.Run("nil batch is sent as an empty array", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw json.RawMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
			assert.JSONEq(t, `[]`, string(raw))
			fmt.Fprint(w, `{"applied":0,"rejections":[]}`)
		}))
		defer server.Close()

		res, err := NewClient(server.URL, nil, nil).Submit(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Applied)
	})

	t.Run("bad gateway is ErrUpstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"echo peer unavailable: connection refused"}`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, nil, nil).Submit(context.Background(), []ledger.Transaction{{ID: "t1"}})
		assert.True(t, errors.Is(err, ErrUpstream))
	})
}

func TestClient_Health(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "OK")
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	assert.NoError(t, c.Health(context.Background()))

	healthy = false
	assert.ErrorContains(t, c.Health(context.Background()), "503")
}

func TestClient_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/transactions/bob", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"address\":\"bob\"}\n\n")
		for i := 1; i <= 3; i++ {
			data, _ := json.Marshal(natspkg.TransactionEvent{ID: fmt.Sprintf("t%d", i), To: "bob", Amount: uint64(i)})
			fmt.Fprintf(w, "event: transaction\ndata: %s\n\n", data)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)

	t.Run("reads until the stream ends", func(t *testing.T) {
		var got []string
		err := c.Stream(context.Background(), "bob", func(e *natspkg.TransactionEvent) bool {
			got = append(got, e.ID)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, got)
	})

	t.Run("stops when the callback returns false", func(t *testing.T) {
		var got []string
		err := c.Stream(context.Background(), "bob", func(e *natspkg.TransactionEvent) bool {
			got = append(got, e.ID)
			return len(got) < 2
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, got)
	})
}

func TestClient_Stream_ServerErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"consumer failed\"}\n\n")
	}))
	defer server.Close()

	err := NewClient(server.URL, nil, nil).Stream(context.Background(), "", func(*natspkg.TransactionEvent) bool { return true })
	assert.ErrorContains(t, err, "consumer failed")
}
