package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
)

// MaxResponseBytes caps how much of an echo response is read.
const MaxResponseBytes = 32 << 20

// Dispatcher sends a batch to a remote peer and returns whatever the peer
// echoes back. The response may be reordered, partial, or empty.
type Dispatcher interface {
	Send(ctx context.Context, batch []ledger.Transaction) ([]ledger.Transaction, error)
}

// HTTPDispatcher posts batches as a JSON array to an echo endpoint.
type HTTPDispatcher struct {
	endpoint   string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher for endpoint. A nil httpClient gets
// a 10 second timeout; m and logger may be nil.
func NewHTTPDispatcher(endpoint string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *HTTPDispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		endpoint:   endpoint,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Endpoint returns the URL batches are posted to.
func (d *HTTPDispatcher) Endpoint() string {
	return d.endpoint
}

// Send performs exactly one POST. It does not retry.
func (d *HTTPDispatcher) Send(ctx context.Context, batch []ledger.Transaction) ([]ledger.Transaction, error) {
	start := time.Now()
	echoed, err := d.send(ctx, batch)

	status := "ok"
	if err != nil {
		status = string(KindOf(err))
	}
	d.metrics.RecordDispatch(status, len(batch), time.Since(start).Seconds())

	if err != nil {
		d.logger.WarnContext(ctx, "dispatch failed",
			"endpoint", d.endpoint,
			"batch_size", len(batch),
			"error", err,
		)
		return nil, err
	}
	d.logger.DebugContext(ctx, "dispatch complete",
		"batch_size", len(batch),
		"echoed", len(echoed),
		"duration", time.Since(start),
	)
	return echoed, nil
}

func (d *HTTPDispatcher) send(ctx context.Context, batch []ledger.Transaction) ([]ledger.Transaction, error) {
	if batch == nil {
		batch = []ledger.Transaction{}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, d.transportError(KindMalformed, 0, fmt.Errorf("failed to marshal batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, d.transportError(KindConnection, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.transportError(classify(err), 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, d.transportError(KindStatus, resp.StatusCode, nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, d.transportError(classify(err), 0, fmt.Errorf("failed to read response: %w", err))
	}
	if len(raw) > MaxResponseBytes {
		return nil, d.transportError(KindMalformed, 0, fmt.Errorf("response exceeds %d bytes", MaxResponseBytes))
	}

	echoed, err := decodeBatch(raw)
	if err != nil {
		return nil, d.transportError(KindMalformed, 0, err)
	}
	return echoed, nil
}

func (d *HTTPDispatcher) transportError(kind Kind, status int, err error) *TransportError {
	return &TransportError{Endpoint: d.endpoint, Kind: kind, StatusCode: status, Err: err}
}

// decodeBatch accepts a JSON array of transactions; null and whitespace-only
// bodies mean nothing was echoed. Every element must be a transaction object
// carrying id, from, to and amount, with no unknown fields.
func decodeBatch(raw []byte) ([]ledger.Transaction, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return nil, errors.New("response is not a JSON array")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	echoed := make([]ledger.Transaction, 0, len(elems))
	for i, elem := range elems {
		tx, err := decodeTransaction(elem)
		if err != nil {
			return nil, fmt.Errorf("response element %d: %w", i, err)
		}
		echoed = append(echoed, tx)
	}
	return echoed, nil
}

// wireTransaction uses pointers for the required fields so that a missing
// field is not mistaken for a zero value.
type wireTransaction struct {
	ID        *string `json:"id"`
	From      *string `json:"from"`
	To        *string `json:"to"`
	Amount    *uint64 `json:"amount"`
	Data      string  `json:"data"`
	Signature string  `json:"signature"`
	PublicKey string  `json:"public_key"`
}

func decodeTransaction(raw json.RawMessage) (ledger.Transaction, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ledger.Transaction{}, errors.New("transaction is null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wireTransaction
	if err := dec.Decode(&w); err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to decode transaction: %w", err)
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.From == nil {
		missing = append(missing, "from")
	}
	if w.To == nil {
		missing = append(missing, "to")
	}
	if w.Amount == nil {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return ledger.Transaction{}, fmt.Errorf("transaction is missing %s", strings.Join(missing, ", "))
	}

	return ledger.Transaction{
		ID:        *w.ID,
		From:      *w.From,
		To:        *w.To,
		Amount:    *w.Amount,
		Data:      w.Data,
		Signature: w.Signature,
		PublicKey: w.PublicKey,
	}, nil
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnection
}
