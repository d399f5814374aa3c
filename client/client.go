package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	natspkg "github.com/brojonat/ledgerpipe/service/nats"
)

// ErrUpstream is returned by Submit when the server could not reach its
// echo peer. Nothing was applied.
var ErrUpstream = errors.New("echo peer unavailable")

// Info summarizes the server's ledger.
type Info struct {
	Genesis     string `json:"genesis"`
	TotalSupply uint64 `json:"total_supply"`
	Accounts    int    `json:"accounts"`
	Processed   int    `json:"processed"`
}

// Rejection describes a submitted transaction that was not applied.
type Rejection struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// SubmitResult is the server's verdict on a submitted batch.
type SubmitResult struct {
	Applied    int         `json:"applied"`
	Rejections []Rejection `json:"rejections"`
}

// TransactionPage is one page of the processed log.
type TransactionPage struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
}

// Client is the HTTP client for the ledgerpipe server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new ledgerpipe client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Info returns the ledger summary.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.getJSON(ctx, "/api/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Balance returns the balance of address. Unknown addresses have zero balance.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var resp struct {
		Address string `json:"address"`
		Balance uint64 `json:"balance"`
	}
	if err := c.getJSON(ctx, "/api/v1/balances/"+url.PathEscape(address), &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Balances returns the full balance table.
func (c *Client) Balances(ctx context.Context) (map[string]uint64, error) {
	var resp struct {
		Balances map[string]uint64 `json:"balances"`
	}
	if err := c.getJSON(ctx, "/api/v1/balances", &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

// Transactions returns a page of the processed log in application order.
func (c *Client) Transactions(ctx context.Context, limit, offset int) (*TransactionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := "/api/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page TransactionPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Submit sends transactions through the server's pipeline.
func (c *Client) Submit(ctx context.Context, batch []ledger.Transaction) (*SubmitResult, error) {
	if batch == nil {
		batch = []ledger.Transaction{}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadGateway {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, c.parseErrorResponse(resp))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch submitted", "size", len(batch), "applied", result.Applied, "rejected", len(result.Rejections))
	return &result, nil
}

// Snapshot returns the server's throughput metrics.
func (c *Client) Snapshot(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.getJSON(ctx, "/api/v1/metrics/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health returns nil if the server reports healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Stream reads applied-transaction events from the server's SSE endpoint
// and calls fn for each until fn returns false, ctx is done, or the stream
// ends. An empty address streams every recipient.
func (c *Client) Stream(ctx context.Context, address string, fn func(*natspkg.TransactionEvent) bool) error {
	u := c.baseURL + "/api/v1/stream/transactions"
	if address != "" {
		u += "/" + url.PathEscape(address)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout for streaming; ctx bounds the request.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if event != "" && data != "" {
				keepGoing, err := c.handleEvent(event, data, fn)
				if err != nil {
					return err
				}
				if !keepGoing {
					return nil
				}
			}
			event, data = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(event, data string, fn func(*natspkg.TransactionEvent) bool) (bool, error) {
	switch event {
	case "transaction":
		var txn natspkg.TransactionEvent
		if err := json.Unmarshal([]byte(data), &txn); err != nil {
			c.logger.Warn("failed to decode transaction event", "error", err)
			return true, nil
		}
		return fn(&txn), nil
	case "error":
		var errInfo struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(data), &errInfo)
		return false, fmt.Errorf("server error: %s", errInfo.Error)
	default:
		c.logger.Debug("ignoring SSE event", "event", event)
		return true, nil
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
