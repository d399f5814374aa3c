package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	natspkg "github.com/brojonat/ledgerpipe/service/nats"
	"github.com/brojonat/ledgerpipe/service/pipeline"
)

const (
	maxRequestBodySize = 8 << 20 // a few thousand transactions
	maxAddressLength   = 100
	defaultPageLimit   = 100
	maxPageLimit       = 1000
)

// handleEcho returns the request body unchanged after an optional delay.
// POST /echo
func handleEcho(delay time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var batch []ledger.Transaction
		if err := json.Unmarshal(body, &batch); err != nil {
			logger.Debug("invalid echo body", "error", err)
			writeError(w, "invalid request body: expected a JSON array of transactions", http.StatusBadRequest)
			return
		}

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-r.Context().Done():
				return
			}
		}

		logger.Debug("echoing batch", "size", len(batch))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

type infoResponse struct {
	Genesis     string `json:"genesis"`
	TotalSupply uint64 `json:"total_supply"`
	Accounts    int    `json:"accounts"`
	Processed   int    `json:"processed"`
}

// handleInfo returns a summary of the ledger.
// GET /api/v1/info
func handleInfo(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, infoResponse{
			Genesis:     l.Genesis(),
			TotalSupply: l.Supply(),
			Accounts:    l.Accounts(),
			Processed:   l.Len(),
		}, http.StatusOK)
	})
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// handleGetBalance returns the balance of a single address. Unknown
// addresses have a balance of zero.
// GET /api/v1/balances/{address}
func handleGetBalance(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, balanceResponse{Address: address, Balance: l.BalanceOf(address)}, http.StatusOK)
	})
}

type balancesResponse struct {
	Balances map[string]uint64 `json:"balances"`
}

// GET /api/v1/balances
func handleListBalances(l *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, balancesResponse{Balances: l.Balances()}, http.StatusOK)
	})
}

type transactionsResponse struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
}

// handleListTransactions pages through the processed log in application order.
// GET /api/v1/transactions?limit={limit}&offset={offset}
func handleListTransactions(l *ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		// Parse limit (default 100, max 1000)
		limit := defaultPageLimit
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > maxPageLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxPageLimit), http.StatusBadRequest)
				return
			}
			limit = parsedLimit
		}

		offset := 0
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = parsedOffset
		}

		page := l.ProcessedPage(offset, limit)
		if page == nil {
			page = []ledger.Transaction{}
		}
		logger.Debug("transactions listed", "offset", offset, "limit", limit, "count", len(page))

		writeJSON(w, transactionsResponse{Transactions: page, Total: l.Len()}, http.StatusOK)
	})
}

type submitResponse struct {
	Applied    int                  `json:"applied"`
	Rejections []pipeline.Rejection `json:"rejections"`
}

// handleSubmitTransactions drives externally supplied transactions through
// the same verify, dispatch, re-verify and apply path as generated batches.
// The body is a JSON array of transactions or a single transaction object.
// POST /api/v1/transactions
func handleSubmitTransactions(c *pipeline.Controller, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		batch, err := decodeSubmission(body)
		if err != nil {
			logger.Debug("invalid submission", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		for i, tx := range batch {
			if err := validateAddress(tx.From); err != nil {
				writeError(w, fmt.Sprintf("transaction %d: invalid from address: %v", i, err), http.StatusBadRequest)
				return
			}
			if err := validateAddress(tx.To); err != nil {
				writeError(w, fmt.Sprintf("transaction %d: invalid to address: %v", i, err), http.StatusBadRequest)
				return
			}
		}

		res := c.ProcessBatch(r.Context(), batch)
		if res.Outcome == pipeline.OutcomeTransportError {
			logger.Warn("submission dispatch failed", "size", len(batch), "error", res.Error)
			writeError(w, "echo peer unavailable: "+res.Error, http.StatusBadGateway)
			return
		}

		rejections := res.Rejections
		if rejections == nil {
			rejections = []pipeline.Rejection{}
		}
		logger.Info("submission processed",
			"size", len(batch),
			"applied", res.Applied,
			"rejected", len(rejections),
		)
		writeJSON(w, submitResponse{Applied: res.Applied, Rejections: rejections}, http.StatusOK)
	})
}

func decodeSubmission(body []byte) ([]ledger.Transaction, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errorf("invalid request body: empty")
	}
	if trimmed[0] == '{' {
		var tx ledger.Transaction
		if err := json.Unmarshal(trimmed, &tx); err != nil {
			return nil, errorf("invalid request body: %v", err)
		}
		return []ledger.Transaction{tx}, nil
	}
	var batch []ledger.Transaction
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, errorf("invalid request body: %v", err)
	}
	return batch, nil
}

// GET /api/v1/metrics/snapshot
func handleMetricsSnapshot(rec *metrics.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rec.Snapshot(), http.StatusOK)
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errorf("request body too large: maximum size is %d bytes", maxRequestBodySize)
		}
		return nil, errorf("failed to read request body")
	}
	return body, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress rejects empty, oversized and non-printable addresses.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) || unicode.IsSpace(r) {
			return errorf("invalid characters in address: control characters and whitespace not allowed")
		}
	}

	// Addresses become event subject tokens.
	if !natspkg.ValidSubjectToken(address) {
		return errorf("invalid characters in address: '.', '*' and '>' not allowed")
	}

	return nil
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
