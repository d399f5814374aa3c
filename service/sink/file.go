package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
)

// File names written by FileSink.
const (
	ProcessedFile = "processed_transactions.json"
	BalancesFile  = "balances.json"
	MetricsFile   = "metrics.json"
)

// FileSink writes the final ledger state as JSON files in Dir.
type FileSink struct {
	Dir string
}

// NewFileSink returns a sink writing into dir, creating it on first save.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir}
}

// SaveSnapshot writes the processed log, the balance table and the metrics.
// Each file is written to a temporary name first and renamed into place, so
// readers never observe a partial file.
func (s *FileSink) SaveSnapshot(ctx context.Context, snap *ledger.Snapshot, m metrics.Snapshot) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	processed := snap.Processed
	if processed == nil {
		processed = []ledger.Transaction{}
	}
	files := []struct {
		name  string
		value any
	}{
		{ProcessedFile, processed},
		{BalancesFile, snap.Balances},
		{MetricsFile, m},
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSONFile(filepath.Join(s.Dir, f.name), f.value); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONFile(path string, value any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// LoadBalances reads a balances.json written by SaveSnapshot.
func LoadBalances(dir string) (map[string]uint64, error) {
	var balances map[string]uint64
	if err := readJSONFile(filepath.Join(dir, BalancesFile), &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// LoadProcessed reads a processed_transactions.json written by SaveSnapshot.
func LoadProcessed(dir string) ([]ledger.Transaction, error) {
	var processed []ledger.Transaction
	if err := readJSONFile(filepath.Join(dir, ProcessedFile), &processed); err != nil {
		return nil, err
	}
	return processed, nil
}

func readJSONFile(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
