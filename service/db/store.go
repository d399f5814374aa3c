package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store persists pipeline run snapshots in Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a Store on the given pool. m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Run is one persisted pipeline snapshot.
type Run struct {
	ID             string    `json:"id"`
	Genesis        string    `json:"genesis"`
	Supply         uint64    `json:"supply"`
	ProcessedCount int64     `json:"processed_count"`
	AccountCount   int64     `json:"account_count"`
	AppliedCount   uint64    `json:"applied_count"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Throughput     float64   `json:"throughput"`
	CreatedAt      time.Time `json:"created_at"`
}

// SaveSnapshot satisfies pipeline.Sink.
func (s *Store) SaveSnapshot(ctx context.Context, snap *ledger.Snapshot, m metrics.Snapshot) error {
	_, err := s.SaveRun(ctx, snap, m)
	return err
}

// SaveRun writes the run row, the processed log and the balance table in a
// single transaction and returns the new run.
func (s *Store) SaveRun(ctx context.Context, snap *ledger.Snapshot, m metrics.Snapshot) (run *Run, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordDBQuery("save_run", "runs", time.Since(start).Seconds(), err)
	}()

	supply, err := toBigint(snap.Supply)
	if err != nil {
		return nil, fmt.Errorf("supply: %w", err)
	}
	applied, err := toBigint(m.Count)
	if err != nil {
		return nil, fmt.Errorf("applied count: %w", err)
	}

	txRows := make([][]any, len(snap.Processed))
	for i, tx := range snap.Processed {
		amount, err := toBigint(tx.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
		}
		txRows[i] = []any{nil, int64(i), tx.ID, tx.Identity(), tx.From, tx.To, amount, tx.Data, tx.Signature, tx.PublicKey}
	}
	balanceRows := make([][]any, 0, len(snap.Balances))
	for addr, bal := range snap.Balances {
		b, err := toBigint(bal)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", addr, err)
		}
		balanceRows = append(balanceRows, []any{nil, addr, b})
	}

	id := uuid.NewString()
	for _, r := range txRows {
		r[0] = id
	}
	for _, r := range balanceRows {
		r[0] = id
	}

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	run = &Run{
		ID:             id,
		Genesis:        snap.Genesis,
		Supply:         snap.Supply,
		ProcessedCount: int64(len(snap.Processed)),
		AccountCount:   int64(len(snap.Balances)),
		AppliedCount:   m.Count,
		ElapsedSeconds: m.ElapsedSeconds,
		Throughput:     m.Throughput,
	}
	err = dbTx.QueryRow(ctx, `
		INSERT INTO runs (id, genesis, supply, processed_count, account_count, applied_count, elapsed_seconds, throughput)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		id, snap.Genesis, supply, run.ProcessedCount, run.AccountCount, applied, m.ElapsedSeconds, m.Throughput,
	).Scan(&run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := dbTx.CopyFrom(ctx,
		pgx.Identifier{"processed_transactions"},
		[]string{"run_id", "seq", "tx_id", "identity", "from_address", "to_address", "amount", "data", "signature", "public_key"},
		pgx.CopyFromRows(txRows),
	); err != nil {
		return nil, fmt.Errorf("failed to copy processed transactions: %w", err)
	}

	if _, err := dbTx.CopyFrom(ctx,
		pgx.Identifier{"balances"},
		[]string{"run_id", "address", "balance"},
		pgx.CopyFromRows(balanceRows),
	); err != nil {
		return nil, fmt.Errorf("failed to copy balances: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, nil
}

const runColumns = `id::text, genesis, supply, processed_count, account_count, applied_count, elapsed_seconds, throughput, created_at`

func scanRun(row pgx.CollectableRow) (*Run, error) {
	var r Run
	var supply, applied int64
	if err := row.Scan(&r.ID, &r.Genesis, &supply, &r.ProcessedCount, &r.AccountCount, &applied, &r.ElapsedSeconds, &r.Throughput, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Supply = uint64(supply)
	r.AppliedCount = uint64(applied)
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int32) ([]*Run, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		s.metrics.RecordDBQuery("list_runs", "runs", time.Since(start).Seconds(), err)
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	s.metrics.RecordDBQuery("list_runs", "runs", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a single run or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}

// GetRunBalances returns the final balance table of a run.
func (s *Store) GetRunBalances(ctx context.Context, id string) (map[string]uint64, error) {
	if _, err := s.GetRun(ctx, id); err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT address, balance FROM balances WHERE run_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]uint64)
	for rows.Next() {
		var addr string
		var bal int64
		if err := rows.Scan(&addr, &bal); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances[addr] = uint64(bal)
	}
	err = rows.Err()
	s.metrics.RecordDBQuery("get_run_balances", "balances", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}
	return balances, nil
}

// ListRunTransactions pages through a run's processed log in application order.
func (s *Store) ListRunTransactions(ctx context.Context, id string, limit, offset int32) ([]ledger.Transaction, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT tx_id, from_address, to_address, amount, data, signature, public_key
		FROM processed_transactions
		WHERE run_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		var tx ledger.Transaction
		var amount int64
		err := row.Scan(&tx.ID, &tx.From, &tx.To, &amount, &tx.Data, &tx.Signature, &tx.PublicKey)
		tx.Amount = uint64(amount)
		return tx, err
	})
	s.metrics.RecordDBQuery("list_run_transactions", "processed_transactions", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return txs, nil
}

// DeleteRun removes a run and, by cascade, its transactions and balances.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d overflows BIGINT", v)
	}
	return int64(v), nil
}
