package ledger

import (
	"sync"
)

// Ledger owns the balance table and the processed-transaction log.
// All methods are safe for concurrent use; Apply is a single-writer critical
// section covering the replay check and the debit/credit pair.
type Ledger struct {
	mu        sync.RWMutex
	genesis   string
	supply    uint64
	balances  map[string]uint64
	applied   map[string]struct{}
	processed []Transaction
}

// New creates a ledger whose genesis address holds the entire supply.
func New(genesis string, supply uint64) *Ledger {
	return &Ledger{
		genesis:  genesis,
		supply:   supply,
		balances: map[string]uint64{genesis: supply},
		applied:  make(map[string]struct{}),
	}
}

// Apply validates and applies a transaction. A nil error means the balances
// were mutated and the transaction was appended to the processed log. Any
// returned error is a *RejectionError and leaves the ledger untouched.
func (l *Ledger) Apply(tx Transaction) error {
	_, err := l.ApplyWithReceipt(tx)
	return err
}

// Receipt describes the ledger state right after a transaction was applied.
type Receipt struct {
	Sequence    int    // zero-based position in the processed log
	FromBalance uint64 // sender balance after the debit
	ToBalance   uint64 // recipient balance after the credit
}

// ApplyWithReceipt is Apply, additionally reporting the post-transfer
// balances observed inside the same critical section.
func (l *Ledger) ApplyWithReceipt(tx Transaction) (Receipt, error) {
	identity := tx.Identity()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[identity]; ok {
		return Receipt{}, &RejectionError{Reason: ErrAlreadyApplied, Identity: identity, TxID: tx.ID}
	}
	if tx.Amount == 0 {
		return Receipt{}, &RejectionError{Reason: ErrInvalidAmount, Identity: identity, TxID: tx.ID}
	}
	if l.balances[tx.From] < tx.Amount {
		return Receipt{}, &RejectionError{Reason: ErrInsufficientBalance, Identity: identity, TxID: tx.ID}
	}

	l.balances[tx.From] -= tx.Amount
	l.balances[tx.To] += tx.Amount
	l.applied[identity] = struct{}{}
	l.processed = append(l.processed, tx)
	return Receipt{
		Sequence:    len(l.processed) - 1,
		FromBalance: l.balances[tx.From],
		ToBalance:   l.balances[tx.To],
	}, nil
}

// BalanceOf returns the balance of an address, zero if it has never been seen.
func (l *Ledger) BalanceOf(address string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[address]
}

// Balances returns a copy of the balance table.
func (l *Ledger) Balances() map[string]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]uint64, len(l.balances))
	for addr, bal := range l.balances {
		out[addr] = bal
	}
	return out
}

// Processed returns a copy of the processed-transaction log in application order.
func (l *Ledger) Processed() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.processed))
	copy(out, l.processed)
	return out
}

// ProcessedPage returns up to limit processed transactions starting at offset.
func (l *Ledger) ProcessedPage(offset, limit int) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.processed) || limit <= 0 {
		return []Transaction{}
	}
	end := min(offset+limit, len(l.processed))
	out := make([]Transaction, end-offset)
	copy(out, l.processed[offset:end])
	return out
}

// Len returns the number of applied transactions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}

// Accounts returns the number of known addresses.
func (l *Ledger) Accounts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.balances)
}

// Contains reports whether a transaction identity has already been applied.
func (l *Ledger) Contains(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.applied[identity]
	return ok
}

// TotalBalance sums every balance. It always equals Supply.
func (l *Ledger) TotalBalance() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, bal := range l.balances {
		total += bal
	}
	return total
}

func (l *Ledger) Supply() uint64  { return l.supply }
func (l *Ledger) Genesis() string { return l.genesis }

// Snapshot copies the processed log and balance table under a single read lock,
// so the two are consistent with each other.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	processed := make([]Transaction, len(l.processed))
	copy(processed, l.processed)
	balances := make(map[string]uint64, len(l.balances))
	for addr, bal := range l.balances {
		balances[addr] = bal
	}
	return &Snapshot{
		Genesis:   l.genesis,
		Supply:    l.supply,
		Processed: processed,
		Balances:  balances,
	}
}
