package nats

import (
	"time"
	"unicode"

	"github.com/brojonat/ledgerpipe/service/ledger"
)

// TransactionEvent is published for every transaction applied to the
// ledger, on the subject "ledger.applied.{to}".
type TransactionEvent struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`

	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Data   string `json:"data"`

	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`

	// Balances after the transfer was applied.
	FromBalance uint64 `json:"from_balance"`
	ToBalance   uint64 `json:"to_balance"`

	AppliedAt   time.Time `json:"applied_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromTransaction builds the event for an applied transaction.
func FromTransaction(tx ledger.Transaction, fromBalance, toBalance uint64, appliedAt time.Time) *TransactionEvent {
	return &TransactionEvent{
		ID:          tx.ID,
		Identity:    tx.Identity(),
		From:        tx.From,
		To:          tx.To,
		Amount:      tx.Amount,
		Data:        tx.Data,
		Signature:   tx.Signature,
		PublicKey:   tx.PublicKey,
		FromBalance: fromBalance,
		ToBalance:   toBalance,
		AppliedAt:   appliedAt.UTC(),
		PublishedAt: time.Now().UTC(),
	}
}

// Subject returns the subject an event for recipient is published on.
func Subject(recipient string) string {
	return SubjectPrefix + recipient
}

// ValidSubjectToken reports whether address can be used as a single subject
// token: non-empty, with no '.', '*', '>', whitespace or control characters.
func ValidSubjectToken(address string) bool {
	if address == "" {
		return false
	}
	for _, r := range address {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
