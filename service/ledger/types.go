package ledger

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Transaction is a value transfer between two addresses.
// Transactions are treated as immutable once created.
type Transaction struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// Identity returns the stable content hash used for at-most-once application.
// Signature and public key are not part of the identity, so the same transfer
// re-signed with a different key is still recognized as a replay.
func (t Transaction) Identity() string {
	h := blake3.New()
	writeField(h, t.ID)
	writeField(h, t.From)
	writeField(h, t.To)
	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], t.Amount)
	h.Write(amount[:])
	writeField(h, t.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed string so that adjacent fields can't
// be shifted into each other ("AB"+"C" vs "A"+"BC").
func writeField(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// Snapshot is a point-in-time copy of the ledger, suitable for persistence.
type Snapshot struct {
	Genesis   string            `json:"genesis"`
	Supply    uint64            `json:"supply"`
	Processed []Transaction     `json:"processed"`
	Balances  map[string]uint64 `json:"balances"`
}
