package generator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/brojonat/ledgerpipe/service/ledger"
	"github.com/brojonat/ledgerpipe/service/verify"
	"github.com/google/uuid"
)

const (
	DefaultMinAmount     = 1
	DefaultMaxAmount     = 100
	DefaultAddressLength = 5

	addressAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Config controls the shape of generated transactions. Zero values fall back
// to the defaults above; a zero Seed seeds from the clock.
type Config struct {
	Seed          int64
	MinAmount     uint64
	MaxAmount     uint64
	AddressLength int
	Signer        verify.Signer
}

// BalanceReader exposes the balances the generator consults when a funder is
// set. *ledger.Ledger satisfies it.
type BalanceReader interface {
	BalanceOf(address string) uint64
}

// Generator produces batches of synthetic transfers.
type Generator struct {
	cfg      Config
	balances BalanceReader

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator. balances may be nil, in which case funded
// batches are not filtered against a known balance.
func New(cfg Config, balances BalanceReader) *Generator {
	if cfg.MinAmount == 0 {
		cfg.MinAmount = DefaultMinAmount
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = DefaultMaxAmount
	}
	if cfg.MaxAmount < cfg.MinAmount {
		cfg.MaxAmount = cfg.MinAmount
	}
	if cfg.AddressLength <= 0 {
		cfg.AddressLength = DefaultAddressLength
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Generator{
		cfg:      cfg,
		balances: balances,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Seed returns the seed actually in use.
func (g *Generator) Seed() int64 {
	return g.cfg.Seed
}

// GenerateBatch returns up to maxSize transactions. When funder is set every
// transaction is sent from it, and any transaction the funder could not
// cover after the earlier ones in the batch is skipped. The ledger remains
// the final authority on balances.
func (g *Generator) GenerateBatch(maxSize int, funder string) ([]ledger.Transaction, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var remaining uint64
	limited := funder != "" && g.balances != nil
	if limited {
		remaining = g.balances.BalanceOf(funder)
	}

	batch := make([]ledger.Transaction, 0, maxSize)
	for i := 0; i < maxSize; i++ {
		amount := g.amount()
		from := funder
		if from == "" {
			from = g.address()
		}
		to := g.address()

		id, err := uuid.NewRandomFromReader(g.rng)
		if err != nil {
			return nil, fmt.Errorf("failed to generate transaction id: %w", err)
		}

		if limited {
			if amount > remaining {
				continue
			}
			remaining -= amount
		}

		tx := ledger.Transaction{
			ID:     id.String(),
			From:   from,
			To:     to,
			Amount: amount,
			Data:   Payload(amount, from, to),
		}
		if g.cfg.Signer != nil {
			sig, pub, err := g.cfg.Signer.Sign(tx.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to sign transaction %s: %w", tx.ID, err)
			}
			tx.Signature = sig
			tx.PublicKey = pub
		}
		batch = append(batch, tx)
	}
	return batch, nil
}

// Payload renders the message a transfer is signed over.
func Payload(amount uint64, from, to string) string {
	return fmt.Sprintf("Transfer %d tokens from %s to %s", amount, from, to)
}

func (g *Generator) amount() uint64 {
	span := g.cfg.MaxAmount - g.cfg.MinAmount + 1
	if span == 0 {
		// Full uint64 range.
		return g.rng.Uint64()
	}
	return g.cfg.MinAmount + g.rng.Uint64()%span
}

func (g *Generator) address() string {
	b := make([]byte, g.cfg.AddressLength)
	for i := range b {
		b[i] = addressAlphabet[g.rng.Intn(len(addressAlphabet))]
	}
	return string(b)
}
