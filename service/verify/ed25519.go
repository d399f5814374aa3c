package verify

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Ed25519 verifies base58 ed25519 signatures against base58 public keys,
// the encoding Solana uses for both.
type Ed25519 struct{}

func (Ed25519) Verify(payload, signature, publicKey string) bool {
	pub, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return false
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false
	}
	return sig.Verify(pub, []byte(payload))
}

// Ed25519Signer signs payloads with a single ed25519 key.
type Ed25519Signer struct {
	key solana.PrivateKey
}

// NewEd25519Signer generates a new random key.
func NewEd25519Signer() (*Ed25519Signer, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{key: key}, nil
}

// NewEd25519SignerFromBase58 loads a base58-encoded 64-byte private key.
func NewEd25519SignerFromBase58(privateKey string) (*Ed25519Signer, error) {
	key, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 private key: %w", err)
	}
	return &Ed25519Signer{key: key}, nil
}

func (s *Ed25519Signer) Sign(payload string) (string, string, error) {
	sig, err := s.key.Sign([]byte(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig.String(), s.key.PublicKey().String(), nil
}

// PrivateKey returns the base58 private key, for keygen output.
func (s *Ed25519Signer) PrivateKey() string {
	return s.key.String()
}

// PublicKey returns the base58 public key.
func (s *Ed25519Signer) PublicKey() string {
	return s.key.PublicKey().String()
}
