package verify

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Secp256k1 verifies ECDSA secp256k1 signatures over SHA-256(payload).
//
// Keys are base64 and may be a compressed or uncompressed SEC1 point, or the
// bare 64-byte X||Y form. Signatures are base64 and may be raw 64-byte r||s
// or DER.
type Secp256k1 struct{}

func (Secp256k1) Verify(payload, signature, publicKey string) bool {
	rawKey, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return false
	}
	if len(rawKey) == 64 {
		rawKey = append([]byte{0x04}, rawKey...)
	}
	pub, err := btcec.ParsePubKey(rawKey)
	if err != nil {
		return false
	}

	rawSig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, ok := parseSecp256k1Signature(rawSig)
	if !ok {
		return false
	}

	digest := sha256.Sum256([]byte(payload))
	return sig.Verify(digest[:], pub)
}

func parseSecp256k1Signature(raw []byte) (*ecdsa.Signature, bool) {
	if len(raw) != 64 {
		sig, err := ecdsa.ParseDERSignature(raw)
		if err != nil {
			return nil, false
		}
		return sig, true
	}
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return nil, false
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() {
		return nil, false
	}
	return ecdsa.NewSignature(&r, &s), true
}

// Secp256k1Signer signs payloads with a single secp256k1 key and emits DER
// signatures with compressed public keys.
type Secp256k1Signer struct {
	key *btcec.PrivateKey
}

// NewSecp256k1Signer generates a new random key.
func NewSecp256k1Signer() (*Secp256k1Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return &Secp256k1Signer{key: key}, nil
}

// NewSecp256k1SignerFromBase64 loads a base64-encoded 32-byte private key.
func NewSecp256k1SignerFromBase64(privateKey string) (*Secp256k1Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 private key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid secp256k1 private key: want %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("invalid secp256k1 private key: scalar out of range")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return &Secp256k1Signer{key: key}, nil
}

func (s *Secp256k1Signer) Sign(payload string) (string, string, error) {
	digest := sha256.Sum256([]byte(payload))
	sig := ecdsa.Sign(s.key, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize()), s.PublicKey(), nil
}

// PublicKey returns the base64 compressed public key.
func (s *Secp256k1Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.key.PubKey().SerializeCompressed())
}

// PrivateKey returns the base64 32-byte private key, for keygen output.
func (s *Secp256k1Signer) PrivateKey() string {
	return base64.StdEncoding.EncodeToString(s.key.Serialize())
}
