package verify

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// P256 verifies ECDSA P-256 signatures over SHA-256(payload). The public key
// is a hex uncompressed SEC1 point and the signature is hex r||s.
type P256 struct{}

func (P256) Verify(payload, signature, publicKey string) bool {
	rawKey, err := hex.DecodeString(publicKey)
	if err != nil {
		return false
	}
	// ecdh rejects points that are off the curve or not uncompressed.
	if _, err := ecdh.P256().NewPublicKey(rawKey); err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != 64 {
		return false
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(rawKey[1:33]),
		Y:     new(big.Int).SetBytes(rawKey[33:65]),
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256([]byte(payload))
	return ecdsa.Verify(pub, digest[:], r, s)
}

// P256Signer signs payloads with a single P-256 key.
type P256Signer struct {
	key       *ecdsa.PrivateKey
	publicKey string
}

// NewP256Signer generates a new random key.
func NewP256Signer() (*P256Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate p256 key: %w", err)
	}
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to encode p256 public key: %w", err)
	}
	return &P256Signer{key: key, publicKey: hex.EncodeToString(pub.Bytes())}, nil
}

// NewP256SignerFromHex loads a hex-encoded 32-byte private scalar.
func NewP256SignerFromHex(privateKey string) (*P256Signer, error) {
	raw, err := hex.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid p256 private key: %w", err)
	}
	// ecdh rejects scalars that are zero, out of range or the wrong length.
	ek, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid p256 private key: %w", err)
	}
	pub := ek.PublicKey().Bytes()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(raw),
	}
	return &P256Signer{key: key, publicKey: hex.EncodeToString(pub)}, nil
}

func (s *P256Signer) Sign(payload string) (string, string, error) {
	digest := sha256.Sum256([]byte(payload))
	r, ss, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", "", fmt.Errorf("failed to sign payload: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return hex.EncodeToString(sig), s.publicKey, nil
}

// PublicKey returns the hex uncompressed public key.
func (s *P256Signer) PublicKey() string {
	return s.publicKey
}

// PrivateKey returns the hex 32-byte private scalar, for keygen output.
func (s *P256Signer) PrivateKey() string {
	return hex.EncodeToString(s.key.D.FillBytes(make([]byte, 32)))
}
