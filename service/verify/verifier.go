package verify

import (
	"errors"
	"fmt"
	"log/slog"
)

// Verifier checks a signature over a transaction payload.
// Implementations must be side-effect free and must report malformed
// signatures or keys as invalid rather than failing.
type Verifier interface {
	Verify(payload, signature, publicKey string) bool
}

// Signer produces a signature over a payload along with the encoded public
// key a matching Verifier expects.
type Signer interface {
	Sign(payload string) (signature string, publicKey string, err error)
}

// Verifier kinds accepted by New.
const (
	KindAcceptAll = "accept-all"
	KindNone      = "none"
	KindEd25519   = "ed25519"
	KindP256      = "p256"
	KindSecp256k1 = "secp256k1"
)

// ErrUnknownVerifier is returned for an unrecognized verifier kind.
var ErrUnknownVerifier = errors.New("unknown verifier")

// Kinds lists the verifier kinds in the order they are documented.
func Kinds() []string {
	return []string{KindAcceptAll, KindEd25519, KindP256, KindSecp256k1}
}

// New returns the verifier for kind, wrapped with Safe.
func New(kind string) (Verifier, error) {
	switch kind {
	case KindAcceptAll, KindNone, "":
		return Safe(AcceptAll{}, nil), nil
	case KindEd25519:
		return Safe(Ed25519{}, nil), nil
	case KindP256:
		return Safe(P256{}, nil), nil
	case KindSecp256k1:
		return Safe(Secp256k1{}, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerifier, kind)
	}
}

// NewSigner returns a freshly keyed signer for kind. The accept-all kind has
// no signer and returns nil without error.
func NewSigner(kind string) (Signer, error) {
	switch kind {
	case KindAcceptAll, KindNone, "":
		return nil, nil
	case KindEd25519:
		return NewEd25519Signer()
	case KindP256:
		return NewP256Signer()
	case KindSecp256k1:
		return NewSecp256k1Signer()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerifier, kind)
	}
}

// NewSignerFromKey loads a signer for kind from a private key in the encoding
// keygen prints: base58 for ed25519, hex for p256 and base64 for secp256k1.
func NewSignerFromKey(kind, privateKey string) (Signer, error) {
	switch kind {
	case KindEd25519:
		return NewEd25519SignerFromBase58(privateKey)
	case KindP256:
		return NewP256SignerFromHex(privateKey)
	case KindSecp256k1:
		return NewSecp256k1SignerFromBase64(privateKey)
	case KindAcceptAll, KindNone, "":
		return nil, fmt.Errorf("%q does not use keys", kind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerifier, kind)
	}
}

// AcceptAll approves every transaction. It stands in for signature checking
// in throughput runs.
type AcceptAll struct{}

func (AcceptAll) Verify(payload, signature, publicKey string) bool { return true }

// Safe wraps a verifier so that a panic inside it is reported as an invalid
// signature. A nil logger disables the panic log line.
func Safe(v Verifier, logger *slog.Logger) Verifier {
	if s, ok := v.(safeVerifier); ok {
		return s
	}
	return safeVerifier{inner: v, logger: logger}
}

type safeVerifier struct {
	inner  Verifier
	logger *slog.Logger
}

func (s safeVerifier) Verify(payload, signature, publicKey string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Warn("verifier panicked", "panic", r)
			}
			ok = false
		}
	}()
	return s.inner.Verify(payload, signature, publicKey)
}
