// Package oracle defines the outcome-oracle port consumed by the
// resolution engine, plus the proof primitives shared by every adapter.
//
// A Proof is an independently verifiable attestation of a market's
// outcome: the oracle signs the keccak256 digest of (market id, outcome,
// attestation time) with its well-known key, and the core accepts the
// proof only if the signature recovers to the configured oracle address.
package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lmsr-exchange/pkg/types"
)

// Resolution failures. Both are retryable: the resolution loop logs and
// leaves the market in its current state.
var (
	ErrUnavailable  = errors.New("oracle unavailable")
	ErrProofInvalid = errors.New("oracle proof invalid")
)

// Proof is an oracle attestation of a market's outcome. Signature is a
// 65-byte recoverable ECDSA signature over Digest(); Metadata carries
// adapter-specific audit fields the core treats opaquely.
type Proof struct {
	MarketID  string            `json:"market_id"`
	Outcome   types.Outcome     `json:"outcome"`
	Timestamp time.Time         `json:"timestamp"`
	Signature []byte            `json:"signature"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Status is the oracle health report.
type Status struct {
	Healthy    bool      `json:"healthy"`
	LastUpdate time.Time `json:"last_update"`
	Kind       string    `json:"kind"`
}

// Oracle is the port the resolution engine consumes. All blocking
// operations accept a context; the caller applies the per-call timeout.
type Oracle interface {
	// ShouldFreeze reports whether the market past its end time is ready
	// to stop trading.
	ShouldFreeze(ctx context.Context, marketID string, endTime time.Time) (bool, error)

	// FetchOutcome produces a signed proof of the market's outcome.
	FetchOutcome(ctx context.Context, marketID, question string) (Proof, error)

	// VerifyProof checks a proof's signature against the oracle identity.
	VerifyProof(p Proof) bool

	// Status reports health for monitoring.
	Status() Status

	// Identity names the oracle for audit records (its signer address).
	Identity() string
}

// Digest returns the canonical keccak256 digest an oracle signs for a
// proof: market id bytes, outcome bytes, and the attestation time as a
// big-endian unix-seconds word. Fixed framing keeps independently
// computed digests identical.
func Digest(marketID string, outcome types.Outcome, ts time.Time) []byte {
	var sec [8]byte
	binary.BigEndian.PutUint64(sec[:], uint64(ts.Unix()))
	return crypto.Keccak256([]byte(marketID), []byte(outcome), sec[:])
}

// RecoverSigner recovers the address that signed a proof's digest.
// Accepts both V ∈ {0,1} and V ∈ {27,28} encodings.
func RecoverSigner(p Proof) (common.Address, error) {
	if len(p.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrProofInvalid
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, p.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(p.MarketID, p.Outcome, p.Timestamp), sig)
	if err != nil {
		return common.Address{}, ErrProofInvalid
	}
	return crypto.PubkeyToAddress(*pub), nil
}
