// http.go implements the HTTP oracle adapter: a resty client against a
// feed service that answers market questions and returns signed proofs.
//
// Expected endpoints:
//
//	GET /outcome?market=<id>&question=<q> → { outcome, timestamp, signature, metadata }
//	GET /health                           → 200 when the feed is live
//
// The adapter never decides outcomes itself; it relays the feed's signed
// attestation and lets VerifyProof hold it against the configured signer
// address.
package oracle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"lmsr-exchange/pkg/types"
)

// outcomeResponse is the feed's JSON shape for GET /outcome.
type outcomeResponse struct {
	Outcome   string            `json:"outcome"`
	Timestamp int64             `json:"timestamp"` // unix seconds
	Signature string            `json:"signature"` // 0x-prefixed hex, 65 bytes
	Metadata  map[string]string `json:"metadata"`
}

// HTTPOracle adapts a signed outcome feed to the Oracle port.
type HTTPOracle struct {
	http   *resty.Client
	signer common.Address // address proofs must recover to
	kind   string

	mu         sync.Mutex
	lastUpdate time.Time
	healthy    bool
}

// NewHTTPOracle creates the adapter. signer is the address the feed
// signs proofs with; kind is a short label for status reports.
func NewHTTPOracle(baseURL string, signer common.Address, kind string) *HTTPOracle {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPOracle{
		http:   httpClient,
		signer: signer,
		kind:   kind,
	}
}

// ShouldFreeze answers from local clock: a market is freezable once its
// end time has passed. The feed is not consulted for this decision.
func (o *HTTPOracle) ShouldFreeze(ctx context.Context, marketID string, endTime time.Time) (bool, error) {
	return !time.Now().Before(endTime), nil
}

// FetchOutcome asks the feed for the market's outcome and signed proof.
func (o *HTTPOracle) FetchOutcome(ctx context.Context, marketID, question string) (Proof, error) {
	var result outcomeResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParam("market", marketID).
		SetQueryParam("question", question).
		SetResult(&result).
		Get("/outcome")
	if err != nil {
		o.setHealth(false)
		return Proof{}, fmt.Errorf("%w: fetch outcome: %w", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		o.setHealth(false)
		return Proof{}, fmt.Errorf("%w: fetch outcome: status %d: %s", ErrUnavailable, resp.StatusCode(), resp.String())
	}

	outcome := types.Outcome(strings.ToUpper(result.Outcome))
	if !outcome.Valid() {
		o.setHealth(false)
		return Proof{}, fmt.Errorf("%w: feed returned outcome %q", ErrProofInvalid, result.Outcome)
	}
	sig := common.FromHex(result.Signature)

	o.setHealth(true)
	return Proof{
		MarketID:  marketID,
		Outcome:   outcome,
		Timestamp: time.Unix(result.Timestamp, 0).UTC(),
		Signature: sig,
		Metadata:  result.Metadata,
	}, nil
}

// VerifyProof checks that the proof's signature recovers to the
// configured feed signer.
func (o *HTTPOracle) VerifyProof(p Proof) bool {
	recovered, err := RecoverSigner(p)
	if err != nil {
		return false
	}
	return recovered == o.signer
}

// Status reports adapter health based on the last feed interaction.
func (o *HTTPOracle) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Healthy: o.healthy, LastUpdate: o.lastUpdate, Kind: o.kind}
}

// Identity returns the feed's signer address.
func (o *HTTPOracle) Identity() string {
	return o.signer.Hex()
}

func (o *HTTPOracle) setHealth(healthy bool) {
	o.mu.Lock()
	o.healthy = healthy
	o.lastUpdate = time.Now().UTC()
	o.mu.Unlock()
}
