package settlement

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

// Signature is one participant's ECDSA signature over the state hash.
type Signature struct {
	Signer    common.Address `json:"signer"`
	Signature []byte         `json:"signature"`
}

// Envelope is the completed settlement artifact handed to the external
// adjudicator: the canonical encoded state, its hash, and the full
// signature set.
type Envelope struct {
	MarketID     string      `json:"market_id"`
	StateHash    common.Hash `json:"state_hash"`
	EncodedState []byte      `json:"encoded_state"`
	Signatures   []Signature `json:"signatures"`
}

// request is an open signature-collection window.
type request struct {
	marketID  string
	stateHash common.Hash
	encoded   []byte
	required  map[common.Address]struct{}
	sigs      map[common.Address][]byte
	deadline  time.Time
	timer     *time.Timer
}

// Coordinator orchestrates signature collection for resolved markets.
// One collection window is open per market at a time; submissions for
// the same market are serialized under the coordinator lock, so only
// the set of accepted signatures matters, never their order.
type Coordinator struct {
	lc     *market.Lifecycle
	bus    market.Broadcaster
	logger *slog.Logger

	mu       sync.Mutex
	requests map[string]*request

	envelopes chan Envelope
}

// NewCoordinator builds a settlement coordinator. Completed envelopes
// are delivered on Envelopes.
func NewCoordinator(lc *market.Lifecycle, bus market.Broadcaster, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		lc:        lc,
		bus:       bus,
		logger:    logger.With("component", "settlement"),
		requests:  make(map[string]*request),
		envelopes: make(chan Envelope, 16),
	}
}

// Envelopes streams completed settlement envelopes. The channel is
// buffered; a full buffer drops the envelope with a log line rather
// than blocking completion.
func (c *Coordinator) Envelopes() <-chan Envelope {
	return c.envelopes
}

// Request builds the final state for a resolved market and opens a
// signature-collection window until the given deadline. An existing
// window for the market is replaced.
func (c *Coordinator) Request(m *types.Market, window time.Duration) (common.Hash, error) {
	fs, err := BuildFinalState(m)
	if err != nil {
		return common.Hash{}, err
	}
	hash, encoded, err := fs.Hash()
	if err != nil {
		return common.Hash{}, err
	}

	required := make(map[common.Address]struct{}, len(fs.Addresses))
	for _, a := range fs.Addresses {
		required[a] = struct{}{}
	}
	deadline := time.Now().Add(window)

	c.mu.Lock()
	if prev, ok := c.requests[m.ID]; ok {
		prev.timer.Stop()
	}
	req := &request{
		marketID:  m.ID,
		stateHash: hash,
		encoded:   encoded,
		required:  required,
		sigs:      make(map[common.Address][]byte, len(required)),
		deadline:  deadline,
	}
	req.timer = time.AfterFunc(window, func() { c.expire(m.ID, hash) })
	c.requests[m.ID] = req
	c.mu.Unlock()

	participants := make([]string, 0, len(fs.Addresses))
	for _, a := range fs.Addresses {
		participants = append(participants, a.Hex())
	}
	c.bus.Publish(types.Event{
		Type:      types.EventSignatureRequest,
		Timestamp: time.Now().UTC(),
		MarketID:  m.ID,
		Data: types.SignatureRequestEvent{
			StateHash:    hash.Hex(),
			Participants: participants,
			Deadline:     deadline,
		},
	})
	c.logger.Info("signature request opened",
		"market_id", m.ID,
		"state_hash", hash.Hex(),
		"participants", len(participants),
		"deadline", deadline)
	return hash, nil
}

// Submit records one participant's signature. The signature must be a
// 65-byte [R || S || V] ECDSA signature over the raw state hash and
// must recover to signer. Completion of the required set settles the
// market and emits the envelope.
func (c *Coordinator) Submit(ctx context.Context, marketID string, signer common.Address, sig []byte) (types.SignatureProgressEvent, error) {
	c.mu.Lock()
	req, ok := c.requests[marketID]
	if !ok {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, fmt.Errorf("%w: %s", ErrNoRequest, marketID)
	}
	if time.Now().After(req.deadline) {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, fmt.Errorf("%w: market %s", ErrSignatureDeadlineExpired, marketID)
	}
	if _, required := req.required[signer]; !required {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, fmt.Errorf("%w: %s", ErrSignerNotRequired, signer.Hex())
	}
	if _, dup := req.sigs[signer]; dup {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, fmt.Errorf("%w: %s", ErrSignerAlreadyResponded, signer.Hex())
	}

	recovered, err := recoverSigner(req.stateHash, sig)
	if err != nil {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, err
	}
	if recovered != signer {
		c.mu.Unlock()
		return types.SignatureProgressEvent{}, fmt.Errorf("%w: recovered %s, want %s",
			ErrSignatureInvalid, recovered.Hex(), signer.Hex())
	}

	req.sigs[signer] = append([]byte(nil), sig...)
	progress := req.progress()
	if !progress.Complete {
		c.mu.Unlock()
		c.publishProgress(marketID, progress)
		return progress, nil
	}

	// Quorum reached: close the window before releasing the lock so a
	// concurrent submission sees no open request.
	req.timer.Stop()
	delete(c.requests, marketID)
	env := req.envelope()
	c.mu.Unlock()

	if err := c.lc.Settle(ctx, marketID); err != nil {
		// Quorum was valid; the market stays RESOLVED and an admin can
		// reopen the window for a fresh attempt.
		c.logger.Error("settle after quorum failed", "market_id", marketID, "error", err)
		return progress, fmt.Errorf("settle market %s: %w", marketID, err)
	}

	c.publishProgress(marketID, progress)
	c.bus.Publish(types.Event{
		Type:      types.EventSettlementComplete,
		Timestamp: time.Now().UTC(),
		MarketID:  marketID,
		Data:      env,
	})
	select {
	case c.envelopes <- env:
	default:
		c.logger.Warn("envelope channel full, dropping", "market_id", marketID)
	}
	c.logger.Info("settlement complete",
		"market_id", marketID,
		"state_hash", req.stateHash.Hex(),
		"signatures", len(env.Signatures))
	return progress, nil
}

// Cancel closes an open collection window without settling. The market
// stays RESOLVED.
func (c *Coordinator) Cancel(marketID, reason string) bool {
	c.mu.Lock()
	req, ok := c.requests[marketID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	req.timer.Stop()
	delete(c.requests, marketID)
	c.mu.Unlock()

	c.publishCancel(marketID, req.stateHash, reason)
	c.logger.Info("signature request cancelled", "market_id", marketID, "reason", reason)
	return true
}

// Progress reports the state of an open collection window.
func (c *Coordinator) Progress(marketID string) (types.SignatureProgressEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[marketID]
	if !ok {
		return types.SignatureProgressEvent{}, false
	}
	return req.progress(), true
}

// expire fires on the deadline timer. The hash guard tolerates a
// window that was replaced after the timer was armed.
func (c *Coordinator) expire(marketID string, hash common.Hash) {
	c.mu.Lock()
	req, ok := c.requests[marketID]
	if !ok || req.stateHash != hash {
		c.mu.Unlock()
		return
	}
	delete(c.requests, marketID)
	c.mu.Unlock()

	c.publishCancel(marketID, hash, "deadline expired")
	c.logger.Warn("signature deadline expired",
		"market_id", marketID,
		"collected", len(req.sigs),
		"required", len(req.required))
}

func (c *Coordinator) publishProgress(marketID string, p types.SignatureProgressEvent) {
	c.bus.Publish(types.Event{
		Type:      types.EventSignatureProgress,
		Timestamp: time.Now().UTC(),
		MarketID:  marketID,
		Data:      p,
	})
}

func (c *Coordinator) publishCancel(marketID string, hash common.Hash, reason string) {
	c.bus.Publish(types.Event{
		Type:      types.EventSignatureReqCancelled,
		Timestamp: time.Now().UTC(),
		MarketID:  marketID,
		Data: types.SignatureCancelEvent{
			StateHash: hash.Hex(),
			Reason:    reason,
		},
	})
}

// progress must be called with the coordinator lock held.
func (r *request) progress() types.SignatureProgressEvent {
	signers := make([]string, 0, len(r.sigs))
	for a := range r.sigs {
		signers = append(signers, a.Hex())
	}
	sort.Strings(signers)
	return types.SignatureProgressEvent{
		StateHash: r.stateHash.Hex(),
		Collected: len(r.sigs),
		Required:  len(r.required),
		Signers:   signers,
		Complete:  len(r.sigs) == len(r.required),
	}
}

// envelope must be called with the coordinator lock held.
func (r *request) envelope() Envelope {
	sigs := make([]Signature, 0, len(r.sigs))
	for a, s := range r.sigs {
		sigs = append(sigs, Signature{Signer: a, Signature: s})
	}
	sort.Slice(sigs, func(i, j int) bool {
		return bytes.Compare(sigs[i].Signer[:], sigs[j].Signer[:]) < 0
	})
	return Envelope{
		MarketID:     r.marketID,
		StateHash:    r.stateHash,
		EncodedState: r.encoded,
		Signatures:   sigs,
	}
}

// recoverSigner recovers the address that produced a 65-byte signature
// over the raw state hash. A legacy V of 27/28 is normalized to 0/1
// before recovery.
func recoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrSignatureInvalid, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
