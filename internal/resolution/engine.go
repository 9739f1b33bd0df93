// Package resolution runs the oracle-driven control loop that moves
// markets out of trading: freezing expired markets, fetching and
// verifying outcome proofs, and advancing the lifecycle.
//
// The loop is a single worker ticking at a configured interval. Every
// oracle interaction happens outside any market lock with its own
// timeout; lifecycle transitions re-validate preconditions when they
// re-enter the registry. Errors never halt the loop — a failed market is
// logged and retried on the next tick.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"lmsr-exchange/internal/market"
	"lmsr-exchange/internal/oracle"
	"lmsr-exchange/pkg/types"
)

// Config tunes the resolution loop.
//
//   - CheckInterval: how often the loop scans the registry.
//   - AutoFreeze: freeze ACTIVE markets once the oracle says they are past due.
//   - AutoResolve: fetch and apply outcome proofs for FROZEN markets.
//   - RequireManualApproval: stash verified proofs for an admin to approve
//     instead of resolving immediately.
//   - OracleTimeout: per-call deadline on oracle requests.
type Config struct {
	CheckInterval         time.Duration
	AutoFreeze            bool
	AutoResolve           bool
	RequireManualApproval bool
	OracleTimeout         time.Duration
}

// Pending is a verified proof waiting for manual approval. The market
// stays FROZEN until an admin approves or rejects it.
type Pending struct {
	MarketID  string
	Proof     oracle.Proof
	StashedAt time.Time
}

// Engine is the resolution worker.
type Engine struct {
	cfg    Config
	reg    *market.Registry
	lc     *market.Lifecycle
	orc    oracle.Oracle
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Pending
}

// NewEngine creates the resolution worker.
func NewEngine(cfg Config, reg *market.Registry, lc *market.Lifecycle, orc oracle.Oracle, logger *slog.Logger) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		lc:      lc,
		orc:     orc,
		logger:  logger.With("component", "resolution"),
		pending: make(map[string]Pending),
	}
}

// Run executes the control loop until ctx is cancelled. Cancellation is
// observed at tick boundaries.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	e.logger.Info("resolution loop started",
		"interval", e.cfg.CheckInterval,
		"auto_freeze", e.cfg.AutoFreeze,
		"auto_resolve", e.cfg.AutoResolve,
		"manual_approval", e.cfg.RequireManualApproval,
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("resolution loop stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one scan.
func (e *Engine) tick(ctx context.Context) {
	if e.cfg.AutoFreeze {
		for _, m := range e.reg.ListByStatus(types.StatusActive) {
			if err := e.maybeFreeze(ctx, m); err != nil {
				e.logger.Error("freeze attempt failed", "market", m.ID, "error", err)
			}
		}
	}
	if e.cfg.AutoResolve {
		for _, m := range e.reg.ListByStatus(types.StatusFrozen) {
			if err := e.tryResolve(ctx, m); err != nil {
				e.logger.Error("resolve attempt failed", "market", m.ID, "error", err)
			}
		}
	}
}

func (e *Engine) maybeFreeze(ctx context.Context, m *types.Market) error {
	// Without an oracle the local clock decides.
	if e.orc == nil {
		if time.Now().Before(m.EndTime) {
			return nil
		}
		return e.lc.Freeze(ctx, m.ID, "clock")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	freeze, err := e.orc.ShouldFreeze(callCtx, m.ID, m.EndTime)
	if err != nil {
		return fmt.Errorf("%w: should_freeze: %w", oracle.ErrUnavailable, err)
	}
	if !freeze {
		return nil
	}
	return e.lc.Freeze(ctx, m.ID, e.orc.Identity())
}

func (e *Engine) tryResolve(ctx context.Context, m *types.Market) error {
	e.mu.Lock()
	_, waiting := e.pending[m.ID]
	e.mu.Unlock()
	if waiting {
		return nil // already stashed for approval
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	proof, err := e.orc.FetchOutcome(callCtx, m.ID, m.Question)
	cancel()
	if err != nil {
		return err
	}
	if !e.orc.VerifyProof(proof) {
		return fmt.Errorf("%w: market %s", oracle.ErrProofInvalid, m.ID)
	}

	if e.cfg.RequireManualApproval {
		e.mu.Lock()
		e.pending[m.ID] = Pending{MarketID: m.ID, Proof: proof, StashedAt: time.Now().UTC()}
		e.mu.Unlock()
		e.logger.Info("proof stashed for approval", "market", m.ID, "outcome", proof.Outcome)
		return nil
	}

	return e.resolveWithProof(ctx, m.ID, proof)
}

func (e *Engine) resolveWithProof(ctx context.Context, marketID string, proof oracle.Proof) error {
	meta := map[string]string{
		"oracle":          e.orc.Identity(),
		"proof_time":      proof.Timestamp.Format(time.RFC3339),
		"proof_signature": fmt.Sprintf("0x%x", proof.Signature),
	}
	for k, v := range proof.Metadata {
		meta[k] = v
	}
	return e.lc.Resolve(ctx, marketID, proof.Outcome, meta)
}

// ResolveManual applies an externally supplied proof to a frozen
// market. The proof must verify against the configured oracle.
func (e *Engine) ResolveManual(ctx context.Context, marketID, admin string, proof oracle.Proof) error {
	if e.orc == nil || !e.orc.VerifyProof(proof) {
		return fmt.Errorf("%w: market %s", oracle.ErrProofInvalid, marketID)
	}
	proof.Metadata = withEntry(proof.Metadata, "resolved_by", admin)
	return e.resolveWithProof(ctx, marketID, proof)
}

// ApprovePending advances a stashed proof to resolution. The approving
// admin is recorded in the resolution metadata.
func (e *Engine) ApprovePending(ctx context.Context, marketID, admin string) error {
	e.mu.Lock()
	p, ok := e.pending[marketID]
	if ok {
		delete(e.pending, marketID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending proof for %s", market.ErrMarketNotFound, marketID)
	}

	p.Proof.Metadata = withEntry(p.Proof.Metadata, "approved_by", admin)
	if err := e.resolveWithProof(ctx, marketID, p.Proof); err != nil {
		// Restash so the approval can be retried; the proof itself was fine.
		e.mu.Lock()
		e.pending[marketID] = p
		e.mu.Unlock()
		return err
	}
	e.logger.Info("pending proof approved", "market", marketID, "admin", admin)
	return nil
}

// RejectPending discards a stashed proof, leaving the market FROZEN. The
// loop will fetch a fresh proof on a later tick.
func (e *Engine) RejectPending(ctx context.Context, marketID, admin, reason string) error {
	e.mu.Lock()
	_, ok := e.pending[marketID]
	if ok {
		delete(e.pending, marketID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending proof for %s", market.ErrMarketNotFound, marketID)
	}
	e.logger.Warn("pending proof rejected", "market", marketID, "admin", admin, "reason", reason)
	return nil
}

// Pending lists the proofs waiting for manual approval, ordered by
// market id.
func (e *Engine) Pending() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pending, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

func withEntry(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[k] = v
	return m
}
