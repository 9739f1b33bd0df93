package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lmsr-exchange/internal/lmsr"
	"lmsr-exchange/pkg/types"
)

// Lifecycle drives markets through ACTIVE → FROZEN → RESOLVED → SETTLED,
// plus cancellation. Each transition is one registry commit; the DAG is
// re-validated inside the mutation, so a caller that raced another
// transition gets ErrIllegalTransition rather than a silent overwrite.
//
// Authorization for these operations lives with the caller (engine or
// resolution loop); the controller enforces only lifecycle preconditions.
type Lifecycle struct {
	reg    *Registry
	logger *slog.Logger
}

// NewLifecycle creates a lifecycle controller over the registry.
func NewLifecycle(reg *Registry, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{reg: reg, logger: logger.With("component", "lifecycle")}
}

// Freeze moves an ACTIVE market to FROZEN. Trading stops; the market
// waits for an oracle outcome. authority is recorded for audit.
func (l *Lifecycle) Freeze(ctx context.Context, id, authority string) error {
	_, err := l.reg.Update(id, func(m *types.Market) error {
		if m.Status != types.StatusActive {
			return fmt.Errorf("%w: freeze from %s", ErrIllegalTransition, m.Status)
		}
		m.Status = types.StatusFrozen
		if m.ResolutionMeta == nil {
			m.ResolutionMeta = make(map[string]string)
		}
		m.ResolutionMeta["frozen_by"] = authority
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("market frozen", "market", id, "authority", authority)
	return nil
}

// Resolve moves a FROZEN market to RESOLVED with the given winning
// outcome. Proof verification happens before this call; meta carries the
// already-verified proof's audit fields.
func (l *Lifecycle) Resolve(ctx context.Context, id string, outcome types.Outcome, meta map[string]string) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	_, err := l.reg.Update(id, func(m *types.Market) error {
		switch m.Status {
		case types.StatusFrozen:
		case types.StatusResolved, types.StatusSettled:
			return fmt.Errorf("%w: %s", ErrMarketAlreadyResolved, id)
		default:
			return fmt.Errorf("%w: resolve from %s", ErrIllegalTransition, m.Status)
		}
		now := time.Now().UTC()
		w := outcome
		m.Status = types.StatusResolved
		m.WinningOutcome = &w
		m.ResolvedAt = &now
		if m.ResolutionMeta == nil {
			m.ResolutionMeta = make(map[string]string)
		}
		for k, v := range meta {
			m.ResolutionMeta[k] = v
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("market resolved", "market", id, "outcome", outcome)
	return nil
}

// ForceResolve is the admin escape hatch for a market stuck in FROZEN:
// it resolves without an oracle proof, recording the admin identity and
// reason in the resolution metadata.
func (l *Lifecycle) ForceResolve(ctx context.Context, id string, outcome types.Outcome, admin, reason string) error {
	return l.Resolve(ctx, id, outcome, map[string]string{
		"forced_by":     admin,
		"forced_reason": reason,
		"forced_at":     time.Now().UTC().Format(time.RFC3339),
	})
}

// Settle moves a RESOLVED market to SETTLED. Called by the settlement
// coordinator once the signature quorum is complete; the registry
// releases the creator's locked liquidity in the same commit.
func (l *Lifecycle) Settle(ctx context.Context, id string) error {
	_, err := l.reg.Update(id, func(m *types.Market) error {
		if m.Status != types.StatusResolved {
			return fmt.Errorf("%w: settle from %s", ErrIllegalTransition, m.Status)
		}
		now := time.Now().UTC()
		m.Status = types.StatusSettled
		m.SettledAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("market settled", "market", id)
	return nil
}

// Cancel terminates an ACTIVE or FROZEN market. Every position is
// refunded at full cost: a refund trade record is appended per position,
// the refunded amounts leave total_volume, shares return to the AMM, and
// the position set is cleared. The creator's locked liquidity is released
// by the registry on commit.
func (l *Lifecycle) Cancel(ctx context.Context, id, reason string) error {
	_, err := l.reg.Update(id, func(m *types.Market) error {
		if m.Status != types.StatusActive && m.Status != types.StatusFrozen {
			return fmt.Errorf("%w: cancel from %s", ErrIllegalTransition, m.Status)
		}
		now := time.Now().UTC()
		for _, user := range m.Participants() {
			for _, outcome := range []types.Outcome{types.YES, types.NO} {
				key := types.PositionKey{User: user, Outcome: outcome}
				p, ok := m.Positions[key]
				if !ok {
					continue
				}
				m.AMM.AddShares(outcome, -p.Shares)
				m.Trades = append(m.Trades, types.Trade{
					ID:         uuid.NewString(),
					MarketID:   m.ID,
					User:       user,
					Outcome:    outcome,
					Amount:     -p.TotalCost,
					Shares:     -p.Shares,
					PriceAfter: lmsr.Price(m.AMM, outcome),
					Timestamp:  now,
				})
				m.TotalVolume -= p.TotalCost
				delete(m.Positions, key)
			}
		}
		m.Status = types.StatusCancelled
		if m.ResolutionMeta == nil {
			m.ResolutionMeta = make(map[string]string)
		}
		m.ResolutionMeta["cancel_reason"] = reason
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("market cancelled", "market", id, "reason", reason)
	return nil
}
