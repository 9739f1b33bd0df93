// Package trade implements the trade executor: the single admission path
// for buys and early-exit refunds. It validates intent, quotes through
// the LMSR engine, and mutates the market under the registry's commit
// discipline, so every accepted trade is persisted and broadcast before
// the caller's request returns.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lmsr-exchange/internal/lmsr"
	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

// Intent is a validated-at-the-edge request to buy outcome shares.
// Amount is the budget in micro-units; the executor inverts the LMSR
// cost function and charges at most Amount, with at most one micro-unit
// of unspent dust. MaxSlippage zero means the configured default.
type Intent struct {
	MarketID    string
	User        string
	Outcome     types.Outcome
	Amount      types.Micro
	MaxSlippage float64
}

// Executor admits trades and refunds against the registry.
type Executor struct {
	reg         *market.Registry
	bus         market.Broadcaster
	maxSlippage float64
	logger      *slog.Logger
}

// NewExecutor creates an executor. maxSlippage <= 0 selects the LMSR
// default (0.05). bus may be nil.
func NewExecutor(reg *market.Registry, bus market.Broadcaster, maxSlippage float64, logger *slog.Logger) *Executor {
	if maxSlippage <= 0 {
		maxSlippage = lmsr.DefaultMaxSlippage
	}
	return &Executor{
		reg:         reg,
		bus:         bus,
		maxSlippage: maxSlippage,
		logger:      logger.With("component", "executor"),
	}
}

// Execute admits one buy intent. The full contract:
// market exists and is ACTIVE, outcome is YES or NO, amount is positive,
// LMSR slippage within bounds; on success the AMM shares, total volume,
// position, and trade log advance in one commit.
func (e *Executor) Execute(ctx context.Context, intent Intent) (types.Trade, error) {
	if !intent.Outcome.Valid() {
		return types.Trade{}, fmt.Errorf("%w: %q", market.ErrInvalidOutcome, intent.Outcome)
	}
	if intent.Amount <= 0 {
		return types.Trade{}, fmt.Errorf("%w: %s", market.ErrInvalidAmount, intent.Amount)
	}
	maxSlippage := intent.MaxSlippage
	if maxSlippage <= 0 {
		maxSlippage = e.maxSlippage
	}

	var executed types.Trade
	committed, err := e.reg.Update(intent.MarketID, func(m *types.Market) error {
		if m.Status != types.StatusActive {
			return fmt.Errorf("%w: market %s is %s", market.ErrMarketNotTradable, m.ID, m.Status)
		}

		quote, err := lmsr.QuoteBuy(m.AMM, intent.Outcome, intent.Amount)
		if err != nil {
			return err
		}
		if quote.Shares <= 0 {
			return fmt.Errorf("%w: %s buys no shares", market.ErrInvalidAmount, intent.Amount)
		}
		if quote.Slippage > maxSlippage {
			return fmt.Errorf("%w: %.6f > %.6f", market.ErrSlippageExceeded, quote.Slippage, maxSlippage)
		}

		m.AMM.AddShares(intent.Outcome, quote.Shares)
		m.TotalVolume += quote.Cost
		if quote.Degenerate {
			m.Degenerate = true
		}

		key := types.PositionKey{User: intent.User, Outcome: intent.Outcome}
		pos := m.Positions[key]
		pos.Shares += quote.Shares
		pos.TotalCost += quote.Cost
		m.Positions[key] = pos

		executed = types.Trade{
			ID:         uuid.NewString(),
			MarketID:   m.ID,
			User:       intent.User,
			Outcome:    intent.Outcome,
			Amount:     quote.Cost,
			Shares:     quote.Shares,
			PriceAfter: quote.PriceAfter,
			Timestamp:  time.Now().UTC(),
		}
		m.Trades = append(m.Trades, executed)
		return nil
	}, func(*types.Market) { e.publishTrade(executed) })
	if err != nil {
		return types.Trade{}, err
	}

	e.logger.Info("trade executed",
		"market", committed.ID,
		"user", intent.User,
		"outcome", intent.Outcome,
		"cost", executed.Amount,
		"shares", executed.Shares,
		"price_after", executed.PriceAfter,
	)
	return executed, nil
}

// refundDivisor sets the early-exit refund at a quarter of cost; the
// remaining three quarters stay in the pool as the exit penalty.
const refundDivisor = 4

// Refund is the early exit: while the market is still ACTIVE, a position
// holder gives their shares back to the AMM and receives a quarter of
// their total cost. The pool keeps the full original amount — volume is
// unchanged — so remaining participants benefit from the retained funds,
// and the returned shares push the price back toward its prior level.
func (e *Executor) Refund(ctx context.Context, marketID, user string, outcome types.Outcome) (types.Trade, error) {
	if !outcome.Valid() {
		return types.Trade{}, fmt.Errorf("%w: %q", market.ErrInvalidOutcome, outcome)
	}

	var executed types.Trade
	_, err := e.reg.Update(marketID, func(m *types.Market) error {
		if m.Status != types.StatusActive {
			return fmt.Errorf("%w: market %s is %s", market.ErrMarketNotTradable, m.ID, m.Status)
		}
		key := types.PositionKey{User: user, Outcome: outcome}
		pos, ok := m.Positions[key]
		if !ok {
			return fmt.Errorf("%w: %s holds no %s position", market.ErrInsufficientPosition, user, outcome)
		}

		refund := pos.TotalCost / refundDivisor
		m.AMM.AddShares(outcome, -pos.Shares)
		delete(m.Positions, key)

		executed = types.Trade{
			ID:         uuid.NewString(),
			MarketID:   m.ID,
			User:       user,
			Outcome:    outcome,
			Amount:     -refund,
			Shares:     -pos.Shares,
			PriceAfter: lmsr.Price(m.AMM, outcome),
			Timestamp:  time.Now().UTC(),
		}
		m.Trades = append(m.Trades, executed)
		return nil
	}, func(*types.Market) { e.publishTrade(executed) })
	if err != nil {
		return types.Trade{}, err
	}

	e.logger.Info("position refunded",
		"market", marketID,
		"user", user,
		"outcome", outcome,
		"refund", -executed.Amount,
		"shares_returned", -executed.Shares,
	)
	return executed, nil
}

func (e *Executor) publishTrade(t types.Trade) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.Event{
		Type:      types.EventTrade,
		Timestamp: time.Now().UTC(),
		MarketID:  t.MarketID,
		Data:      t,
	})
}
