package trade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"lmsr-exchange/internal/lmsr"
	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

// TestRandomTradeSequenceInvariants drives one market through a long
// seeded sequence of buys and early exits, checking the aggregate
// invariants after every committed step, then resolves and reconciles
// payouts against the pool.
func TestRandomTradeSequenceInvariants(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 5_000_000_000)
	ctx := context.Background()

	users := []string{"alice", "bob", "carol", "dave", "erin"}
	outcomes := []types.Outcome{types.YES, types.NO}
	var prevVolume types.Micro

	for step := 0; step < 400; step++ {
		user := users[rng.Intn(len(users))]
		outcome := outcomes[rng.Intn(len(outcomes))]

		if rng.Intn(4) == 0 {
			_, err := ex.Refund(ctx, "m1", user, outcome)
			if err != nil && !errors.Is(err, market.ErrInsufficientPosition) {
				t.Fatalf("step %d: Refund: %v", step, err)
			}
		} else {
			_, err := ex.Execute(ctx, Intent{
				MarketID:    "m1",
				User:        user,
				Outcome:     outcome,
				Amount:      types.Micro(1_000 + rng.Int63n(50_000_000)),
				MaxSlippage: 0.99,
			})
			if err != nil && !errors.Is(err, market.ErrInvalidAmount) {
				t.Fatalf("step %d: Execute: %v", step, err)
			}
		}

		m, err := reg.Get("m1")
		if err != nil {
			t.Fatalf("step %d: Get: %v", step, err)
		}
		if m.AMM.YesShares < 0 || m.AMM.NoShares < 0 {
			t.Fatalf("step %d: negative outstanding shares %+v", step, m.AMM)
		}
		if m.TotalVolume < prevVolume {
			t.Fatalf("step %d: volume shrank %d → %d", step, prevVolume, m.TotalVolume)
		}
		prevVolume = m.TotalVolume
		for k, p := range m.Positions {
			if p.Shares <= 0 || p.TotalCost < 0 {
				t.Fatalf("step %d: bad position %s/%s: %+v", step, k.User, k.Outcome, p)
			}
		}
		sum := lmsr.Price(m.AMM, types.YES) + lmsr.Price(m.AMM, types.NO)
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("step %d: price sum = %v", step, sum)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := market.NewLifecycle(reg, logger)
	if err := lc.Freeze(ctx, "m1", "test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := lc.Resolve(ctx, "m1", types.YES, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	m, _ := reg.Get("m1")
	payouts, err := market.ComputePayouts(m)
	if err != nil {
		t.Fatalf("ComputePayouts: %v", err)
	}
	var paid types.Micro
	for _, p := range payouts {
		if p.Amount < 0 {
			t.Fatalf("negative payout %+v", p)
		}
		paid += p.Amount
	}
	if paid > m.TotalVolume {
		t.Fatalf("payouts %d exceed pool %d", paid, m.TotalVolume)
	}
}
