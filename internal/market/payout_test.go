package market

import (
	"errors"
	"testing"

	"lmsr-exchange/pkg/types"
)

func resolvedMarket(winner types.Outcome, volume types.Micro, positions map[types.PositionKey]types.Position) *types.Market {
	m := activeMarket("m1")
	m.Status = types.StatusResolved
	m.WinningOutcome = &winner
	m.TotalVolume = volume
	m.Positions = positions
	return m
}

func TestComputePayoutsProRataFloor(t *testing.T) {
	t.Parallel()
	m := resolvedMarket(types.YES, 1001, map[types.PositionKey]types.Position{
		{User: "alice", Outcome: types.YES}: {Shares: 600, TotalCost: 500},
		{User: "bob", Outcome: types.YES}:   {Shares: 400, TotalCost: 400},
		{User: "carol", Outcome: types.NO}:  {Shares: 300, TotalCost: 101},
	})

	payouts, err := ComputePayouts(m)
	if err != nil {
		t.Fatalf("ComputePayouts: %v", err)
	}
	// 1001 split 600:400 with floor division. Losing side omitted.
	want := []Payout{
		{User: "alice", Amount: 600},
		{User: "bob", Amount: 400},
	}
	if len(payouts) != len(want) {
		t.Fatalf("payouts = %v, want %v", payouts, want)
	}
	var total types.Micro
	for i, p := range payouts {
		if p != want[i] {
			t.Errorf("payout[%d] = %v, want %v", i, p, want[i])
		}
		total += p.Amount
	}
	if total > m.TotalVolume {
		t.Errorf("paid %d exceeds pool %d", total, m.TotalVolume)
	}
	if residue := m.TotalVolume - total; residue >= types.Micro(len(payouts)) {
		t.Errorf("residue %d, want < %d", residue, len(payouts))
	}
}

func TestComputePayoutsRefundWhenNoWinners(t *testing.T) {
	t.Parallel()
	m := resolvedMarket(types.YES, 150, map[types.PositionKey]types.Position{
		{User: "alice", Outcome: types.NO}: {Shares: 600, TotalCost: 100},
		{User: "bob", Outcome: types.NO}:   {Shares: 400, TotalCost: 50},
	})

	payouts, err := ComputePayouts(m)
	if err != nil {
		t.Fatalf("ComputePayouts: %v", err)
	}
	want := []Payout{
		{User: "alice", Amount: 100},
		{User: "bob", Amount: 50},
	}
	if len(payouts) != len(want) {
		t.Fatalf("payouts = %v, want %v", payouts, want)
	}
	for i, p := range payouts {
		if p != want[i] {
			t.Errorf("payout[%d] = %v, want %v", i, p, want[i])
		}
	}
}

func TestComputePayoutsMergesBothSides(t *testing.T) {
	t.Parallel()
	// A winner who also held the losing side is paid only on winning
	// shares; refunds in the degenerate case merge both sides per user.
	m := resolvedMarket(types.NO, 1000, map[types.PositionKey]types.Position{
		{User: "alice", Outcome: types.YES}: {Shares: 500, TotalCost: 300},
		{User: "alice", Outcome: types.NO}:  {Shares: 250, TotalCost: 200},
		{User: "bob", Outcome: types.NO}:    {Shares: 750, TotalCost: 500},
	})

	payouts, err := ComputePayouts(m)
	if err != nil {
		t.Fatalf("ComputePayouts: %v", err)
	}
	want := []Payout{
		{User: "alice", Amount: 250},
		{User: "bob", Amount: 750},
	}
	if len(payouts) != len(want) {
		t.Fatalf("payouts = %v, want %v", payouts, want)
	}
	for i, p := range payouts {
		if p != want[i] {
			t.Errorf("payout[%d] = %v, want %v", i, p, want[i])
		}
	}
}

func TestComputePayoutsUnresolved(t *testing.T) {
	t.Parallel()
	m := activeMarket("m1")
	if _, err := ComputePayouts(m); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestComputePayoutsLargeProduct(t *testing.T) {
	t.Parallel()
	// shares·volume overflows int64; mulDiv must route through big.Int.
	const shares = types.Micro(5_000_000_000_000)
	const volume = types.Micro(9_000_000_000_000)
	m := resolvedMarket(types.YES, volume, map[types.PositionKey]types.Position{
		{User: "whale", Outcome: types.YES}: {Shares: shares, TotalCost: volume},
	})

	payouts, err := ComputePayouts(m)
	if err != nil {
		t.Fatalf("ComputePayouts: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Amount != volume {
		t.Fatalf("payouts = %v, want sole winner paid %d", payouts, volume)
	}
}

func TestUserWinnings(t *testing.T) {
	t.Parallel()
	m := resolvedMarket(types.YES, 1000, map[types.PositionKey]types.Position{
		{User: "alice", Outcome: types.YES}: {Shares: 100, TotalCost: 60},
		{User: "bob", Outcome: types.NO}:    {Shares: 50, TotalCost: 40},
	})

	if got, err := UserWinnings(m, "alice"); err != nil || got != 1000 {
		t.Errorf("alice winnings = %d, %v; want 1000", got, err)
	}
	if got, err := UserWinnings(m, "bob"); err != nil || got != 0 {
		t.Errorf("bob winnings = %d, %v; want 0", got, err)
	}
	if got, err := UserWinnings(m, "nobody"); err != nil || got != 0 {
		t.Errorf("stranger winnings = %d, %v; want 0", got, err)
	}
}
