package market

import (
	"context"
	"errors"
	"testing"

	"lmsr-exchange/pkg/types"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *Registry) {
	t.Helper()
	reg, _, _ := newTestRegistry(t)
	return NewLifecycle(reg, testLogger()), reg
}

func TestLifecycleFullFlow(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	m := activeMarket("m1")
	if err := reg.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := lc.Freeze(ctx, "m1", "oracle-clock"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	got, _ := reg.Get("m1")
	if got.Status != types.StatusFrozen {
		t.Fatalf("status after Freeze = %s", got.Status)
	}
	if got.ResolutionMeta["frozen_by"] != "oracle-clock" {
		t.Error("freeze authority not recorded")
	}

	if err := lc.Resolve(ctx, "m1", types.YES, map[string]string{"oracle": "feed"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _ = reg.Get("m1")
	if got.Status != types.StatusResolved {
		t.Fatalf("status after Resolve = %s", got.Status)
	}
	if got.WinningOutcome == nil || *got.WinningOutcome != types.YES {
		t.Error("winning outcome not recorded")
	}
	if got.ResolvedAt == nil {
		t.Error("resolved-at not recorded")
	}
	if got.ResolutionMeta["oracle"] != "feed" {
		t.Error("resolution meta not merged")
	}

	if err := lc.Settle(ctx, "m1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ = reg.Get("m1")
	if got.Status != types.StatusSettled {
		t.Fatalf("status after Settle = %s", got.Status)
	}
	if got.SettledAt == nil {
		t.Error("settled-at not recorded")
	}
	if locked := reg.LockedLiquidity(m.Creator); locked != 0 {
		t.Errorf("locked after settle = %d, want 0", locked)
	}
}

func TestResolveGuards(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	if err := reg.Add(activeMarket("m1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := lc.Resolve(ctx, "m1", types.YES, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("resolve from ACTIVE: err = %v, want ErrIllegalTransition", err)
	}
	if err := lc.Resolve(ctx, "m1", types.Outcome("MAYBE"), nil); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("resolve with bad outcome: err = %v, want ErrInvalidOutcome", err)
	}

	if err := lc.Freeze(ctx, "m1", "test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := lc.Resolve(ctx, "m1", types.NO, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := lc.Resolve(ctx, "m1", types.YES, nil); !errors.Is(err, ErrMarketAlreadyResolved) {
		t.Errorf("double resolve: err = %v, want ErrMarketAlreadyResolved", err)
	}
	if err := lc.Freeze(ctx, "m1", "test"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("freeze RESOLVED market: err = %v, want ErrIllegalTransition", err)
	}
}

func TestSettleRequiresResolved(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	if err := reg.Add(activeMarket("m1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := lc.Settle(ctx, "m1"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("settle ACTIVE market: err = %v, want ErrIllegalTransition", err)
	}
}

func TestForceResolveRecordsAudit(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	if err := reg.Add(activeMarket("m1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := lc.Freeze(ctx, "m1", "test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := lc.ForceResolve(ctx, "m1", types.NO, "0xadmin", "oracle outage"); err != nil {
		t.Fatalf("ForceResolve: %v", err)
	}

	got, _ := reg.Get("m1")
	if got.ResolutionMeta["forced_by"] != "0xadmin" {
		t.Error("forcing admin not recorded")
	}
	if got.ResolutionMeta["forced_reason"] != "oracle outage" {
		t.Error("forcing reason not recorded")
	}
	if got.ResolutionMeta["forced_at"] == "" {
		t.Error("forcing time not recorded")
	}
}

func TestCancelRefundsEveryPosition(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	m := activeMarket("m1")
	m.AMM.YesShares = 300_000
	m.AMM.NoShares = 100_000
	m.TotalVolume = 200_000
	m.Positions = map[types.PositionKey]types.Position{
		{User: "alice", Outcome: types.YES}: {Shares: 300_000, TotalCost: 150_000},
		{User: "bob", Outcome: types.NO}:    {Shares: 100_000, TotalCost: 50_000},
	}
	if err := reg.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := lc.Cancel(ctx, "m1", "listing error"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := reg.Get("m1")
	if got.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if len(got.Positions) != 0 {
		t.Errorf("positions remain after cancel: %v", got.Positions)
	}
	if got.AMM.YesShares != 0 || got.AMM.NoShares != 0 {
		t.Errorf("AMM shares remain after cancel: %+v", got.AMM)
	}
	if got.TotalVolume != 0 {
		t.Errorf("volume after full refund = %d, want 0", got.TotalVolume)
	}
	if got.ResolutionMeta["cancel_reason"] != "listing error" {
		t.Error("cancel reason not recorded")
	}
	if locked := reg.LockedLiquidity(m.Creator); locked != 0 {
		t.Errorf("locked after cancel = %d, want 0", locked)
	}

	// One refund trade per position, full cost, negative amounts.
	var refunds int
	var refunded types.Micro
	for _, tr := range got.Trades {
		if tr.Amount < 0 {
			refunds++
			refunded += -tr.Amount
		}
	}
	if refunds != 2 {
		t.Errorf("refund trades = %d, want 2", refunds)
	}
	if refunded != 200_000 {
		t.Errorf("refunded total = %d, want 200000", refunded)
	}
}

func TestCancelFromResolvedFails(t *testing.T) {
	t.Parallel()
	lc, reg := newTestLifecycle(t)
	ctx := context.Background()

	if err := reg.Add(activeMarket("m1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := lc.Freeze(ctx, "m1", "test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := lc.Resolve(ctx, "m1", types.YES, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := lc.Cancel(ctx, "m1", "too late"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel RESOLVED market: err = %v, want ErrIllegalTransition", err)
	}
}
