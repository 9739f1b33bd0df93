package trade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

type memStore struct {
	snap *types.Snapshot
}

func (s *memStore) Load() (*types.Snapshot, error) {
	if s.snap == nil {
		return &types.Snapshot{LockedLiquidity: map[string]types.Micro{}}, nil
	}
	return s.snap, nil
}

func (s *memStore) Save(snap *types.Snapshot) error {
	s.snap = snap
	return nil
}

type recordBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *recordBus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordBus) all() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Event(nil), b.events...)
}

func newTestExecutor(t *testing.T) (*Executor, *market.Registry, *recordBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := market.NewRegistry(&memStore{}, nil, logger)
	bus := &recordBus{}
	return NewExecutor(reg, bus, 0, logger), reg, bus
}

func addActiveMarket(t *testing.T, reg *market.Registry, id string, b types.Micro) {
	t.Helper()
	now := time.Now().UTC()
	m := &types.Market{
		ID:        id,
		Question:  "Will the feature ship in August?",
		Creator:   "0x00000000000000000000000000000000000000aa",
		CreatedAt: now,
		EndTime:   now.Add(24 * time.Hour),
		Status:    types.StatusActive,
		AMM:       types.AMM{B: b},
		Positions: map[types.PositionKey]types.Position{},
	}
	if err := reg.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestExecuteBuy(t *testing.T) {
	t.Parallel()
	ex, reg, bus := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)

	tr, err := ex.Execute(context.Background(), Intent{
		MarketID: "m1",
		User:     "alice",
		Outcome:  types.YES,
		Amount:   100_000_000,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tr.Shares <= 0 {
		t.Fatalf("shares = %d, want > 0", tr.Shares)
	}
	if tr.Amount <= 0 || tr.Amount > 100_000_000 {
		t.Errorf("cost = %d, want in (0, budget]", tr.Amount)
	}
	if tr.PriceAfter <= 0.5 || tr.PriceAfter >= 1 {
		t.Errorf("price after buy = %f, want in (0.5, 1)", tr.PriceAfter)
	}

	m, err := reg.Get("m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.AMM.YesShares != tr.Shares {
		t.Errorf("AMM YES shares = %d, want %d", m.AMM.YesShares, tr.Shares)
	}
	if m.TotalVolume != tr.Amount {
		t.Errorf("volume = %d, want %d", m.TotalVolume, tr.Amount)
	}
	pos, ok := m.Position("alice", types.YES)
	if !ok {
		t.Fatal("position not recorded")
	}
	if pos.Shares != tr.Shares || pos.TotalCost != tr.Amount {
		t.Errorf("position = %+v, want shares %d cost %d", pos, tr.Shares, tr.Amount)
	}
	if len(m.Trades) != 1 || m.Trades[0].ID != tr.ID {
		t.Errorf("trade log = %v, want exactly the executed trade", m.Trades)
	}
	if len(bus.events) != 1 || bus.events[0].Type != types.EventTrade {
		t.Errorf("events = %v, want one trade event", bus.events)
	}
}

func TestExecuteAccumulatesPosition(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 10_000_000_000)

	intent := Intent{MarketID: "m1", User: "alice", Outcome: types.NO, Amount: 50_000_000}
	first, err := ex.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := ex.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	m, _ := reg.Get("m1")
	pos, ok := m.Position("alice", types.NO)
	if !ok {
		t.Fatal("position not recorded")
	}
	if pos.Shares != first.Shares+second.Shares {
		t.Errorf("position shares = %d, want %d", pos.Shares, first.Shares+second.Shares)
	}
	if pos.TotalCost != first.Amount+second.Amount {
		t.Errorf("position cost = %d, want %d", pos.TotalCost, first.Amount+second.Amount)
	}
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)
	ctx := context.Background()

	if _, err := ex.Execute(ctx, Intent{MarketID: "m1", User: "a", Outcome: "MAYBE", Amount: 1000}); !errors.Is(err, market.ErrInvalidOutcome) {
		t.Errorf("bad outcome: err = %v", err)
	}
	if _, err := ex.Execute(ctx, Intent{MarketID: "m1", User: "a", Outcome: types.YES, Amount: 0}); !errors.Is(err, market.ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v", err)
	}
	if _, err := ex.Execute(ctx, Intent{MarketID: "m1", User: "a", Outcome: types.YES, Amount: -5}); !errors.Is(err, market.ErrInvalidAmount) {
		t.Errorf("negative amount: err = %v", err)
	}
	if _, err := ex.Execute(ctx, Intent{MarketID: "nope", User: "a", Outcome: types.YES, Amount: 1000}); !errors.Is(err, market.ErrMarketNotFound) {
		t.Errorf("unknown market: err = %v", err)
	}
}

func TestExecuteRejectsNonActive(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)

	lc := market.NewLifecycle(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := lc.Freeze(context.Background(), "m1", "test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	_, err := ex.Execute(context.Background(), Intent{MarketID: "m1", User: "a", Outcome: types.YES, Amount: 1000})
	if !errors.Is(err, market.ErrMarketNotTradable) {
		t.Errorf("err = %v, want ErrMarketNotTradable", err)
	}
}

func TestExecuteSlippageBound(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	// Small b makes a large buy move the price far past any tight bound.
	addActiveMarket(t, reg, "m1", 1_000_000)

	_, err := ex.Execute(context.Background(), Intent{
		MarketID:    "m1",
		User:        "alice",
		Outcome:     types.YES,
		Amount:      10_000_000,
		MaxSlippage: 0.01,
	})
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}

	// Rejected trades must not leak into market state.
	m, _ := reg.Get("m1")
	if m.TotalVolume != 0 || m.AMM.YesShares != 0 || len(m.Trades) != 0 {
		t.Errorf("rejected trade mutated market: %+v", m)
	}
}

func TestExecuteDustBudget(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)

	// A zero-micro budget after inversion buys nothing.
	_, err := ex.Execute(context.Background(), Intent{MarketID: "m1", User: "a", Outcome: types.YES, Amount: 1})
	if err != nil && !errors.Is(err, market.ErrInvalidAmount) {
		t.Errorf("dust budget: err = %v, want nil or ErrInvalidAmount", err)
	}
}

func TestRefundQuarter(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)

	bought, err := ex.Execute(context.Background(), Intent{
		MarketID: "m1",
		User:     "alice",
		Outcome:  types.YES,
		Amount:   100_000_000,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	refund, err := ex.Refund(context.Background(), "m1", "alice", types.YES)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.Amount != -bought.Amount/4 {
		t.Errorf("refund amount = %d, want %d", refund.Amount, -bought.Amount/4)
	}
	if refund.Shares != -bought.Shares {
		t.Errorf("refund shares = %d, want %d", refund.Shares, -bought.Shares)
	}

	m, _ := reg.Get("m1")
	if m.AMM.YesShares != 0 {
		t.Errorf("AMM shares after refund = %d, want 0", m.AMM.YesShares)
	}
	// The pool keeps the full cost: volume is unchanged by an early exit.
	if m.TotalVolume != bought.Amount {
		t.Errorf("volume after refund = %d, want %d", m.TotalVolume, bought.Amount)
	}
	if pos, ok := m.Position("alice", types.YES); ok {
		t.Errorf("position remains after refund: %+v", pos)
	}
	if len(m.Trades) != 2 {
		t.Errorf("trade log length = %d, want 2", len(m.Trades))
	}
}

func TestConcurrentBuysBroadcastInCommitOrder(t *testing.T) {
	t.Parallel()
	ex, reg, bus := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 50_000_000_000)

	users := []string{"alice", "bob", "carol", "dave"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ex.Execute(context.Background(), Intent{
				MarketID: "m1",
				User:     users[i%len(users)],
				Outcome:  types.YES,
				Amount:   10_000_000,
			})
			if err != nil {
				t.Errorf("Execute: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// The event stream must replay the trade log: same trades, same order.
	m, err := reg.Get("m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var published []string
	for _, ev := range bus.all() {
		if ev.Type != types.EventTrade {
			continue
		}
		tr, ok := ev.Data.(types.Trade)
		if !ok {
			t.Fatalf("trade event data = %T", ev.Data)
		}
		published = append(published, tr.ID)
	}
	if len(published) != len(m.Trades) {
		t.Fatalf("published %d trade events, committed %d trades", len(published), len(m.Trades))
	}
	for i, tr := range m.Trades {
		if published[i] != tr.ID {
			t.Fatalf("event %d is trade %s, commit order has %s", i, published[i], tr.ID)
		}
	}
}

func TestRefundWithoutPosition(t *testing.T) {
	t.Parallel()
	ex, reg, _ := newTestExecutor(t)
	addActiveMarket(t, reg, "m1", 1_000_000_000)

	_, err := ex.Refund(context.Background(), "m1", "ghost", types.NO)
	if !errors.Is(err, market.ErrInsufficientPosition) {
		t.Errorf("err = %v, want ErrInsufficientPosition", err)
	}
}
