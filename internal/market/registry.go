// Package market owns the Market aggregates: the registry that guards
// them, the lifecycle controller that transitions them, and the payout
// math used at resolution and settlement.
//
// The registry is the sole shared mutable structure in the core. Every
// mutation runs under a market-scoped lock and follows the same commit
// discipline: mutate a clone, check invariants, persist the full registry
// snapshot, swap the clone in, publish an update event. A mutation whose
// snapshot cannot be persisted never becomes visible.
package market

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lmsr-exchange/pkg/types"
)

// Store is the persistence port: load a snapshot at startup, save one
// atomically after every committed mutation.
type Store interface {
	Load() (*types.Snapshot, error)
	Save(*types.Snapshot) error
}

// Broadcaster is the event fan-out port. Publish must enqueue without
// blocking on slow subscribers.
type Broadcaster interface {
	Publish(types.Event)
}

// entry pairs one market with the mutex that serializes its mutations.
// The committed pointer m is swapped only while holding both entry.mu and
// the registry lock, so readers under either lock see committed state.
type entry struct {
	mu sync.Mutex
	m  *types.Market
}

// Registry owns all Market aggregates and the locked-liquidity ledger.
type Registry struct {
	mu      sync.RWMutex // guards markets map, locked map, committed pointers
	markets map[string]*entry
	locked  map[string]types.Micro // creator → liquidity committed across live markets
	store   Store
	bus     Broadcaster
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. bus may be nil (no fan-out).
func NewRegistry(store Store, bus Broadcaster, logger *slog.Logger) *Registry {
	return &Registry{
		markets: make(map[string]*entry),
		locked:  make(map[string]types.Micro),
		store:   store,
		bus:     bus,
		logger:  logger.With("component", "registry"),
	}
}

// Restore loads the persisted snapshot into the registry. Called once at
// startup, before any worker runs.
func (r *Registry) Restore() error {
	snap, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("%w: load snapshot: %w", ErrPersistenceFailure, err)
	}
	if snap == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ms := range snap.Markets {
		r.markets[ms.ID] = &entry{m: ms.Restore()}
	}
	for creator, amt := range snap.LockedLiquidity {
		r.locked[creator] = amt
	}
	r.logger.Info("registry restored", "markets", len(snap.Markets))
	return nil
}

// Add inserts a newly created market, locks the creator's liquidity, and
// commits. The market must be ACTIVE with a positive liquidity parameter.
func (r *Registry) Add(m *types.Market) error {
	if m.AMM.B <= 0 {
		return fmt.Errorf("%w: liquidity parameter must be positive", ErrInvalidAmount)
	}
	e := &entry{m: m}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.markets[m.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = e
	r.mu.Unlock()

	snap := r.buildSnapshot(m.ID, m, m.Creator, m.AMM.B)
	if err := r.store.Save(snap); err != nil {
		r.mu.Lock()
		delete(r.markets, m.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	r.mu.Lock()
	r.locked[m.Creator] += m.AMM.B
	r.mu.Unlock()

	r.publishUpdate(m)
	return nil
}

// Update applies fn to a clone of the market under its lock, checks the
// aggregate invariants, persists, and commits. On persistence failure the
// clone is discarded and the committed state is untouched. The returned
// market is the committed clone.
//
// When fn moves the market into a terminal state (SETTLED or CANCELLED),
// the creator's locked liquidity is released in the same commit.
//
// after hooks run once the commit is visible, still under the market
// lock: events they publish order with the market's commit order.
func (r *Registry) Update(id string, fn func(*types.Market) error, after ...func(*types.Market)) (*types.Market, error) {
	r.mu.RLock()
	e := r.markets[id]
	r.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.m
	clone := prev.Clone()
	if err := fn(clone); err != nil {
		return nil, err
	}
	if err := validateMutation(prev, clone); err != nil {
		return nil, err
	}

	var releaseCreator string
	var release types.Micro
	if !prev.Status.Terminal() && clone.Status.Terminal() {
		releaseCreator = clone.Creator
		release = clone.AMM.B
	}

	snap := r.buildSnapshot(id, clone, releaseCreator, -release)
	if err := r.store.Save(snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	r.mu.Lock()
	e.m = clone
	if releaseCreator != "" {
		r.locked[releaseCreator] -= release
		if r.locked[releaseCreator] <= 0 {
			delete(r.locked, releaseCreator)
		}
	}
	r.mu.Unlock()

	r.publishUpdate(clone)
	for _, hook := range after {
		hook(clone)
	}
	return clone, nil
}

// Get returns a clone of the committed market state.
func (r *Registry) Get(id string) (*types.Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.markets[id]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return e.m.Clone(), nil
}

// List returns clones of all markets matching the filter. A nil filter
// matches everything. Order is unspecified.
func (r *Registry) List(filter func(*types.Market) bool) []*types.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Market, 0, len(r.markets))
	for _, e := range r.markets {
		if filter == nil || filter(e.m) {
			out = append(out, e.m.Clone())
		}
	}
	return out
}

// ListByStatus returns clones of all markets in the given status.
func (r *Registry) ListByStatus(s types.Status) []*types.Market {
	return r.List(func(m *types.Market) bool { return m.Status == s })
}

// LockedLiquidity returns the total liquidity a creator has committed
// across live markets.
func (r *Registry) LockedLiquidity(creator string) types.Micro {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked[creator]
}

// buildSnapshot projects the committed registry plus one pending market
// state into the persisted form. adjustCreator/adjustBy apply the locked
// liquidity change of the pending commit (zero values mean no change).
func (r *Registry) buildSnapshot(pendingID string, pending *types.Market, adjustCreator string, adjustBy types.Micro) *types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &types.Snapshot{
		Markets:         make([]types.MarketSnapshot, 0, len(r.markets)),
		LockedLiquidity: make(map[string]types.Micro, len(r.locked)),
		SavedAt:         time.Now().UTC(),
	}
	for id, e := range r.markets {
		if id == pendingID {
			snap.Markets = append(snap.Markets, pending.Snapshot())
		} else {
			snap.Markets = append(snap.Markets, e.m.Snapshot())
		}
	}
	for creator, amt := range r.locked {
		snap.LockedLiquidity[creator] = amt
	}
	if adjustCreator != "" {
		next := snap.LockedLiquidity[adjustCreator] + adjustBy
		if next <= 0 {
			delete(snap.LockedLiquidity, adjustCreator)
		} else {
			snap.LockedLiquidity[adjustCreator] = next
		}
	}
	return snap
}

func (r *Registry) publishUpdate(m *types.Market) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.Event{
		Type:      types.EventMarketUpdate,
		Timestamp: time.Now().UTC(),
		MarketID:  m.ID,
		Data:      m.Snapshot(),
	})
}

// validateMutation enforces the aggregate invariants that must hold after
// every committed mutation. A violation here is a programming error in
// the caller, not a user-input failure.
func validateMutation(prev, next *types.Market) error {
	if next.AMM.B != prev.AMM.B {
		return fmt.Errorf("registry: liquidity parameter mutated on %s", next.ID)
	}
	if next.AMM.YesShares < 0 || next.AMM.NoShares < 0 {
		return fmt.Errorf("registry: negative outstanding shares on %s", next.ID)
	}
	if next.TotalVolume < 0 {
		return fmt.Errorf("registry: negative total volume on %s", next.ID)
	}
	for k, p := range next.Positions {
		if p.Shares < 0 || p.TotalCost < 0 {
			return fmt.Errorf("registry: negative position for %s/%s on %s", k.User, k.Outcome, next.ID)
		}
		if p.Shares == 0 {
			return fmt.Errorf("registry: empty position retained for %s/%s on %s", k.User, k.Outcome, next.ID)
		}
	}
	if next.Status != prev.Status && !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s → %s on %s", ErrIllegalTransition, prev.Status, next.Status, next.ID)
	}
	resolved := next.Status == types.StatusResolved || next.Status == types.StatusSettled
	if resolved != (next.WinningOutcome != nil) {
		return fmt.Errorf("registry: winning outcome/status mismatch on %s", next.ID)
	}
	return nil
}
