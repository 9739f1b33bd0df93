// Package engine wires the exchange together: registry, trade executor,
// resolution loop, settlement coordinator, and the channel port. It is
// the only package admin surfaces and transports talk to.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lmsr-exchange/internal/broadcast"
	"lmsr-exchange/internal/channel"
	"lmsr-exchange/internal/config"
	"lmsr-exchange/internal/lmsr"
	"lmsr-exchange/internal/market"
	"lmsr-exchange/internal/oracle"
	"lmsr-exchange/internal/resolution"
	"lmsr-exchange/internal/settlement"
	"lmsr-exchange/internal/trade"
	"lmsr-exchange/pkg/types"
)

// Engine is the authoritative core of the exchange. All mutations pass
// through it; queries return clones that are safe to retain.
type Engine struct {
	cfg    *config.Config
	reg    *market.Registry
	lc     *market.Lifecycle
	exec   *trade.Executor
	res    *resolution.Engine
	coord  *settlement.Coordinator
	bus    *broadcast.Bus
	chans  channel.Client
	logger *slog.Logger

	admins map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine from its ports. orc and chans may be nil:
// without an oracle the resolution loop only freezes, and without a
// channel client the engine runs in accounting-only mode.
func New(cfg *config.Config, st market.Store, orc oracle.Oracle, chans channel.Client, logger *slog.Logger) *Engine {
	bus := broadcast.NewBus(logger)
	reg := market.NewRegistry(st, bus, logger)
	lc := market.NewLifecycle(reg, logger)
	exec := trade.NewExecutor(reg, bus, cfg.Trading.MaxSlippage, logger)
	res := resolution.NewEngine(resolution.Config{
		CheckInterval:         cfg.Resolution.CheckInterval,
		AutoFreeze:            cfg.Resolution.AutoFreeze,
		AutoResolve:           cfg.Resolution.AutoResolve && orc != nil,
		RequireManualApproval: cfg.Resolution.RequireManualApproval,
		OracleTimeout:         cfg.Resolution.OracleTimeout,
	}, reg, lc, orc, logger)
	coord := settlement.NewCoordinator(lc, bus, logger)

	admins := make(map[string]struct{}, len(cfg.Admin.Allowlist))
	for _, a := range cfg.Admin.Allowlist {
		admins[strings.ToLower(a)] = struct{}{}
	}

	return &Engine{
		cfg:    cfg,
		reg:    reg,
		lc:     lc,
		exec:   exec,
		res:    res,
		coord:  coord,
		bus:    bus,
		chans:  chans,
		logger: logger.With("component", "engine"),
		admins: admins,
	}
}

// Bus exposes the event broadcaster for transports.
func (e *Engine) Bus() *broadcast.Bus {
	return e.bus
}

// Start restores state from the store and launches the workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reg.Restore(); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.res.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeEnvelopes(ctx)
	}()

	e.logger.Info("engine started",
		"markets", len(e.reg.List(nil)),
		"channel_mode", e.chans != nil)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Admin entry points
// ————————————————————————————————————————————————————————————————————————

// CreateMarketRequest describes a market to open.
type CreateMarketRequest struct {
	Question    string
	Description string
	EndTime     time.Time
	Liquidity   types.Micro // LMSR b parameter
	ChannelID   string      // optional pre-opened channel
	SessionID   string
}

func (e *Engine) authorize(admin string) error {
	if _, ok := e.admins[strings.ToLower(admin)]; !ok {
		return fmt.Errorf("%w: %s", market.ErrAuthorizationDenied, admin)
	}
	return nil
}

// CreateMarket opens a new ACTIVE market, locking the creator's
// liquidity. When no channel reference is supplied and a channel client
// is wired, a channel is opened with the clearing network first.
func (e *Engine) CreateMarket(ctx context.Context, admin string, req CreateMarketRequest) (*types.Market, error) {
	if err := e.authorize(admin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: empty question", market.ErrInvalidAmount)
	}
	if !req.EndTime.After(time.Now()) {
		return nil, fmt.Errorf("%w: end time %s is in the past", market.ErrInvalidAmount, req.EndTime)
	}
	if req.Liquidity < types.Micro(e.cfg.Trading.MinLiquidity) {
		return nil, fmt.Errorf("%w: liquidity %d below minimum %d",
			market.ErrInvalidAmount, req.Liquidity, e.cfg.Trading.MinLiquidity)
	}

	channelID, sessionID := req.ChannelID, req.SessionID
	if channelID == "" && e.chans != nil {
		ch, err := e.chans.OpenChannel(ctx, channel.OpenRequest{
			Participant: admin,
			Asset:       e.cfg.Channel.Asset,
			Amount:      req.Liquidity,
		})
		if err != nil {
			return nil, fmt.Errorf("open channel: %w", err)
		}
		channelID, sessionID = ch.ChannelID, ch.AppSessionID
	}

	m := &types.Market{
		ID:           uuid.NewString(),
		Question:     strings.TrimSpace(req.Question),
		Description:  req.Description,
		Creator:      admin,
		CreatedAt:    time.Now().UTC(),
		EndTime:      req.EndTime,
		Status:       types.StatusActive,
		AMM:          types.AMM{B: req.Liquidity},
		Positions:    map[types.PositionKey]types.Position{},
		ChannelID:    channelID,
		AppSessionID: sessionID,
	}
	if err := e.reg.Add(m); err != nil {
		return nil, err
	}

	e.logger.Info("market created",
		"market_id", m.ID,
		"question", m.Question,
		"liquidity", m.AMM.B,
		"max_loss", lmsr.MaxLoss(m.AMM.B),
		"end_time", m.EndTime)
	return m.Clone(), nil
}

// FreezeMarket halts trading ahead of resolution.
func (e *Engine) FreezeMarket(ctx context.Context, admin, marketID string) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.lc.Freeze(ctx, marketID, admin)
}

// ResolveMarket resolves a frozen market from a verified oracle proof.
// Unverifiable proofs are rejected; an outcome without a proof must go
// through ForceResolve.
func (e *Engine) ResolveMarket(ctx context.Context, admin, marketID string, proof oracle.Proof) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.res.ResolveManual(ctx, marketID, admin, proof)
}

// ForceResolve is the admin escalation path when the oracle cannot
// produce a proof. The identity and reason are recorded on the market.
func (e *Engine) ForceResolve(ctx context.Context, admin, marketID string, outcome types.Outcome, reason string) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.lc.ForceResolve(ctx, marketID, outcome, admin, reason)
}

// ApproveResolution applies a stashed oracle proof that was awaiting
// manual approval.
func (e *Engine) ApproveResolution(ctx context.Context, admin, marketID string) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.res.ApprovePending(ctx, marketID, admin)
}

// RejectResolution discards a stashed oracle proof.
func (e *Engine) RejectResolution(ctx context.Context, admin, marketID, reason string) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.res.RejectPending(ctx, marketID, admin, reason)
}

// SettleMarket opens a signature-collection window for a resolved
// market and returns the state hash participants must sign.
func (e *Engine) SettleMarket(ctx context.Context, admin, marketID string) (common.Hash, error) {
	if err := e.authorize(admin); err != nil {
		return common.Hash{}, err
	}
	m, err := e.reg.Get(marketID)
	if err != nil {
		return common.Hash{}, err
	}
	return e.coord.Request(m, e.cfg.Settlement.SignatureWindow)
}

// CancelMarket voids a market and refunds every position in full.
func (e *Engine) CancelMarket(ctx context.Context, admin, marketID, reason string) error {
	if err := e.authorize(admin); err != nil {
		return err
	}
	return e.lc.Cancel(ctx, marketID, reason)
}

// ————————————————————————————————————————————————————————————————————————
// Participant entry points
// ————————————————————————————————————————————————————————————————————————

// Buy admits a trade intent against an active market.
func (e *Engine) Buy(ctx context.Context, intent trade.Intent) (types.Trade, error) {
	return e.exec.Execute(ctx, intent)
}

// Refund exits a position early at the quarter-refund penalty.
func (e *Engine) Refund(ctx context.Context, marketID, user string, outcome types.Outcome) (types.Trade, error) {
	return e.exec.Refund(ctx, marketID, user, outcome)
}

// SubmitSignature records a participant's signature over a pending
// final state. Completion of the quorum settles the market.
func (e *Engine) SubmitSignature(ctx context.Context, marketID string, signer common.Address, sig []byte) (types.SignatureProgressEvent, error) {
	return e.coord.Submit(ctx, marketID, signer, sig)
}

// SignatureProgress reports an open collection window, if any.
func (e *Engine) SignatureProgress(marketID string) (types.SignatureProgressEvent, bool) {
	return e.coord.Progress(marketID)
}

// ————————————————————————————————————————————————————————————————————————
// Query entry points
// ————————————————————————————————————————————————————————————————————————

// UserPosition is one user's holding in one market.
type UserPosition struct {
	MarketID  string        `json:"market_id"`
	Outcome   types.Outcome `json:"outcome"`
	Shares    types.Micro   `json:"shares"`
	TotalCost types.Micro   `json:"total_cost"`
}

// MarketStats summarizes one market for dashboards.
type MarketStats struct {
	MarketID     string      `json:"market_id"`
	PriceYes     float64     `json:"price_yes"`
	PriceNo      float64     `json:"price_no"`
	TotalVolume  types.Micro `json:"total_volume"`
	TradeCount   int         `json:"trade_count"`
	Participants int         `json:"participants"`
	MaxLoss      types.Micro `json:"max_loss"`
	Degenerate   bool        `json:"degenerate"`
}

// ListActive returns all markets open for trading.
func (e *Engine) ListActive() []*types.Market {
	return e.reg.ListByStatus(types.StatusActive)
}

// ListMarkets returns every market in any status.
func (e *Engine) ListMarkets() []*types.Market {
	out := e.reg.List(nil)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetMarket returns one market by ID.
func (e *Engine) GetMarket(marketID string) (*types.Market, error) {
	return e.reg.Get(marketID)
}

// GetUserPositions returns the user's open positions across all markets,
// sorted by market then outcome.
func (e *Engine) GetUserPositions(user string) []UserPosition {
	var out []UserPosition
	for _, m := range e.reg.List(nil) {
		for _, o := range []types.Outcome{types.YES, types.NO} {
			if pos, ok := m.Position(user, o); ok {
				out = append(out, UserPosition{
					MarketID:  m.ID,
					Outcome:   o,
					Shares:    pos.Shares,
					TotalCost: pos.TotalCost,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// GetUserTrades returns the user's trades in one market, oldest first.
func (e *Engine) GetUserTrades(marketID, user string) ([]types.Trade, error) {
	m, err := e.reg.Get(marketID)
	if err != nil {
		return nil, err
	}
	var out []types.Trade
	for _, t := range m.Trades {
		if t.User == user {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetMarketStats returns the dashboard summary for one market.
func (e *Engine) GetMarketStats(marketID string) (MarketStats, error) {
	m, err := e.reg.Get(marketID)
	if err != nil {
		return MarketStats{}, err
	}
	return MarketStats{
		MarketID:     m.ID,
		PriceYes:     lmsr.Price(m.AMM, types.YES),
		PriceNo:      lmsr.Price(m.AMM, types.NO),
		TotalVolume:  m.TotalVolume,
		TradeCount:   len(m.Trades),
		Participants: len(m.Participants()),
		MaxLoss:      lmsr.MaxLoss(m.AMM.B),
		Degenerate:   m.Degenerate,
	}, nil
}

// GetLockedLiquidity returns the liquidity a creator has committed
// across live markets.
func (e *Engine) GetLockedLiquidity(creator string) types.Micro {
	return e.reg.LockedLiquidity(creator)
}

// GetUserWinnings returns the user's settlement credit in a resolved
// market.
func (e *Engine) GetUserWinnings(marketID, user string) (types.Micro, error) {
	m, err := e.reg.Get(marketID)
	if err != nil {
		return 0, err
	}
	return market.UserWinnings(m, user)
}

// PendingResolutions lists stashed proofs awaiting manual approval.
func (e *Engine) PendingResolutions() []resolution.Pending {
	return e.res.Pending()
}

// ————————————————————————————————————————————————————————————————————————
// Settlement envelope consumer
// ————————————————————————————————————————————————————————————————————————

// consumeEnvelopes pushes completed settlements out to the clearing
// network: one transfer per payout, then a cooperative channel close.
// Network errors are logged and left for operator retry; the market is
// already SETTLED and the envelope itself is the durable artifact.
func (e *Engine) consumeEnvelopes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-e.coord.Envelopes():
			e.disburse(ctx, env)
		}
	}
}

func (e *Engine) disburse(ctx context.Context, env settlement.Envelope) {
	if e.chans == nil {
		e.logger.Info("settlement envelope ready (accounting-only mode)",
			"market_id", env.MarketID,
			"state_hash", env.StateHash.Hex())
		return
	}

	m, err := e.reg.Get(env.MarketID)
	if err != nil {
		e.logger.Error("settled market missing from registry", "market_id", env.MarketID, "error", err)
		return
	}
	payouts, err := market.ComputePayouts(m)
	if err != nil {
		e.logger.Error("payout computation failed at disbursement", "market_id", env.MarketID, "error", err)
		return
	}

	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		if err := e.chans.Transfer(ctx, m.ChannelID, p.User, p.Amount); err != nil {
			e.logger.Error("payout transfer failed",
				"market_id", env.MarketID,
				"user", p.User,
				"amount", p.Amount,
				"error", err)
		}
	}
	if err := e.chans.Close(ctx, m.ChannelID); err != nil {
		e.logger.Error("channel close failed", "market_id", env.MarketID, "error", err)
		return
	}
	e.logger.Info("settlement disbursed",
		"market_id", env.MarketID,
		"payouts", len(payouts),
		"channel_id", m.ChannelID)
}
