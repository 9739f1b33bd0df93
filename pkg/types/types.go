// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange core — markets,
// trades, positions, persisted snapshots, and broadcast event payloads.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Fixed-point money
// ————————————————————————————————————————————————————————————————————————

// Micro is a fixed-point integer amount in micro-units: an external value
// of 1.0 is stored as 1_000_000. Both money and share counts use this
// scaling. Micro marshals to JSON as a string-encoded integer so amounts
// survive persistence exactly (JSON numbers lose precision past 2^53).
type Micro int64

// MicroScale is the number of micro-units in one external unit.
const MicroScale = 1_000_000

// MarshalJSON encodes the amount as a decimal string.
func (m Micro) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(m), 10))), nil
}

// UnmarshalJSON accepts either a string-encoded integer (canonical) or a
// bare JSON number (tolerated for hand-written fixtures).
func (m *Micro) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("micro: unquote %s: %w", string(data), err)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("micro: parse %q: %w", s, err)
	}
	*m = Micro(v)
	return nil
}

func (m Micro) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Outcome is one side of a binary market: YES or NO.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// Valid reports whether the outcome is one of the two binary sides.
func (o Outcome) Valid() bool {
	return o == YES || o == NO
}

// Opposite returns the other side of the binary market.
func (o Outcome) Opposite() Outcome {
	if o == YES {
		return NO
	}
	return YES
}

// Status is the lifecycle state of a market.
//
// ACTIVE → FROZEN → RESOLVED → SETTLED, with CANCELLED reachable only
// from ACTIVE or FROZEN. No back-transitions.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFrozen    Status = "FROZEN"
	StatusResolved  Status = "RESOLVED"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
)

// CanTransition reports whether the lifecycle DAG permits moving from s
// to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusFrozen || next == StatusCancelled
	case StatusFrozen:
		return next == StatusResolved || next == StatusCancelled
	case StatusResolved:
		return next == StatusSettled
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// ————————————————————————————————————————————————————————————————————————
// Market aggregate
// ————————————————————————————————————————————————————————————————————————

// AMM holds the LMSR automated-market-maker state for one market.
// B is the liquidity parameter, set at creation and never mutated.
// Share counts only grow under buys; refunds return shares to the pool.
type AMM struct {
	B         Micro `json:"b"`
	YesShares Micro `json:"yes_shares"`
	NoShares  Micro `json:"no_shares"`
}

// Shares returns the outstanding share count for one outcome.
func (a AMM) Shares(o Outcome) Micro {
	if o == YES {
		return a.YesShares
	}
	return a.NoShares
}

// AddShares adjusts the outstanding share count for one outcome.
func (a *AMM) AddShares(o Outcome, delta Micro) {
	if o == YES {
		a.YesShares += delta
	} else {
		a.NoShares += delta
	}
}

// PositionKey identifies a position as the compound (user, outcome) pair.
// A compound struct key avoids the fragile "address_outcome" string
// concatenation some systems use.
type PositionKey struct {
	User    string
	Outcome Outcome
}

// Position is a user's unsettled holding of one outcome in one market.
type Position struct {
	Shares    Micro `json:"shares"`
	TotalCost Micro `json:"total_cost"`
}

// Trade is one committed buy or refund. Negative Amount and Shares denote
// a refund. PriceAfter is the probability of the traded outcome after the
// trade; it is derived display data, never compared to money.
type Trade struct {
	ID         string    `json:"id"`
	MarketID   string    `json:"market_id"`
	User       string    `json:"user"`
	Outcome    Outcome   `json:"outcome"`
	Amount     Micro     `json:"amount"`
	Shares     Micro     `json:"shares"`
	PriceAfter float64   `json:"price_after"`
	Timestamp  time.Time `json:"timestamp"`
}

// Market is the aggregate root for one binary prediction market. It is
// owned by the registry; all mutation happens under the registry's
// per-market lock, and callers outside the registry only ever see clones.
type Market struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Description string `json:"description"`
	Creator     string `json:"creator"`

	CreatedAt time.Time `json:"created_at"`
	EndTime   time.Time `json:"end_time"`

	Status Status `json:"status"`
	AMM    AMM    `json:"amm"`

	TotalVolume Micro                    `json:"total_volume"`
	Trades      []Trade                  `json:"trades"`
	Positions   map[PositionKey]Position `json:"-"`

	WinningOutcome *Outcome   `json:"winning_outcome,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`

	// ResolutionMeta carries opaque proof metadata recorded at resolution
	// time (oracle kind, or admin identity and reason for a forced resolve).
	ResolutionMeta map[string]string `json:"resolution_meta,omitempty"`

	// References into the external state channel. Both are opaque here;
	// the settlement envelope embeds hashes of both.
	ChannelID    string `json:"channel_id"`
	AppSessionID string `json:"app_session_id"`

	// Degenerate is set when LMSR exponents were clamped and prices have
	// saturated to {0,1}. Quotes remain valid but stop moving.
	Degenerate bool `json:"degenerate,omitempty"`
}

// Position returns the position for (user, outcome), if any.
func (m *Market) Position(user string, o Outcome) (Position, bool) {
	p, ok := m.Positions[PositionKey{User: user, Outcome: o}]
	return p, ok
}

// Participants returns the distinct users holding any position, sorted
// ascending. Sorting keeps payout and settlement ordering deterministic.
func (m *Market) Participants() []string {
	seen := make(map[string]bool, len(m.Positions))
	for k := range m.Positions {
		seen[k.User] = true
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Clone returns a deep copy of the market. The registry hands out clones
// so readers never observe in-flight mutations.
func (m *Market) Clone() *Market {
	c := *m
	c.Trades = make([]Trade, len(m.Trades))
	copy(c.Trades, m.Trades)
	c.Positions = make(map[PositionKey]Position, len(m.Positions))
	for k, v := range m.Positions {
		c.Positions[k] = v
	}
	if m.WinningOutcome != nil {
		w := *m.WinningOutcome
		c.WinningOutcome = &w
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	if m.SettledAt != nil {
		t := *m.SettledAt
		c.SettledAt = &t
	}
	if m.ResolutionMeta != nil {
		c.ResolutionMeta = make(map[string]string, len(m.ResolutionMeta))
		for k, v := range m.ResolutionMeta {
			c.ResolutionMeta[k] = v
		}
	}
	return &c
}

// ————————————————————————————————————————————————————————————————————————
// Persisted snapshot
// ————————————————————————————————————————————————————————————————————————
// The snapshot is the durable, JSON-safe projection of the registry.
// Positions become an explicit sorted list because Go maps with struct
// keys do not marshal, and deterministic file contents make the
// round-trip property testable byte-for-byte.

// PositionSnapshot is one (user, outcome) position in the persisted form.
type PositionSnapshot struct {
	User      string  `json:"user"`
	Outcome   Outcome `json:"outcome"`
	Shares    Micro   `json:"shares"`
	TotalCost Micro   `json:"total_cost"`
}

// MarketSnapshot is the persisted form of a Market.
type MarketSnapshot struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Description string `json:"description"`
	Creator     string `json:"creator"`

	CreatedAt time.Time `json:"created_at"`
	EndTime   time.Time `json:"end_time"`

	Status Status `json:"status"`
	AMM    AMM    `json:"amm"`

	TotalVolume Micro              `json:"total_volume"`
	Trades      []Trade            `json:"trades"`
	Positions   []PositionSnapshot `json:"positions"`

	WinningOutcome *Outcome          `json:"winning_outcome,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	SettledAt      *time.Time        `json:"settled_at,omitempty"`
	ResolutionMeta map[string]string `json:"resolution_meta,omitempty"`

	ChannelID    string `json:"channel_id"`
	AppSessionID string `json:"app_session_id"`
	Degenerate   bool   `json:"degenerate,omitempty"`
}

// Snapshot is the full persisted registry state.
type Snapshot struct {
	Markets         []MarketSnapshot `json:"markets"`
	LockedLiquidity map[string]Micro `json:"locked_liquidity"`
	SavedAt         time.Time        `json:"saved_at"`
}

// Snapshot converts a market to its persisted form. Trade order is
// preserved; positions are sorted by (user, outcome).
func (m *Market) Snapshot() MarketSnapshot {
	clone := m.Clone()
	positions := make([]PositionSnapshot, 0, len(clone.Positions))
	for k, p := range clone.Positions {
		positions = append(positions, PositionSnapshot{
			User:      k.User,
			Outcome:   k.Outcome,
			Shares:    p.Shares,
			TotalCost: p.TotalCost,
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].User != positions[j].User {
			return positions[i].User < positions[j].User
		}
		return positions[i].Outcome < positions[j].Outcome
	})

	return MarketSnapshot{
		ID:             clone.ID,
		Question:       clone.Question,
		Description:    clone.Description,
		Creator:        clone.Creator,
		CreatedAt:      clone.CreatedAt,
		EndTime:        clone.EndTime,
		Status:         clone.Status,
		AMM:            clone.AMM,
		TotalVolume:    clone.TotalVolume,
		Trades:         clone.Trades,
		Positions:      positions,
		WinningOutcome: clone.WinningOutcome,
		ResolvedAt:     clone.ResolvedAt,
		SettledAt:      clone.SettledAt,
		ResolutionMeta: clone.ResolutionMeta,
		ChannelID:      clone.ChannelID,
		AppSessionID:   clone.AppSessionID,
		Degenerate:     clone.Degenerate,
	}
}

// Restore rebuilds the in-memory aggregate from its persisted form.
func (ms MarketSnapshot) Restore() *Market {
	m := &Market{
		ID:             ms.ID,
		Question:       ms.Question,
		Description:    ms.Description,
		Creator:        ms.Creator,
		CreatedAt:      ms.CreatedAt,
		EndTime:        ms.EndTime,
		Status:         ms.Status,
		AMM:            ms.AMM,
		TotalVolume:    ms.TotalVolume,
		Trades:         make([]Trade, len(ms.Trades)),
		Positions:      make(map[PositionKey]Position, len(ms.Positions)),
		WinningOutcome: ms.WinningOutcome,
		ResolvedAt:     ms.ResolvedAt,
		SettledAt:      ms.SettledAt,
		ResolutionMeta: ms.ResolutionMeta,
		ChannelID:      ms.ChannelID,
		AppSessionID:   ms.AppSessionID,
		Degenerate:     ms.Degenerate,
	}
	copy(m.Trades, ms.Trades)
	for _, p := range ms.Positions {
		m.Positions[PositionKey{User: p.User, Outcome: p.Outcome}] = Position{
			Shares:    p.Shares,
			TotalCost: p.TotalCost,
		}
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// Broadcast events
// ————————————————————————————————————————————————————————————————————————
// Events are emitted after a mutation has been committed to the registry
// and before the caller's request returns. Delivery to subscribers is
// best-effort within the process.

// EventType enumerates the broadcast event kinds.
type EventType string

const (
	EventMarketUpdate          EventType = "market_update"
	EventTrade                 EventType = "trade"
	EventSignatureRequest      EventType = "signature_request"
	EventSignatureProgress     EventType = "signature_progress"
	EventSignatureReqCancelled EventType = "signature_request_cancelled"
	EventSettlementComplete    EventType = "settlement_complete"
)

// Event is the wrapper for all broadcast payloads.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	MarketID  string      `json:"market_id"`
	Data      interface{} `json:"data"`
}

// SignatureRequestEvent announces an open signature-collection window.
type SignatureRequestEvent struct {
	StateHash    string    `json:"state_hash"`
	Participants []string  `json:"participants"`
	Deadline     time.Time `json:"deadline"`
}

// SignatureProgressEvent reports collection progress after each accepted
// submission.
type SignatureProgressEvent struct {
	StateHash string   `json:"state_hash"`
	Collected int      `json:"collected"`
	Required  int      `json:"required"`
	Signers   []string `json:"signers"`
	Complete  bool     `json:"complete"`
}

// SignatureCancelEvent reports a cancelled collection window (deadline
// expiry or explicit cancellation). The market stays RESOLVED.
type SignatureCancelEvent struct {
	StateHash string `json:"state_hash"`
	Reason    string `json:"reason"`
}
