// Package lmsr implements the Logarithmic Market Scoring Rule automated
// market maker for binary markets, together with the fixed-point boundary
// between external decimal amounts and internal micro-units.
//
// The LMSR cost function is
//
//	C(qYes, qNo) = b · ln(exp(qYes/b) + exp(qNo/b))
//
// with liquidity parameter b > 0. Buying Δ shares of an outcome costs
// C(q') − C(q) where q' adds Δ to that outcome's quantity. The market
// maker's worst-case loss is bounded by b · ln 2.
//
// All quantities on this package's boundary are integer micro-units
// (types.Micro). Transcendental math runs in float64 on the q/b ratios,
// always through the stabilized log-sum-exp form — two formulations that
// disagree at the fifth decimal place of a price disagree observably on
// slippage checks, so the stabilization is a correctness requirement, not
// an optimization.
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"lmsr-exchange/pkg/types"
)

// maxExponent is the platform-safe bound for float64 exponentiation.
// Intermediate exponents beyond it are clamped and the market is flagged
// degenerate: prices saturate to {0, 1}.
const maxExponent = 700.0

// sharesBoundMultiplier caps the bisection search interval for
// SharesForCost at cost × multiplier. A saturated market quotes an
// arbitrarily low price for the losing side, so the interval needs a hard
// ceiling to stay finite.
const sharesBoundMultiplier = 1 << 20

// DefaultMaxSlippage is the trade-admission slippage ceiling applied when
// an intent does not carry its own.
const DefaultMaxSlippage = 0.05

// ErrInvalidLiquidity is returned when b <= 0.
var ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

// microDecimal is the scale factor between external decimals and micro-units.
var microDecimal = decimal.NewFromInt(types.MicroScale)

// ToMicro converts an external decimal amount to micro-units, flooring.
// Conversion happens once at ingress; amounts are never double-scaled.
func ToMicro(d decimal.Decimal) types.Micro {
	return types.Micro(d.Mul(microDecimal).Floor().IntPart())
}

// FromMicro converts micro-units back to an external decimal amount.
func FromMicro(m types.Micro) decimal.Decimal {
	return decimal.New(int64(m), 0).Div(microDecimal)
}

// Quote is the full result of pricing one prospective trade.
type Quote struct {
	Shares      types.Micro // shares bought (what SharesForCost returned)
	Cost        types.Micro // integer cost actually charged, Cost <= intent amount
	PriceBefore float64
	PriceAfter  float64
	Slippage    float64 // |PriceAfter − PriceBefore|
	Degenerate  bool    // an exponent was clamped somewhere in the math
}

// logSumExp computes ln(exp(a) + exp(b)) as m + ln(exp(a−m) + exp(b−m))
// with m = max(a, b), clamping any exponent whose magnitude exceeds the
// platform-safe bound. The returned flag reports whether clamping fired.
func logSumExp(a, b float64) (float64, bool) {
	clamped := false
	if a > maxExponent || a < -maxExponent {
		a = math.Copysign(maxExponent, a)
		clamped = true
	}
	if b > maxExponent || b < -maxExponent {
		b = math.Copysign(maxExponent, b)
		clamped = true
	}
	m := math.Max(a, b)
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m)), clamped
}

// costValue evaluates C(qYes, qNo) in micro-units as a float64.
func costValue(b, qYes, qNo types.Micro) (float64, bool) {
	bf := float64(b)
	lse, clamped := logSumExp(float64(qYes)/bf, float64(qNo)/bf)
	return bf * lse, clamped
}

// Cost computes the integer cost of buying delta shares of outcome o,
// rounding up so the taker never pays less than the continuous cost.
// The bool reports a degenerate (clamped) evaluation.
func Cost(amm types.AMM, o types.Outcome, delta types.Micro) (types.Micro, bool, error) {
	if amm.B <= 0 {
		return 0, false, ErrInvalidLiquidity
	}
	before, c1 := costValue(amm.B, amm.YesShares, amm.NoShares)
	next := amm
	next.AddShares(o, delta)
	after, c2 := costValue(amm.B, next.YesShares, next.NoShares)
	cost := after - before
	if delta >= 0 {
		return types.Micro(math.Ceil(cost)), c1 || c2, nil
	}
	return types.Micro(math.Floor(cost)), c1 || c2, nil
}

// Price computes the instantaneous probability of outcome o via the same
// stabilized form. Price(NO) is defined as 1 − Price(YES), so the two
// sides always sum to exactly 1.
func Price(amm types.AMM, o types.Outcome) float64 {
	yes := priceYes(amm)
	if o == types.YES {
		return yes
	}
	return 1 - yes
}

func priceYes(amm types.AMM) float64 {
	bf := float64(amm.B)
	a := float64(amm.YesShares) / bf
	b := float64(amm.NoShares) / bf
	if a > maxExponent || a < -maxExponent {
		a = math.Copysign(maxExponent, a)
	}
	if b > maxExponent || b < -maxExponent {
		b = math.Copysign(maxExponent, b)
	}
	m := math.Max(a, b)
	ey := math.Exp(a - m)
	en := math.Exp(b - m)
	return ey / (ey + en)
}

// SharesForCost computes the largest integer share count delta such that
// Cost(amm, o, delta) <= c, by monotone bisection (cost is strictly
// increasing and convex in delta). The window closes to ±1 micro-unit.
func SharesForCost(amm types.AMM, o types.Outcome, c types.Micro) (types.Micro, error) {
	if amm.B <= 0 {
		return 0, ErrInvalidLiquidity
	}
	if c <= 0 {
		return 0, nil
	}

	ceiling := c * sharesBoundMultiplier
	if ceiling/sharesBoundMultiplier != c { // overflow guard
		ceiling = math.MaxInt64 / 4
	}

	// Grow the upper bound until it overshoots the budget. At price 0.5
	// shares ≈ 2·cost, so doubling from c converges in a couple of steps.
	hi := c * 2
	for hi < ceiling {
		cost, _, err := Cost(amm, o, hi)
		if err != nil {
			return 0, err
		}
		if cost > c {
			break
		}
		hi *= 2
	}
	if hi > ceiling {
		hi = ceiling
	}

	lo := types.Micro(0)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		cost, _, err := Cost(amm, o, mid)
		if err != nil {
			return 0, err
		}
		if cost <= c {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// QuoteBuy prices a buy of at most amount micro-units of outcome o:
// inverts the cost function to shares, then reports the integer cost,
// prices on both sides of the trade, and the slippage.
func QuoteBuy(amm types.AMM, o types.Outcome, amount types.Micro) (Quote, error) {
	shares, err := SharesForCost(amm, o, amount)
	if err != nil {
		return Quote{}, err
	}
	cost, degenerate, err := Cost(amm, o, shares)
	if err != nil {
		return Quote{}, err
	}

	before := Price(amm, o)
	next := amm
	next.AddShares(o, shares)
	after := Price(next, o)

	return Quote{
		Shares:      shares,
		Cost:        cost,
		PriceBefore: before,
		PriceAfter:  after,
		Slippage:    math.Abs(after - before),
		Degenerate:  degenerate,
	}, nil
}

// MaxLoss returns the market maker's worst-case loss, b · ln 2.
func MaxLoss(b types.Micro) types.Micro {
	return types.Micro(math.Ceil(float64(b) * math.Ln2))
}
