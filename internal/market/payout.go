package market

import (
	"fmt"
	"math/big"

	"lmsr-exchange/pkg/types"
)

// Payout is one participant's settlement credit.
type Payout struct {
	User   string
	Amount types.Micro
}

// ComputePayouts calculates winner-take-all payouts for a resolved
// market, sorted ascending by user.
//
// Holders of the winning outcome split total_volume pro rata by share
// count, with integer floor division. Losing positions receive zero and
// are omitted. If nobody holds the winning outcome, payouts degenerate to
// refunds: every participant receives back their total cost across both
// outcomes.
//
// Floor division leaves a residue of at most one micro-unit per winning
// participant; the residue is retained in the pool, never redistributed.
func ComputePayouts(m *types.Market) ([]Payout, error) {
	if m.WinningOutcome == nil {
		return nil, fmt.Errorf("%w: market %s has no winning outcome", ErrIllegalTransition, m.ID)
	}
	winner := *m.WinningOutcome

	var winningShares types.Micro
	for k, p := range m.Positions {
		if k.Outcome == winner {
			winningShares += p.Shares
		}
	}

	byUser := make(map[string]types.Micro)
	if winningShares == 0 {
		// Degenerate market: nobody backed the winner. Refund at cost.
		for k, p := range m.Positions {
			byUser[k.User] += p.TotalCost
		}
	} else {
		for k, p := range m.Positions {
			if k.Outcome != winner {
				continue
			}
			byUser[k.User] += mulDiv(p.Shares, m.TotalVolume, winningShares)
		}
	}

	payouts := make([]Payout, 0, len(byUser))
	for _, user := range m.Participants() {
		amt, ok := byUser[user]
		if !ok {
			continue
		}
		payouts = append(payouts, Payout{User: user, Amount: amt})
	}
	return payouts, nil
}

// UserWinnings returns one participant's payout from a resolved market,
// zero if they hold no winning claim.
func UserWinnings(m *types.Market, user string) (types.Micro, error) {
	payouts, err := ComputePayouts(m)
	if err != nil {
		return 0, err
	}
	for _, p := range payouts {
		if p.User == user {
			return p.Amount, nil
		}
	}
	return 0, nil
}

// mulDiv computes ⌊shares·volume/total⌋ through big.Int. Share counts
// and volumes are micro-units, so the intermediate product can exceed 63
// bits on large markets.
func mulDiv(shares, volume, total types.Micro) types.Micro {
	p := new(big.Int).Mul(big.NewInt(int64(shares)), big.NewInt(int64(volume)))
	p.Quo(p, big.NewInt(int64(total)))
	return types.Micro(p.Int64())
}
