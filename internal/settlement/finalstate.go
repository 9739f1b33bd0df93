package settlement

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lmsr-exchange/internal/market"
	"lmsr-exchange/pkg/types"
)

// finalStateArgs is the canonical ABI tuple for a settled market:
// (bytes32 marketIdHash, bytes32 sessionIdHash, uint256 outcome,
// address[] payoutAddrs, uint256[] payoutAmounts, uint256 totalVolume,
// uint256 resolvedAt, uint256 nonce). Addresses are sorted ascending by
// byte value with amounts indexed in parallel.
var finalStateArgs abi.Arguments

func init() {
	bytes32T, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	uint256T, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	addressSliceT, err := abi.NewType("address[]", "", nil)
	if err != nil {
		panic(err)
	}
	uint256SliceT, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	finalStateArgs = abi.Arguments{
		{Name: "marketIdHash", Type: bytes32T},
		{Name: "sessionIdHash", Type: bytes32T},
		{Name: "outcome", Type: uint256T},
		{Name: "payoutAddrs", Type: addressSliceT},
		{Name: "payoutAmounts", Type: uint256SliceT},
		{Name: "totalVolume", Type: uint256T},
		{Name: "resolvedAt", Type: uint256T},
		{Name: "nonce", Type: uint256T},
	}
}

// outcome codes in the encoded final state.
const (
	outcomeCodeYes = 1
	outcomeCodeNo  = 2
)

// FinalState is the canonical, hashable representation of a resolved
// market's payouts. Two processes building a FinalState from the same
// market snapshot produce byte-identical encodings.
type FinalState struct {
	MarketID     string
	AppSessionID string
	Outcome      types.Outcome
	Addresses    []common.Address
	Amounts      []types.Micro
	TotalVolume  types.Micro
	ResolvedAt   int64 // unix seconds
	Nonce        int64 // unix nanos of resolution, replay protection
}

// BuildFinalState computes payouts for a RESOLVED market and assembles
// the canonical final state. Payout amounts are reconciled against
// total_volume before the state is accepted.
func BuildFinalState(m *types.Market) (*FinalState, error) {
	if m.Status != types.StatusResolved {
		return nil, fmt.Errorf("%w: market %s is %s", ErrNotResolved, m.ID, m.Status)
	}
	if m.WinningOutcome == nil || m.ResolvedAt == nil {
		return nil, fmt.Errorf("%w: market %s missing resolution data", ErrNotResolved, m.ID)
	}

	payouts, err := market.ComputePayouts(m)
	if err != nil {
		return nil, err
	}
	if err := reconcile(m, payouts); err != nil {
		return nil, err
	}

	type pair struct {
		addr   common.Address
		amount types.Micro
	}
	pairs := make([]pair, 0, len(payouts))
	for _, p := range payouts {
		if !common.IsHexAddress(p.User) {
			return nil, fmt.Errorf("%w: participant %q is not an address", ErrPayoutMismatch, p.User)
		}
		pairs = append(pairs, pair{addr: common.HexToAddress(p.User), amount: p.Amount})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].addr[:], pairs[j].addr[:]) < 0
	})

	fs := &FinalState{
		MarketID:     m.ID,
		AppSessionID: m.AppSessionID,
		Outcome:      *m.WinningOutcome,
		TotalVolume:  m.TotalVolume,
		ResolvedAt:   m.ResolvedAt.Unix(),
		Nonce:        m.ResolvedAt.UnixNano(),
	}
	for _, p := range pairs {
		fs.Addresses = append(fs.Addresses, p.addr)
		fs.Amounts = append(fs.Amounts, p.amount)
	}
	return fs, nil
}

// Encode serializes the final state with the canonical ABI tuple.
func (fs *FinalState) Encode() ([]byte, error) {
	code := big.NewInt(outcomeCodeYes)
	if fs.Outcome == types.NO {
		code = big.NewInt(outcomeCodeNo)
	}
	amounts := make([]*big.Int, len(fs.Amounts))
	for i, a := range fs.Amounts {
		amounts[i] = big.NewInt(int64(a))
	}
	return finalStateArgs.Pack(
		crypto.Keccak256Hash([]byte(fs.MarketID)),
		crypto.Keccak256Hash([]byte(fs.AppSessionID)),
		code,
		fs.Addresses,
		amounts,
		big.NewInt(int64(fs.TotalVolume)),
		big.NewInt(fs.ResolvedAt),
		big.NewInt(fs.Nonce),
	)
}

// Hash returns the keccak256 digest of the encoded state. Signatures
// are collected against this hash.
func (fs *FinalState) Hash() (common.Hash, []byte, error) {
	encoded, err := fs.Encode()
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("encode final state: %w", err)
	}
	return crypto.Keccak256Hash(encoded), encoded, nil
}

// reconcile checks the payout sum against total_volume. Winner-take-all
// floor division retains at most one micro-unit per winning participant
// in the pool; refund payouts may sum below total_volume when positions
// were closed early, but never above it.
func reconcile(m *types.Market, payouts []market.Payout) error {
	var sum types.Micro
	for _, p := range payouts {
		sum += p.Amount
	}
	if sum > m.TotalVolume {
		return fmt.Errorf("%w: payouts %d exceed volume %d", ErrPayoutMismatch, sum, m.TotalVolume)
	}

	var winningShares types.Micro
	for key, pos := range m.Positions {
		if key.Outcome == *m.WinningOutcome {
			winningShares += pos.Shares
		}
	}
	if winningShares > 0 {
		residue := m.TotalVolume - sum
		if residue >= types.Micro(len(payouts)) {
			return fmt.Errorf("%w: residue %d with %d winners", ErrPayoutMismatch, residue, len(payouts))
		}
	}
	return nil
}
