// Package reward computes deterministic per-height validator rewards and
// hands them to a wallet collaborator.
package reward

import (
	"math"
	"sort"

	"github.com/holiman/uint256"

	"consensus-core/internal/config"
	"consensus-core/internal/validator"
)

// Source yields the registry snapshot rewards are computed from.
type Source interface {
	Snapshot() *validator.Set
}

// ValidatorReward is one validator's share of a round.
//
// TotalReward = StakeReward + ReputationBonus + StorageBonus, and
// Commission + DelegatorShare = TotalReward.
type ValidatorReward struct {
	Validator       validator.ID
	StakeReward     uint64
	ReputationBonus uint64
	StorageBonus    uint64
	TotalReward     uint64
	Commission      uint64
	DelegatorShare  uint64
}

// RewardRound is the immutable result of one calculation.
type RewardRound struct {
	Height       uint64
	Timestamp    int64 // unix seconds, set by the caller; zero from Calculate
	Base         uint64
	Rewards      map[validator.ID]ValidatorReward
	TotalRewards uint64
}

// Sorted returns the rewards in identity order.
func (r RewardRound) Sorted() []ValidatorReward {
	out := make([]ValidatorReward, 0, len(r.Rewards))
	for _, vr := range r.Rewards {
		out = append(out, vr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Validator.Less(out[j].Validator)
	})
	return out
}

// Calculator is stateless apart from its parameters.
type Calculator struct {
	cfg config.Rewards
}

func NewCalculator(cfg config.Rewards) *Calculator {
	return &Calculator{cfg: cfg}
}

// BaseAllocation is the emission at height after halvings.
func (c *Calculator) BaseAllocation(height uint64) uint64 {
	if c.cfg.HalvingInterval == 0 {
		return c.cfg.BaseAllocation
	}
	halvings := height / c.cfg.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return c.cfg.BaseAllocation >> halvings
}

// CalculateRoundRewards computes rewards for every active validator of the
// current snapshot. Identical snapshots and heights give identical rewards.
func (c *Calculator) CalculateRoundRewards(src Source, height uint64) RewardRound {
	return c.Calculate(src.Snapshot(), height)
}

// Calculate computes rewards for set at height.
func (c *Calculator) Calculate(set *validator.Set, height uint64) RewardRound {
	rr := RewardRound{
		Height:  height,
		Base:    c.BaseAllocation(height),
		Rewards: make(map[validator.ID]ValidatorReward),
	}
	if set == nil || set.Len() == 0 || set.TotalVotingPower() == 0 || rr.Base == 0 {
		return rr
	}

	validators := set.Validators()
	var maxStorage uint64
	for _, v := range validators {
		if v.StorageProvided > maxStorage {
			maxStorage = v.StorageProvided
		}
	}

	var (
		base       = uint256.NewInt(rr.Base)
		totalStake = uint256.NewInt(set.TotalVotingPower())
		bps        = uint256.NewInt(validator.BasisPoints)
		total      = new(uint256.Int)
	)
	for _, v := range validators {
		// base*stake is kept as the common numerator so each component is
		// floored once rather than compounding rounding from StakeReward.
		share := new(uint256.Int).Mul(base, uint256.NewInt(v.Stake))

		stakeReward := new(uint256.Int).Div(share, totalStake)

		repBonus := new(uint256.Int).Mul(share, uint256.NewInt(c.cfg.ReputationBonusBps))
		repBonus.Mul(repBonus, uint256.NewInt(v.Reputation))
		repBonus.Div(repBonus, new(uint256.Int).Mul(totalStake, uint256.NewInt(validator.BasisPoints*validator.MaxReputation)))

		storageBonus := new(uint256.Int)
		if maxStorage > 0 {
			storageBonus.Mul(share, uint256.NewInt(c.cfg.StorageBonusBps))
			storageBonus.Mul(storageBonus, uint256.NewInt(v.StorageProvided))
			den := new(uint256.Int).Mul(totalStake, bps)
			den.Mul(den, uint256.NewInt(maxStorage))
			storageBonus.Div(storageBonus, den)
		}

		sum := new(uint256.Int).Add(stakeReward, repBonus)
		sum.Add(sum, storageBonus)

		commission := new(uint256.Int).Mul(sum, uint256.NewInt(uint64(v.CommissionRate)))
		commission.Div(commission, bps)

		vr := ValidatorReward{
			Validator:       v.ID,
			StakeReward:     saturate(stakeReward),
			ReputationBonus: saturate(repBonus),
			StorageBonus:    saturate(storageBonus),
			TotalReward:     saturate(sum),
			Commission:      saturate(commission),
		}
		vr.DelegatorShare = vr.TotalReward - vr.Commission
		rr.Rewards[v.ID] = vr
		total.Add(total, sum)
	}
	rr.TotalRewards = saturate(total)
	return rr
}

func saturate(x *uint256.Int) uint64 {
	if !x.IsUint64() {
		return math.MaxUint64
	}
	return x.Uint64()
}
