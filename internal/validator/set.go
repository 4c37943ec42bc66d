package validator

import (
	"encoding/binary"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"github.com/holiman/uint256"
)

// Set is an immutable snapshot of the Active validators, ordered by identity.
// The state machine holds one per height; the reward calculator consumes one per call.
type Set struct {
	validators  []Validator
	index       map[ID]int
	weights     []*uint256.Int
	totalWeight *uint256.Int
	totalPower  uint64
}

// WeightParams tunes the storage factor in proposer selection.
type WeightParams struct {
	StorageWeightBps uint64
	StorageWeightCap uint64
}

// NewSet builds a snapshot from validators. Non-active entries are skipped.
func NewSet(validators []Validator, params WeightParams) *Set {
	s := &Set{
		index:       make(map[ID]int),
		totalWeight: new(uint256.Int),
	}
	for i := range validators {
		v := &validators[i]
		if !v.IsActive() {
			continue
		}
		s.validators = append(s.validators, v.Copy())
	}
	sortValidators(s.validators)
	for i, v := range s.validators {
		s.index[v.ID] = i
		w := selectionWeight(v, params)
		s.weights = append(s.weights, w)
		s.totalWeight.Add(s.totalWeight, w)
		s.totalPower += v.Stake
	}
	return s
}

// selectionWeight is stake plus up to StorageWeightBps of stake, scaled by
// storage relative to StorageWeightCap. Voting power is unaffected.
func selectionWeight(v Validator, p WeightParams) *uint256.Int {
	stake := uint256.NewInt(v.Stake)
	if p.StorageWeightBps == 0 || p.StorageWeightCap == 0 {
		return stake
	}
	storage := v.StorageProvided
	if storage > p.StorageWeightCap {
		storage = p.StorageWeightCap
	}
	bonus := new(uint256.Int).Mul(stake, uint256.NewInt(p.StorageWeightBps))
	bonus.Mul(bonus, uint256.NewInt(storage))
	bonus.Div(bonus, new(uint256.Int).Mul(uint256.NewInt(BasisPoints), uint256.NewInt(p.StorageWeightCap)))
	return stake.Add(stake, bonus)
}

// Len returns the number of active validators.
func (s *Set) Len() int {
	return len(s.validators)
}

// Validators returns copies in identity order.
func (s *Set) Validators() []Validator {
	out := make([]Validator, len(s.validators))
	for i := range s.validators {
		out[i] = s.validators[i].Copy()
	}
	return out
}

// Get returns the validator with the given identity.
func (s *Set) Get(id ID) (Validator, bool) {
	i, ok := s.index[id]
	if !ok {
		return Validator{}, false
	}
	return s.validators[i].Copy(), true
}

// IndexOf returns the position of id in identity order.
func (s *Set) IndexOf(id ID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// VotingPower returns the stake of id, or zero if it is not active.
func (s *Set) VotingPower(id ID) uint64 {
	i, ok := s.index[id]
	if !ok {
		return 0
	}
	return s.validators[i].Stake
}

// TotalVotingPower is the stake sum of active validators.
func (s *Set) TotalVotingPower() uint64 {
	return s.totalPower
}

// ByzantineThreshold is floor(2n/3)+1 of TotalVotingPower.
func (s *Set) ByzantineThreshold() uint64 {
	return ByzantineThreshold(s.totalPower)
}

// MeetsByzantineThreshold reports whether power reaches the threshold.
func (s *Set) MeetsByzantineThreshold(power uint64) bool {
	return power >= s.ByzantineThreshold()
}

// SelectionSeed hashes height and round into the seed used by Proposer.
func SelectionSeed(height uint64, round uint32) *uint256.Int {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint32(buf[8:], round)
	return new(uint256.Int).SetBytes(tmhash.Sum(buf[:]))
}

// Proposer picks the validator whose cumulative weight range contains
// seed mod total weight, walking in identity order.
func (s *Set) Proposer(height uint64, round uint32) (Validator, bool) {
	if len(s.validators) == 0 {
		return Validator{}, false
	}
	seed := SelectionSeed(height, round)
	if s.totalWeight.IsZero() {
		// all weights zero: uniform over identity order
		idx := new(uint256.Int).Mod(seed, uint256.NewInt(uint64(len(s.validators))))
		return s.validators[idx.Uint64()].Copy(), true
	}
	target := new(uint256.Int).Mod(seed, s.totalWeight)
	acc := new(uint256.Int)
	for i, w := range s.weights {
		acc.Add(acc, w)
		if target.Lt(acc) {
			return s.validators[i].Copy(), true
		}
	}
	// unreachable while target < totalWeight
	return s.validators[len(s.validators)-1].Copy(), true
}
