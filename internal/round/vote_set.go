package round

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"consensus-core/internal/validator"
)

type blockVotes struct {
	hash  *Hash
	bits  *bitset.BitSet
	power uint64
}

func newBlockVotes(hash *Hash, size int) *blockVotes {
	return &blockVotes{hash: hash, bits: bitset.New(uint(size))}
}

// VoteSet tracks votes of one type for a single height and round. It is not
// safe for concurrent use; the StateMachine serializes access.
type VoteSet struct {
	height   uint64
	round    uint32
	voteType Step
	vals     *validator.Set

	votes   []*Vote
	voted   *bitset.BitSet
	sum     uint64
	byBlock map[Hash]*blockVotes
	nilVote *blockVotes
	maj23   *blockVotes
}

// NewVoteSet creates an empty vote set for the given validators.
func NewVoteSet(height uint64, round uint32, voteType Step, vals *validator.Set) *VoteSet {
	n := vals.Len()
	return &VoteSet{
		height:   height,
		round:    round,
		voteType: voteType,
		vals:     vals,
		votes:    make([]*Vote, n),
		voted:    bitset.New(uint(n)),
		byBlock:  make(map[Hash]*blockVotes),
		nilVote:  newBlockVotes(nil, n),
	}
}

// AddVote records vote. Signatures must already be verified. A duplicate
// returns false with no error; a different vote from the same validator
// returns the existing vote and ErrConflictingVote.
func (vs *VoteSet) AddVote(vote *Vote) (bool, *Vote, error) {
	if vote.Height != vs.height || vote.Round != vs.round || vote.Type != vs.voteType {
		return false, nil, fmt.Errorf("%w: %s does not belong to %d/%d %s", ErrInvalidVote, vote, vs.height, vs.round, vs.voteType)
	}
	idx, ok := vs.vals.IndexOf(vote.Validator)
	if !ok {
		return false, nil, fmt.Errorf("%w: %s", ErrUnknownValidator, vote.Validator.Short())
	}

	if existing := vs.votes[idx]; existing != nil {
		if hashPtrEqual(existing.BlockHash, vote.BlockHash) {
			return false, nil, nil
		}
		return false, existing.Copy(), fmt.Errorf("%w: %s vs %s", ErrConflictingVote, existing, vote)
	}

	v := vote.Copy()
	power := vs.vals.VotingPower(v.Validator)
	vs.votes[idx] = v
	vs.voted.Set(uint(idx))
	vs.sum += power

	bv := vs.nilVote
	if v.BlockHash != nil {
		bv = vs.byBlock[*v.BlockHash]
		if bv == nil {
			bv = newBlockVotes(v.BlockHash, vs.vals.Len())
			vs.byBlock[*v.BlockHash] = bv
		}
	}
	bv.bits.Set(uint(idx))
	bv.power += power

	if vs.maj23 == nil && vs.vals.MeetsByzantineThreshold(bv.power) {
		vs.maj23 = bv
	}
	return true, nil, nil
}

// TwoThirdsMajority returns the hash that reached the Byzantine threshold.
// ok with a nil hash means nil reached it.
func (vs *VoteSet) TwoThirdsMajority() (hash *Hash, ok bool) {
	if vs.maj23 == nil {
		return nil, false
	}
	if vs.maj23.hash == nil {
		return nil, true
	}
	h := *vs.maj23.hash
	return &h, true
}

// HasTwoThirdsAny reports whether votes for anything reach the threshold.
func (vs *VoteSet) HasTwoThirdsAny() bool {
	return vs.vals.MeetsByzantineThreshold(vs.sum)
}

// HasAll reports whether every validator has voted.
func (vs *VoteSet) HasAll() bool {
	return int(vs.voted.Count()) == vs.vals.Len()
}

// Power returns the voting power that has voted.
func (vs *VoteSet) Power() uint64 { return vs.sum }

// PowerFor returns the voting power behind hash, or behind nil.
func (vs *VoteSet) PowerFor(hash *Hash) uint64 {
	if hash == nil {
		return vs.nilVote.power
	}
	if bv := vs.byBlock[*hash]; bv != nil {
		return bv.power
	}
	return 0
}

// Get returns the validator's vote, if any.
func (vs *VoteSet) Get(id validator.ID) (*Vote, bool) {
	idx, ok := vs.vals.IndexOf(id)
	if !ok || vs.votes[idx] == nil {
		return nil, false
	}
	return vs.votes[idx].Copy(), true
}

// Votes returns copies of all votes in validator order.
func (vs *VoteSet) Votes() []*Vote {
	out := make([]*Vote, 0, vs.voted.Count())
	for i, e := vs.voted.NextSet(0); e; i, e = vs.voted.NextSet(i + 1) {
		out = append(out, vs.votes[i].Copy())
	}
	return out
}

// VotesFor returns copies of the votes for hash.
func (vs *VoteSet) VotesFor(hash *Hash) []*Vote {
	bv := vs.nilVote
	if hash != nil {
		bv = vs.byBlock[*hash]
	}
	if bv == nil {
		return nil
	}
	out := make([]*Vote, 0, bv.bits.Count())
	for i, e := bv.bits.NextSet(0); e; i, e = bv.bits.NextSet(i + 1) {
		out = append(out, vs.votes[i].Copy())
	}
	return out
}

// BitArray returns a copy of the voted bitmap, indexed in validator order.
func (vs *VoteSet) BitArray() *bitset.BitSet {
	return vs.voted.Clone()
}

// Missing returns the validators that have not voted.
func (vs *VoteSet) Missing() []validator.ID {
	vals := vs.vals.Validators()
	missing := make([]validator.ID, 0, len(vals)-int(vs.voted.Count()))
	for i, v := range vals {
		if !vs.voted.Test(uint(i)) {
			missing = append(missing, v.ID)
		}
	}
	return missing
}

// HeightVoteSet keeps prevotes and precommits for every round of a height.
type HeightVoteSet struct {
	height     uint64
	vals       *validator.Set
	prevotes   map[uint32]*VoteSet
	precommits map[uint32]*VoteSet
}

func NewHeightVoteSet(height uint64, vals *validator.Set) *HeightVoteSet {
	return &HeightVoteSet{
		height:     height,
		vals:       vals,
		prevotes:   make(map[uint32]*VoteSet),
		precommits: make(map[uint32]*VoteSet),
	}
}

// Prevotes returns the prevote set for round, creating it if needed.
func (h *HeightVoteSet) Prevotes(round uint32) *VoteSet {
	vs, ok := h.prevotes[round]
	if !ok {
		vs = NewVoteSet(h.height, round, StepPrevote, h.vals)
		h.prevotes[round] = vs
	}
	return vs
}

// Precommits returns the precommit set for round, creating it if needed.
func (h *HeightVoteSet) Precommits(round uint32) *VoteSet {
	vs, ok := h.precommits[round]
	if !ok {
		vs = NewVoteSet(h.height, round, StepPrecommit, h.vals)
		h.precommits[round] = vs
	}
	return vs
}

// AddVote routes vote to the set for its type and round.
func (h *HeightVoteSet) AddVote(vote *Vote) (bool, *Vote, error) {
	switch vote.Type {
	case StepPrevote:
		return h.Prevotes(vote.Round).AddVote(vote)
	case StepPrecommit:
		return h.Precommits(vote.Round).AddVote(vote)
	default:
		return false, nil, fmt.Errorf("%w: vote type %s", ErrInvalidVote, vote.Type)
	}
}

// lookup returns the existing set without creating one.
func (h *HeightVoteSet) lookup(voteType Step, round uint32) *VoteSet {
	if voteType == StepPrevote {
		return h.prevotes[round]
	}
	return h.precommits[round]
}
