// Package round drives a single height through Propose, Prevote, Precommit
// and Commit, tracking proposals, votes, locks and per-step timeouts.
package round

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"

	"consensus-core/internal/validator"
)

// Step is a phase of a consensus round.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "Propose"
	case StepPrevote:
		return "Prevote"
	case StepPrecommit:
		return "Precommit"
	case StepCommit:
		return "Commit"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// Hash identifies a proposal payload.
type Hash [tmhash.Size]byte

// HashPayload hashes an opaque proposal payload.
func HashPayload(payload []byte) Hash {
	var h Hash
	copy(h[:], tmhash.Sum(payload))
	return h
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 6 bytes in hex, for logs.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

func hashPtrString(h *Hash) string {
	if h == nil {
		return "nil"
	}
	return h.Short()
}

func hashPtrEqual(a, b *Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Vote is a signed prevote or precommit. A nil BlockHash is a vote for nil.
type Vote struct {
	Type      Step
	Height    uint64
	Round     uint32
	BlockHash *Hash
	Validator validator.ID
	Signature []byte
}

// IsNil reports whether this is a vote for nil.
func (v *Vote) IsNil() bool { return v.BlockHash == nil }

// Copy returns a deep copy.
func (v *Vote) Copy() *Vote {
	c := *v
	if v.BlockHash != nil {
		h := *v.BlockHash
		c.BlockHash = &h
	}
	c.Signature = append([]byte(nil), v.Signature...)
	return &c
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s %d/%d %s by %s}", v.Type, v.Height, v.Round, hashPtrString(v.BlockHash), v.Validator.Short())
}

// SignBytes is the canonical message a validator signs for this vote.
func (v *Vote) SignBytes(chainID string) []byte {
	buf := make([]byte, 0, 64+len(chainID))
	buf = append(buf, 'V', byte(v.Type))
	buf = appendString(buf, chainID)
	buf = binary.BigEndian.AppendUint64(buf, v.Height)
	buf = binary.BigEndian.AppendUint32(buf, v.Round)
	if v.BlockHash == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, v.BlockHash[:]...)
}

// Proposal is a signed block proposal. POLRound is the round of the
// proof-of-lock the proposer is re-proposing from, or -1.
type Proposal struct {
	Height    uint64
	Round     uint32
	POLRound  int32
	Hash      Hash
	Payload   []byte
	Proposer  validator.ID
	Signature []byte
}

// Copy returns a deep copy.
func (p *Proposal) Copy() *Proposal {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.Signature = append([]byte(nil), p.Signature...)
	return &c
}

func (p *Proposal) String() string {
	return fmt.Sprintf("Proposal{%d/%d %s pol=%d by %s}", p.Height, p.Round, p.Hash.Short(), p.POLRound, p.Proposer.Short())
}

// SignBytes is the canonical message a proposer signs. The payload is
// covered through Hash.
func (p *Proposal) SignBytes(chainID string) []byte {
	buf := make([]byte, 0, 64+len(chainID))
	buf = append(buf, 'P')
	buf = appendString(buf, chainID)
	buf = binary.BigEndian.AppendUint64(buf, p.Height)
	buf = binary.BigEndian.AppendUint32(buf, p.Round)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.POLRound))
	return append(buf, p.Hash[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// TimeoutInfo identifies the step a timeout was armed for.
type TimeoutInfo struct {
	Duration time.Duration
	Height   uint64
	Round    uint32
	Step     Step
}

func (ti TimeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d %s", ti.Duration, ti.Height, ti.Round, ti.Step)
}

// VoteKey indexes ConsensusRound.Votes.
type VoteKey struct {
	Step      Step
	Validator validator.ID
}

// LockedProposal is the proposal a node locked on and the round it locked in.
type LockedProposal struct {
	Hash  Hash
	Round uint32
}

// ConsensusRound is a read-only snapshot of the active round.
type ConsensusRound struct {
	Height         uint64
	Round          uint32
	Step           Step
	Proposer       *validator.ID
	Proposals      map[uint32]Hash
	Votes          map[VoteKey]*Vote
	LockedProposal *LockedProposal
	ValidProposal  *Hash
	TimedOut       bool
}

// Block is what the state machine hands to the Committer on commit.
type Block struct {
	Height     uint64
	Round      uint32
	Proposal   *Proposal
	Precommits []*Vote
}
