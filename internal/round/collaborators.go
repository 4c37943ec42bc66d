package round

import "consensus-core/internal/validator"

// Signer signs consensus messages on behalf of the local validator.
type Signer interface {
	ID() validator.ID
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature against a validator's consensus public key.
type Verifier interface {
	Verify(pubKey, msg, sig []byte) bool
}

// ValidatorSource supplies the validator snapshot used for a height.
type ValidatorSource interface {
	Snapshot() *validator.Set
}

// BlockSource assembles the payload the local node proposes.
type BlockSource interface {
	ProposalPayload(height uint64) ([]byte, error)
}

// Committer receives finalized proposals. A returned error is retried after
// the commit timeout.
type Committer interface {
	Commit(block *Block) error
}

// Broadcaster sends local proposals and votes to peers. Implementations must
// not call back into the StateMachine synchronously.
type Broadcaster interface {
	BroadcastProposal(p *Proposal)
	BroadcastVote(v *Vote)
}

// EvidenceSink receives misbehavior observed while processing messages.
type EvidenceSink interface {
	ReportDoubleSign(id validator.ID, height uint64, round uint32, sigA, sigB []byte)
	ReportInvalidProposal(id validator.ID, height uint64, round uint32, hash Hash, description string)
	ReportLiveness(id validator.ID, height uint64, missedRounds uint32)
}

// Observer is notified of state changes. Calls happen with the state lock
// held and must not block.
type Observer interface {
	OnNewRound(height uint64, round uint32, proposer validator.ID)
	OnProposal(p *Proposal)
	OnVote(v *Vote)
	OnTimeout(ti TimeoutInfo)
	OnCommit(block *Block)
	OnDropped(kind string, err error)
}

// NopObserver ignores all notifications. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnNewRound(uint64, uint32, validator.ID) {}
func (NopObserver) OnProposal(*Proposal)                    {}
func (NopObserver) OnVote(*Vote)                            {}
func (NopObserver) OnTimeout(TimeoutInfo)                   {}
func (NopObserver) OnCommit(*Block)                         {}
func (NopObserver) OnDropped(string, error)                 {}

// Observers fans notifications out in order.
type Observers []Observer

func (obs Observers) OnNewRound(height uint64, round uint32, proposer validator.ID) {
	for _, o := range obs {
		o.OnNewRound(height, round, proposer)
	}
}

func (obs Observers) OnProposal(p *Proposal) {
	for _, o := range obs {
		o.OnProposal(p)
	}
}

func (obs Observers) OnVote(v *Vote) {
	for _, o := range obs {
		o.OnVote(v)
	}
}

func (obs Observers) OnTimeout(ti TimeoutInfo) {
	for _, o := range obs {
		o.OnTimeout(ti)
	}
}

func (obs Observers) OnCommit(block *Block) {
	for _, o := range obs {
		o.OnCommit(block)
	}
}

func (obs Observers) OnDropped(kind string, err error) {
	for _, o := range obs {
		o.OnDropped(kind, err)
	}
}

type nopBlocks struct{}

func (nopBlocks) ProposalPayload(uint64) ([]byte, error) { return nil, nil }

type nopCommitter struct{}

func (nopCommitter) Commit(*Block) error { return nil }

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastProposal(*Proposal) {}
func (nopBroadcaster) BroadcastVote(*Vote)         {}

type nopEvidence struct{}

func (nopEvidence) ReportDoubleSign(validator.ID, uint64, uint32, []byte, []byte) {}
func (nopEvidence) ReportInvalidProposal(validator.ID, uint64, uint32, Hash, string) {}
func (nopEvidence) ReportLiveness(validator.ID, uint64, uint32)                   {}
