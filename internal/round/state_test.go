package round

import (
	"testing"

	"github.com/stretchr/testify/require"

	"consensus-core/internal/crypto"
	"consensus-core/internal/validator"
)

func TestHappyPathCommitsEveryNode(t *testing.T) {
	tn := newTestNet(t, 4)
	tn.start(1)
	tn.deliver()

	proposer := tn.proposerOf(1, 0)
	want := proposer.sm.LastCommit().Proposal.Hash
	for _, nd := range tn.nodes {
		blocks := nd.committer.committed()
		require.Len(t, blocks, 1)
		require.EqualValues(t, 1, blocks[0].Height)
		require.Zero(t, blocks[0].Round)
		require.Equal(t, want, blocks[0].Proposal.Hash)
		require.GreaterOrEqual(t, len(blocks[0].Precommits), 3)

		cr := nd.sm.CurrentRound()
		require.Equal(t, StepCommit, cr.Step)
		require.False(t, cr.TimedOut)
		require.NotNil(t, cr.LockedProposal)
		require.Equal(t, want, cr.LockedProposal.Hash)
		require.Equal(t, StepCommit, nd.sched.last.Step)
	}

	tn.fireTimeouts(true)
	for _, nd := range tn.nodes {
		cr := nd.sm.CurrentRound()
		require.EqualValues(t, 2, cr.Height)
		require.Zero(t, cr.Round)
		require.Nil(t, cr.LockedProposal)
	}
	tn.deliver()
	for _, nd := range tn.nodes {
		blocks := nd.committer.committed()
		require.Len(t, blocks, 2)
		require.EqualValues(t, 2, blocks[1].Height)
		require.Empty(t, nd.evidence.liveness)
	}
}

func TestProposerDownAdvancesRound(t *testing.T) {
	tn := newTestNet(t, 4)
	down := tn.proposerOf(1, 0)
	down.down = true
	tn.start(1)

	committed := func() bool {
		for _, nd := range tn.nodes {
			if !nd.down && len(nd.committer.committed()) == 0 {
				return false
			}
		}
		return true
	}
	for i := 0; i < 40 && !committed(); i++ {
		tn.deliver()
		if committed() {
			break
		}
		tn.fireTimeouts(false)
	}
	require.True(t, committed())

	var hash Hash
	var commitRound uint32
	for _, nd := range tn.nodes {
		if nd.down {
			continue
		}
		b := nd.committer.committed()[0]
		require.GreaterOrEqual(t, b.Round, uint32(1))
		if hash == (Hash{}) {
			hash, commitRound = b.Proposal.Hash, b.Round
		}
		require.Equal(t, hash, b.Proposal.Hash)
	}

	tn.fireTimeouts(true)
	for _, nd := range tn.nodes {
		if nd.down {
			continue
		}
		require.Equal(t, map[validator.ID]uint32{down.signer.ID(): commitRound + 1}, nd.evidence.liveness)
		require.EqualValues(t, 2, nd.sm.CurrentRound().Height)
	}
}

func TestCommitRetriedAfterFailure(t *testing.T) {
	tn := newTestNet(t, 4)
	tn.nodes[0].committer.fail = 1
	tn.start(1)
	tn.deliver()

	first := tn.nodes[0]
	require.Empty(t, first.committer.committed())
	require.Nil(t, first.sm.LastCommit())
	require.Equal(t, StepCommit, first.sm.CurrentRound().Step)

	require.NoError(t, first.sm.HandleTimeout(first.sched.last))
	require.Len(t, first.committer.committed(), 1)
	require.NotNil(t, first.sm.LastCommit())
	require.EqualValues(t, 1, first.sm.CurrentRound().Height)
}

// lockNet starts a single live node that is not the proposer of rounds 0..2
// at height 1. Every other node only signs messages injected by the test.
func lockNet(t *testing.T) (*testNet, *node, []*node) {
	tn := newTestNet(t, 4)
	proposers := map[validator.ID]bool{}
	for r := uint32(0); r < 3; r++ {
		proposers[tn.proposerOf(1, r).signer.ID()] = true
	}
	var m *node
	for _, nd := range tn.nodes {
		if !proposers[nd.signer.ID()] {
			m = nd
			break
		}
	}
	require.NotNil(t, m)

	var others []*node
	for _, nd := range tn.nodes {
		if nd != m {
			nd.down = true
			others = append(others, nd)
		}
	}
	tn.start(1)
	return tn, m, others
}

// lockOnA drives m to lock on a round-0 proposal and then times out into round 1.
func lockOnA(t *testing.T, tn *testNet, m *node, others []*node) Hash {
	p0 := signedProposal(t, tn.proposerOf(1, 0).signer, 1, 0, -1, "block-A")
	require.NoError(t, m.sm.HandleProposal(p0))

	cr := m.sm.CurrentRound()
	require.Equal(t, StepPrevote, cr.Step)
	require.Equal(t, p0.Hash, *cr.Votes[VoteKey{StepPrevote, m.signer.ID()}].BlockHash)

	for _, o := range others[:2] {
		require.NoError(t, m.sm.HandleVote(signedVote(t, o.signer, StepPrevote, 1, 0, &p0.Hash)))
	}
	cr = m.sm.CurrentRound()
	require.Equal(t, StepPrecommit, cr.Step)
	require.Equal(t, &LockedProposal{Hash: p0.Hash, Round: 0}, cr.LockedProposal)
	require.Equal(t, p0.Hash, *cr.Votes[VoteKey{StepPrecommit, m.signer.ID()}].BlockHash)

	require.Equal(t, StepPrecommit, m.sched.last.Step)
	require.NoError(t, m.sm.HandleTimeout(m.sched.last))

	cr = m.sm.CurrentRound()
	require.EqualValues(t, 1, cr.Round)
	require.Equal(t, StepPropose, cr.Step)
	require.True(t, cr.TimedOut)
	require.Equal(t, &LockedProposal{Hash: p0.Hash, Round: 0}, cr.LockedProposal)

	cfg := testConsensusConfig()
	require.Equal(t, cfg.ProposeTimeout+cfg.TimeoutDelta, m.sched.last.Duration)
	return p0.Hash
}

func TestLockedNodePrevotesLockedProposal(t *testing.T) {
	tn, m, others := lockNet(t)
	a := lockOnA(t, tn, m, others)

	p1 := signedProposal(t, tn.proposerOf(1, 1).signer, 1, 1, -1, "block-B")
	require.NoError(t, m.sm.HandleProposal(p1))

	cr := m.sm.CurrentRound()
	require.Equal(t, StepPrevote, cr.Step)
	require.Equal(t, a, *cr.Votes[VoteKey{StepPrevote, m.signer.ID()}].BlockHash)
}

func TestNilPolkaUnlocks(t *testing.T) {
	tn, m, others := lockNet(t)
	lockOnA(t, tn, m, others)

	p1 := signedProposal(t, tn.proposerOf(1, 1).signer, 1, 1, -1, "block-B")
	require.NoError(t, m.sm.HandleProposal(p1))
	for _, o := range others {
		require.NoError(t, m.sm.HandleVote(signedVote(t, o.signer, StepPrevote, 1, 1, nil)))
	}

	cr := m.sm.CurrentRound()
	require.Nil(t, cr.LockedProposal)
	require.Equal(t, StepPrecommit, cr.Step)
	require.Nil(t, cr.Votes[VoteKey{StepPrecommit, m.signer.ID()}].BlockHash)
}

func TestLaterPolkaMovesLock(t *testing.T) {
	tn, m, others := lockNet(t)
	lockOnA(t, tn, m, others)

	p1 := signedProposal(t, tn.proposerOf(1, 1).signer, 1, 1, -1, "block-B")
	require.NoError(t, m.sm.HandleProposal(p1))
	for _, o := range others {
		require.NoError(t, m.sm.HandleVote(signedVote(t, o.signer, StepPrevote, 1, 1, &p1.Hash)))
	}

	cr := m.sm.CurrentRound()
	require.Equal(t, &LockedProposal{Hash: p1.Hash, Round: 1}, cr.LockedProposal)
	require.Equal(t, p1.Hash, *cr.ValidProposal)
	require.Equal(t, p1.Hash, *cr.Votes[VoteKey{StepPrecommit, m.signer.ID()}].BlockHash)
}

func TestPrevoteTargetProofOfLockChange(t *testing.T) {
	tn, m, others := lockNet(t)
	a := lockOnA(t, tn, m, others)
	b := HashPayload([]byte("block-B"))

	sm := m.sm
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.round = 2
	sm.proposals[2] = &Proposal{Height: 1, Round: 2, POLRound: 1, Hash: b}
	require.Equal(t, a, *sm.prevoteTarget(), "no polka yet")

	for _, o := range others {
		_, _, err := sm.votes.AddVote(signedVote(t, o.signer, StepPrevote, 1, 1, &b))
		require.NoError(t, err)
	}
	require.Equal(t, b, *sm.prevoteTarget())

	sm.proposals[2].POLRound = 0
	require.Equal(t, a, *sm.prevoteTarget(), "POL not newer than the lock")
}

func TestConflictingVotesReportDoubleSign(t *testing.T) {
	_, m, others := lockNet(t)
	a, b := HashPayload([]byte("a")), HashPayload([]byte("b"))
	culprit := others[0]

	require.NoError(t, m.sm.HandleVote(signedVote(t, culprit.signer, StepPrevote, 1, 0, &a)))
	err := m.sm.HandleVote(signedVote(t, culprit.signer, StepPrevote, 1, 0, &b))
	require.ErrorIs(t, err, ErrConflictingVote)
	require.Equal(t, []validator.ID{culprit.signer.ID()}, m.evidence.doubleSigns)
}

func TestInvalidProposalHandling(t *testing.T) {
	tn, m, others := lockNet(t)
	proposer := tn.proposerOf(1, 0)
	var impostor *node
	for _, o := range others {
		if o != proposer {
			impostor = o
			break
		}
	}

	err := m.sm.HandleProposal(signedProposal(t, impostor.signer, 1, 0, -1, "fake"))
	require.ErrorIs(t, err, ErrInvalidProposal)
	require.Contains(t, m.evidence.invalid, impostor.signer.ID())

	// a relay swapping the payload under a valid signature must not frame the proposer
	for i := 0; i < 3; i++ {
		bad := signedProposal(t, proposer.signer, 1, 0, -1, "real")
		bad.Payload = []byte("tampered")
		err = m.sm.HandleProposal(bad)
		require.ErrorIs(t, err, ErrInvalidProposal)
	}
	require.NotContains(t, m.evidence.invalid, proposer.signer.ID())

	forged := signedProposal(t, proposer.signer, 1, 0, -1, "real")
	forged.Signature[0] ^= 0xff
	err = m.sm.HandleProposal(forged)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, StepPropose, m.sm.CurrentRound().Step)

	require.NoError(t, m.sm.HandleProposal(signedProposal(t, proposer.signer, 1, 0, -1, "real")))
	require.NotContains(t, m.evidence.invalid, proposer.signer.ID())
}

func TestConflictingProposalsReportDoubleSign(t *testing.T) {
	tn, m, _ := lockNet(t)
	proposer := tn.proposerOf(1, 0)

	require.NoError(t, m.sm.HandleProposal(signedProposal(t, proposer.signer, 1, 0, -1, "one")))
	err := m.sm.HandleProposal(signedProposal(t, proposer.signer, 1, 0, -1, "two"))
	require.ErrorIs(t, err, ErrInvalidProposal)
	require.Equal(t, []validator.ID{proposer.signer.ID()}, m.evidence.doubleSigns)
}

func TestVoteRejections(t *testing.T) {
	_, m, others := lockNet(t)
	s := others[0].signer

	err := m.sm.HandleVote(signedVote(t, s, StepPrevote, 7, 0, nil))
	require.ErrorIs(t, err, ErrInvalidVote)

	err = m.sm.HandleVote(signedVote(t, s, StepPrevote, 1, maxRoundLookahead+1, nil))
	require.ErrorIs(t, err, ErrInvalidVote)

	stranger := crypto.SignerFromSecret([]byte("stranger"))
	err = m.sm.HandleVote(signedVote(t, stranger, StepPrevote, 1, 0, nil))
	require.ErrorIs(t, err, ErrUnknownValidator)

	v := signedVote(t, s, StepPrevote, 1, 0, nil)
	v.Signature[0] ^= 0xff
	err = m.sm.HandleVote(v)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandleBeforeStart(t *testing.T) {
	tn := newTestNet(t, 1)
	sm := tn.nodes[0].sm
	require.ErrorIs(t, sm.HandleVote(&Vote{Type: StepPrevote}), ErrNotStarted)
	require.ErrorIs(t, sm.HandleProposal(&Proposal{}), ErrNotStarted)
	require.ErrorIs(t, sm.HandleTimeout(TimeoutInfo{}), ErrNotStarted)
	require.Nil(t, sm.CurrentRound().Proposer)
}

func TestStartWithoutValidators(t *testing.T) {
	tn := newTestNet(t, 0)
	sm, err := NewStateMachine(Options{
		Validators: tn.manager,
		Verifier:   crypto.Ed25519Verifier{},
		Scheduler:  &manualScheduler{},
	})
	require.NoError(t, err)
	require.ErrorIs(t, sm.Start(1), ErrNoProposerSelected)
}

func TestStaleTimeoutIgnored(t *testing.T) {
	tn := newTestNet(t, 4)
	tn.start(1)
	nd := tn.nodes[0]
	before := nd.sm.CurrentRound()
	require.NoError(t, nd.sm.HandleTimeout(TimeoutInfo{Height: 1, Round: 5, Step: StepPropose}))
	after := nd.sm.CurrentRound()
	require.Equal(t, before.Round, after.Round)
	require.Equal(t, before.Step, after.Step)
}

func TestSingleValidatorCommitsAlone(t *testing.T) {
	tn := newTestNet(t, 1)
	tn.start(1)
	nd := tn.nodes[0]
	require.Len(t, nd.committer.committed(), 1)
	require.Equal(t, []byte("node-0-1"), nd.committer.committed()[0].Proposal.Payload)
}

func TestProposalForPassedRoundRejected(t *testing.T) {
	tn := newTestNet(t, 4)
	down := tn.proposerOf(1, 0)
	down.down = true
	tn.start(1)

	var live *node
	for _, nd := range tn.nodes {
		if !nd.down {
			live = nd
			break
		}
	}
	for i := 0; i < 20 && live.sm.CurrentRound().Round == 0; i++ {
		tn.deliver()
		if live.sm.CurrentRound().Round > 0 {
			break
		}
		tn.fireTimeouts(false)
	}
	require.Greater(t, live.sm.CurrentRound().Round, uint32(0))

	late := signedProposal(t, down.signer, 1, 0, -1, "late")
	require.ErrorIs(t, live.sm.HandleProposal(late), ErrRoundTimedOut)
}
