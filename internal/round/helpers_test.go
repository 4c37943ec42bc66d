package round

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"consensus-core/internal/config"
	"consensus-core/internal/crypto"
	"consensus-core/internal/validator"
)

const testChainID = "test-chain"

type manualScheduler struct {
	last  TimeoutInfo
	count int
}

func (s *manualScheduler) ScheduleTimeout(ti TimeoutInfo) {
	s.last = ti
	s.count++
}

type recordingEvidence struct {
	doubleSigns []validator.ID
	invalid     map[validator.ID]string
	liveness    map[validator.ID]uint32
}

func newRecordingEvidence() *recordingEvidence {
	return &recordingEvidence{
		invalid:  make(map[validator.ID]string),
		liveness: make(map[validator.ID]uint32),
	}
}

func (e *recordingEvidence) ReportDoubleSign(id validator.ID, _ uint64, _ uint32, _, _ []byte) {
	e.doubleSigns = append(e.doubleSigns, id)
}

func (e *recordingEvidence) ReportInvalidProposal(id validator.ID, _ uint64, _ uint32, _ Hash, desc string) {
	e.invalid[id] = desc
}

func (e *recordingEvidence) ReportLiveness(id validator.ID, _ uint64, missed uint32) {
	e.liveness[id] = missed
}

type recordingCommitter struct {
	mu     sync.Mutex
	blocks []*Block
	fail   int
}

func (c *recordingCommitter) Commit(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("store unavailable")
	}
	c.blocks = append(c.blocks, b)
	return nil
}

func (c *recordingCommitter) committed() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Block(nil), c.blocks...)
}

type message struct {
	from     int
	proposal *Proposal
	vote     *Vote
}

type bus struct {
	queue []message
}

type busBroadcaster struct {
	bus  *bus
	from int
}

func (b busBroadcaster) BroadcastProposal(p *Proposal) {
	b.bus.queue = append(b.bus.queue, message{from: b.from, proposal: p})
}

func (b busBroadcaster) BroadcastVote(v *Vote) {
	b.bus.queue = append(b.bus.queue, message{from: b.from, vote: v})
}

type payloadSource struct{ tag string }

func (s payloadSource) ProposalPayload(height uint64) ([]byte, error) {
	return []byte(fmt.Sprintf("%s-%d", s.tag, height)), nil
}

type node struct {
	sm        *StateMachine
	signer    *crypto.Ed25519Signer
	sched     *manualScheduler
	committer *recordingCommitter
	evidence  *recordingEvidence
	down      bool
}

type testNet struct {
	t       *testing.T
	manager *validator.Manager
	nodes   []*node
	bus     *bus
}

func testConsensusConfig() config.Consensus {
	cfg := config.DefaultConsensus()
	cfg.MinStake = 1
	cfg.MinStorage = 1
	cfg.StorageWeightCap = 10
	return cfg
}

func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()
	cfg := testConsensusConfig()
	tn := &testNet{t: t, manager: validator.NewManager(cfg, nil), bus: &bus{}}
	for i := 0; i < n; i++ {
		signer := crypto.SignerFromSecret([]byte(fmt.Sprintf("node-%d", i)))
		require.NoError(t, tn.manager.RegisterValidator(signer.ID(), 1000, 10, signer.PubKey(), 0, true))
		tn.nodes = append(tn.nodes, &node{signer: signer})
	}
	for i, nd := range tn.nodes {
		nd.sched = &manualScheduler{}
		nd.committer = &recordingCommitter{}
		nd.evidence = newRecordingEvidence()
		sm, err := NewStateMachine(Options{
			ChainID:     testChainID,
			Timeouts:    TimeoutsFromConfig(cfg),
			Validators:  tn.manager,
			Signer:      nd.signer,
			Verifier:    crypto.Ed25519Verifier{},
			Scheduler:   nd.sched,
			Blocks:      payloadSource{tag: fmt.Sprintf("node-%d", i)},
			Committer:   nd.committer,
			Broadcaster: busBroadcaster{bus: tn.bus, from: i},
			Evidence:    nd.evidence,
		})
		require.NoError(t, err)
		nd.sm = sm
	}
	return tn
}

func (tn *testNet) start(height uint64) {
	tn.t.Helper()
	for _, nd := range tn.nodes {
		if !nd.down {
			require.NoError(tn.t, nd.sm.Start(height))
		}
	}
}

func (tn *testNet) deliver() {
	for len(tn.bus.queue) > 0 {
		msg := tn.bus.queue[0]
		tn.bus.queue = tn.bus.queue[1:]
		for i, nd := range tn.nodes {
			if i == msg.from || nd.down {
				continue
			}
			if msg.proposal != nil {
				_ = nd.sm.HandleProposal(msg.proposal.Copy())
			} else {
				_ = nd.sm.HandleVote(msg.vote.Copy())
			}
		}
	}
}

// fireTimeouts fires the pending timeout of every live node that is not
// waiting in the commit step.
func (tn *testNet) fireTimeouts(includeCommit bool) {
	for _, nd := range tn.nodes {
		if nd.down {
			continue
		}
		if nd.sm.CurrentRound().Step == StepCommit && !includeCommit {
			continue
		}
		_ = nd.sm.HandleTimeout(nd.sched.last)
	}
}

func (tn *testNet) nodeByID(id validator.ID) *node {
	for _, nd := range tn.nodes {
		if nd.signer.ID() == id {
			return nd
		}
	}
	tn.t.Fatalf("no node for %s", id.Short())
	return nil
}

func (tn *testNet) proposerOf(height uint64, round uint32) *node {
	v, ok := tn.manager.SelectProposer(height, round)
	require.True(tn.t, ok)
	return tn.nodeByID(v.ID)
}

func signedVote(t *testing.T, s *crypto.Ed25519Signer, typ Step, height uint64, round uint32, hash *Hash) *Vote {
	t.Helper()
	v := &Vote{Type: typ, Height: height, Round: round, BlockHash: hash, Validator: s.ID()}
	sig, err := s.Sign(v.SignBytes(testChainID))
	require.NoError(t, err)
	v.Signature = sig
	return v
}

func signedProposal(t *testing.T, s *crypto.Ed25519Signer, height uint64, round uint32, pol int32, payload string) *Proposal {
	t.Helper()
	p := &Proposal{
		Height:   height,
		Round:    round,
		POLRound: pol,
		Hash:     HashPayload([]byte(payload)),
		Payload:  []byte(payload),
		Proposer: s.ID(),
	}
	sig, err := s.Sign(p.SignBytes(testChainID))
	require.NoError(t, err)
	p.Signature = sig
	return p
}
