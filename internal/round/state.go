package round

import (
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/logger"
	"consensus-core/internal/validator"
)

// maxRoundLookahead bounds how far ahead of the current round votes and
// proposals are accepted.
const maxRoundLookahead = 10

// Options wires a StateMachine to its collaborators. Validators, Verifier
// and Scheduler are required; the rest default to no-ops. A nil Signer makes
// the node a non-voting observer.
type Options struct {
	ChainID     string
	Timeouts    Timeouts
	Validators  ValidatorSource
	Signer      Signer
	Verifier    Verifier
	Scheduler   Scheduler
	Blocks      BlockSource
	Committer   Committer
	Broadcaster Broadcaster
	Evidence    EvidenceSink
	Observer    Observer
	Logger      *logger.Logger
}

// StateMachine runs the propose, prevote, precommit and commit steps for one
// height at a time. All inputs are serialized behind a single lock.
type StateMachine struct {
	mu deadlock.RWMutex

	chainID     string
	timeouts    Timeouts
	source      ValidatorSource
	signer      Signer
	verifier    Verifier
	scheduler   Scheduler
	blocks      BlockSource
	committer   Committer
	broadcaster Broadcaster
	evidence    EvidenceSink
	observer    Observer
	log         *logger.Logger

	started  bool
	height   uint64
	round    uint32
	step     Step
	vals     *validator.Set
	proposer validator.Validator

	proposals      map[uint32]*Proposal
	votes          *HeightVoteSet
	lockedRound    int32
	lockedProposal *Proposal
	validRound     int32
	validProposal  *Proposal
	timedOut       bool

	commitRound      uint32
	pendingCommit    *Block
	lastCommit       *Block
	livenessReported bool
}

func NewStateMachine(opts Options) (*StateMachine, error) {
	if opts.Validators == nil || opts.Verifier == nil || opts.Scheduler == nil {
		return nil, errors.New("round: validators, verifier and scheduler are required")
	}
	sm := &StateMachine{
		chainID:     opts.ChainID,
		timeouts:    opts.Timeouts,
		source:      opts.Validators,
		signer:      opts.Signer,
		verifier:    opts.Verifier,
		scheduler:   opts.Scheduler,
		blocks:      opts.Blocks,
		committer:   opts.Committer,
		broadcaster: opts.Broadcaster,
		evidence:    opts.Evidence,
		observer:    opts.Observer,
		log:         opts.Logger,
		lockedRound: -1,
		validRound:  -1,
	}
	if sm.blocks == nil {
		sm.blocks = nopBlocks{}
	}
	if sm.committer == nil {
		sm.committer = nopCommitter{}
	}
	if sm.broadcaster == nil {
		sm.broadcaster = nopBroadcaster{}
	}
	if sm.evidence == nil {
		sm.evidence = nopEvidence{}
	}
	if sm.observer == nil {
		sm.observer = NopObserver{}
	}
	if sm.log == nil {
		sm.log = logger.NewNop()
	}
	return sm, nil
}

// Start begins round 0 of height.
func (sm *StateMachine) Start(height uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.enterNewHeight(height); err != nil {
		return err
	}
	sm.started = true
	return nil
}

// CurrentRound returns a snapshot of the active round.
func (sm *StateMachine) CurrentRound() ConsensusRound {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	cr := ConsensusRound{
		Height:    sm.height,
		Round:     sm.round,
		Step:      sm.step,
		Proposals: make(map[uint32]Hash, len(sm.proposals)),
		Votes:     make(map[VoteKey]*Vote),
		TimedOut:  sm.timedOut,
	}
	if !sm.started {
		return cr
	}
	id := sm.proposer.ID
	cr.Proposer = &id
	for r, p := range sm.proposals {
		cr.Proposals[r] = p.Hash
	}
	for _, typ := range []Step{StepPrevote, StepPrecommit} {
		vs := sm.votes.lookup(typ, sm.round)
		if vs == nil {
			continue
		}
		for _, v := range vs.Votes() {
			cr.Votes[VoteKey{Step: typ, Validator: v.Validator}] = v
		}
	}
	if sm.lockedProposal != nil {
		cr.LockedProposal = &LockedProposal{Hash: sm.lockedProposal.Hash, Round: uint32(sm.lockedRound)}
	}
	if sm.validProposal != nil {
		h := sm.validProposal.Hash
		cr.ValidProposal = &h
	}
	return cr
}

// Height returns the height being decided.
func (sm *StateMachine) Height() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.height
}

// Validators returns the snapshot in use for the current height.
func (sm *StateMachine) Validators() *validator.Set {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.vals
}

// LastCommit returns the most recently committed block, or nil.
func (sm *StateMachine) LastCommit() *Block {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastCommit
}

// HandleProposal validates and stores a proposal. Misbehavior attributable
// to a validator is reported to the EvidenceSink.
func (sm *StateMachine) HandleProposal(p *Proposal) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return ErrNotStarted
	}
	if p.Height != sm.height {
		return fmt.Errorf("%w: height %d, at %d", ErrInvalidProposal, p.Height, sm.height)
	}
	if p.Round < sm.round && !sm.awaitingProposal(p.Round) {
		return fmt.Errorf("%w: proposal for round %d, at %d", ErrRoundTimedOut, p.Round, sm.round)
	}
	if p.Round > sm.round+maxRoundLookahead {
		return fmt.Errorf("%w: round %d, at %d", ErrInvalidProposal, p.Round, sm.round)
	}

	signer, ok := sm.vals.Get(p.Proposer)
	if !ok {
		return fmt.Errorf("%w: proposer %s", ErrUnknownValidator, p.Proposer.Short())
	}
	if !sm.verifier.Verify(signer.ConsensusPubKey, p.SignBytes(sm.chainID), p.Signature) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, p)
	}
	// The signature covers only the hash; a mismatched payload is not evidence.
	if HashPayload(p.Payload) != p.Hash {
		return fmt.Errorf("%w: %s: payload does not match hash", ErrInvalidProposal, p)
	}
	if reason := sm.checkProposal(p); reason != "" {
		sm.evidence.ReportInvalidProposal(p.Proposer, p.Height, p.Round, p.Hash, reason)
		return fmt.Errorf("%w: %s: %s", ErrInvalidProposal, p, reason)
	}
	if existing, ok := sm.proposals[p.Round]; ok {
		if existing.Hash == p.Hash {
			return nil
		}
		sm.evidence.ReportDoubleSign(p.Proposer, p.Height, p.Round, existing.Signature, p.Signature)
		return fmt.Errorf("%w: conflicting proposal %s, have %s", ErrInvalidProposal, p.Hash.Short(), existing.Hash.Short())
	}

	sm.proposals[p.Round] = p.Copy()
	sm.observer.OnProposal(p.Copy())
	sm.log.Printf("received %s", p)

	if sm.step == StepCommit {
		return nil
	}
	// a precommit majority may have been waiting for this payload
	for r, vs := range sm.votes.precommits {
		if maj, ok := vs.TwoThirdsMajority(); ok && maj != nil && *maj == p.Hash {
			sm.enterCommit(r, p.Hash)
			return nil
		}
	}
	if p.Round == sm.round && sm.step == StepPropose {
		sm.enterPrevote()
	}
	return nil
}

// awaitingProposal reports whether an earlier round has a precommit
// majority for a proposal that never arrived.
func (sm *StateMachine) awaitingProposal(r uint32) bool {
	if _, ok := sm.proposals[r]; ok {
		return false
	}
	vs := sm.votes.lookup(StepPrecommit, r)
	if vs == nil {
		return false
	}
	maj, ok := vs.TwoThirdsMajority()
	return ok && maj != nil
}

func (sm *StateMachine) checkProposal(p *Proposal) string {
	expected, _ := sm.vals.Proposer(p.Height, p.Round)
	switch {
	case p.Proposer != expected.ID:
		return fmt.Sprintf("not the proposer for %d/%d", p.Height, p.Round)
	case p.POLRound < -1 || p.POLRound >= int32(p.Round):
		return fmt.Sprintf("invalid POL round %d", p.POLRound)
	}
	return ""
}

// HandleVote verifies and records a prevote or precommit.
func (sm *StateMachine) HandleVote(v *Vote) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return ErrNotStarted
	}
	if v.Height != sm.height {
		return fmt.Errorf("%w: height %d, at %d", ErrInvalidVote, v.Height, sm.height)
	}
	if v.Type != StepPrevote && v.Type != StepPrecommit {
		return fmt.Errorf("%w: type %s", ErrInvalidVote, v.Type)
	}
	if v.Round > sm.round+maxRoundLookahead {
		return fmt.Errorf("%w: round %d too far ahead of %d", ErrInvalidVote, v.Round, sm.round)
	}
	val, ok := sm.vals.Get(v.Validator)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, v.Validator.Short())
	}
	if !sm.verifier.Verify(val.ConsensusPubKey, v.SignBytes(sm.chainID), v.Signature) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, v)
	}

	added, err := sm.addVote(v)
	if err != nil || !added {
		return err
	}
	if sm.step == StepCommit {
		return nil
	}
	switch v.Type {
	case StepPrevote:
		sm.checkPrevotes(v.Round)
	case StepPrecommit:
		sm.checkPrecommits(v.Round)
	}
	return nil
}

// HandleTimeout processes a fired timeout. Timeouts for a step the machine
// has already left are ignored.
func (sm *StateMachine) HandleTimeout(ti TimeoutInfo) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return ErrNotStarted
	}
	if ti.Height != sm.height || ti.Round != sm.round || ti.Step != sm.step {
		return nil
	}
	sm.observer.OnTimeout(ti)

	switch ti.Step {
	case StepPropose:
		sm.log.Printf("propose timeout at %d/%d", ti.Height, ti.Round)
		sm.enterPrevote()
	case StepPrevote:
		sm.log.Printf("prevote timeout at %d/%d", ti.Height, ti.Round)
		sm.enterPrecommit(nil)
	case StepPrecommit:
		sm.log.Printf("precommit timeout at %d/%d, starting round %d", ti.Height, ti.Round, ti.Round+1)
		sm.timedOut = true
		sm.enterNewRound(sm.round + 1)
	case StepCommit:
		if sm.pendingCommit != nil {
			sm.finalizeCommit()
			return nil
		}
		if !sm.livenessReported {
			sm.reportLiveness()
			sm.livenessReported = true
		}
		if err := sm.enterNewHeight(sm.height + 1); err != nil {
			sm.schedule(StepCommit)
			return err
		}
	}
	return nil
}

// NotifyDropped forwards a message the caller discarded to the Observer.
func (sm *StateMachine) NotifyDropped(kind string, err error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sm.observer.OnDropped(kind, err)
}

func (sm *StateMachine) enterNewHeight(height uint64) error {
	vals := sm.source.Snapshot()
	if vals.Len() == 0 {
		return fmt.Errorf("%w: no active validators at height %d", ErrNoProposerSelected, height)
	}
	sm.height = height
	sm.vals = vals
	sm.proposals = make(map[uint32]*Proposal)
	sm.votes = NewHeightVoteSet(height, vals)
	sm.lockedRound, sm.lockedProposal = -1, nil
	sm.validRound, sm.validProposal = -1, nil
	sm.timedOut = false
	sm.pendingCommit = nil
	sm.livenessReported = false
	sm.enterNewRound(0)
	return nil
}

func (sm *StateMachine) enterNewRound(round uint32) {
	proposer, _ := sm.vals.Proposer(sm.height, round)
	sm.round = round
	sm.step = StepPropose
	sm.proposer = proposer
	sm.observer.OnNewRound(sm.height, round, proposer.ID)
	sm.log.Printf("new round %d/%d proposer=%s", sm.height, round, proposer.ID.Short())

	sm.schedule(StepPropose)
	if sm.isLocalValidator(proposer.ID) {
		sm.decideProposal()
	}
	if _, ok := sm.proposals[round]; ok && sm.step == StepPropose {
		sm.enterPrevote()
	}
}

func (sm *StateMachine) decideProposal() {
	var payload []byte
	pol := int32(-1)
	if sm.validProposal != nil {
		payload = sm.validProposal.Payload
		pol = sm.validRound
	} else {
		var err error
		payload, err = sm.blocks.ProposalPayload(sm.height)
		if err != nil {
			sm.log.Errorf("assemble proposal for %d/%d: %v", sm.height, sm.round, err)
			return
		}
	}

	p := &Proposal{
		Height:   sm.height,
		Round:    sm.round,
		POLRound: pol,
		Hash:     HashPayload(payload),
		Payload:  append([]byte(nil), payload...),
		Proposer: sm.signer.ID(),
	}
	sig, err := sm.signer.Sign(p.SignBytes(sm.chainID))
	if err != nil {
		sm.log.Errorf("sign proposal %d/%d: %v", sm.height, sm.round, err)
		return
	}
	p.Signature = sig
	sm.proposals[sm.round] = p
	sm.observer.OnProposal(p.Copy())
	sm.broadcaster.BroadcastProposal(p.Copy())
	sm.log.Printf("proposed %s", p)
}

func (sm *StateMachine) enterPrevote() {
	sm.step = StepPrevote
	sm.schedule(StepPrevote)
	sm.castVote(StepPrevote, sm.prevoteTarget())
	sm.checkPrevotes(sm.round)
}

// prevoteTarget applies the locking rule: a locked node prevotes its locked
// proposal unless the new proposal carries a proof-of-lock from a later round.
func (sm *StateMachine) prevoteTarget() *Hash {
	p := sm.proposals[sm.round]
	if sm.lockedProposal != nil {
		locked := sm.lockedProposal.Hash
		if p != nil && p.Hash != locked && p.POLRound > sm.lockedRound && sm.hasPOL(p.POLRound, p.Hash) {
			return &p.Hash
		}
		return &locked
	}
	if p == nil {
		return nil
	}
	h := p.Hash
	return &h
}

func (sm *StateMachine) hasPOL(round int32, hash Hash) bool {
	if round < 0 {
		return false
	}
	vs := sm.votes.lookup(StepPrevote, uint32(round))
	if vs == nil {
		return false
	}
	maj, ok := vs.TwoThirdsMajority()
	return ok && maj != nil && *maj == hash
}

func (sm *StateMachine) checkPrevotes(round uint32) {
	vs := sm.votes.Prevotes(round)
	maj, ok := vs.TwoThirdsMajority()

	if ok && maj != nil && int32(round) > sm.validRound {
		if p := sm.proposals[round]; p != nil && p.Hash == *maj {
			sm.validRound, sm.validProposal = int32(round), p
		}
	}
	// a later polka for nil or for another proposal releases the lock
	if ok && sm.lockedProposal != nil && int32(round) > sm.lockedRound && round <= sm.round &&
		(maj == nil || *maj != sm.lockedProposal.Hash) {
		sm.log.Printf("unlocking %s at %d/%d", sm.lockedProposal.Hash.Short(), sm.height, round)
		sm.lockedRound, sm.lockedProposal = -1, nil
	}

	switch {
	case round > sm.round && vs.HasTwoThirdsAny():
		sm.enterNewRound(round)
	case round == sm.round && sm.step == StepPrevote && ok:
		if maj == nil {
			sm.enterPrecommit(nil)
			return
		}
		p := sm.proposals[round]
		if p == nil || p.Hash != *maj {
			// majority for a payload we have not seen
			sm.enterPrecommit(nil)
			return
		}
		sm.lockedRound, sm.lockedProposal = int32(round), p
		sm.validRound, sm.validProposal = int32(round), p
		sm.log.Printf("locked %s at %d/%d", p.Hash.Short(), sm.height, round)
		h := p.Hash
		sm.enterPrecommit(&h)
	}
}

func (sm *StateMachine) enterPrecommit(hash *Hash) {
	sm.step = StepPrecommit
	sm.schedule(StepPrecommit)
	sm.castVote(StepPrecommit, hash)
	sm.checkPrecommits(sm.round)
}

func (sm *StateMachine) checkPrecommits(round uint32) {
	if sm.step == StepCommit {
		return
	}
	vs := sm.votes.Precommits(round)
	maj, ok := vs.TwoThirdsMajority()
	switch {
	case ok && maj != nil:
		sm.enterCommit(round, *maj)
	case round > sm.round && vs.HasTwoThirdsAny():
		sm.enterNewRound(round)
	case round == sm.round && ok:
		sm.log.Printf("precommit majority for nil at %d/%d", sm.height, round)
		sm.enterNewRound(round + 1)
	}
}

func (sm *StateMachine) findProposal(hash Hash) *Proposal {
	for _, p := range sm.proposals {
		if p.Hash == hash {
			return p
		}
	}
	if sm.lockedProposal != nil && sm.lockedProposal.Hash == hash {
		return sm.lockedProposal
	}
	if sm.validProposal != nil && sm.validProposal.Hash == hash {
		return sm.validProposal
	}
	return nil
}

func (sm *StateMachine) enterCommit(round uint32, hash Hash) {
	p := sm.findProposal(hash)
	if p == nil {
		sm.log.Printf("precommit majority for unknown proposal %s at %d/%d, waiting", hash.Short(), sm.height, round)
		return
	}
	sm.round = round
	sm.step = StepCommit
	sm.commitRound = round
	sm.pendingCommit = &Block{
		Height:     sm.height,
		Round:      round,
		Proposal:   p.Copy(),
		Precommits: sm.votes.Precommits(round).VotesFor(&hash),
	}
	sm.finalizeCommit()
}

func (sm *StateMachine) finalizeCommit() {
	block := sm.pendingCommit
	if err := sm.committer.Commit(block); err != nil {
		sm.log.Errorf("commit %d/%d failed, retrying: %v", block.Height, block.Round, err)
		sm.schedule(StepCommit)
		return
	}
	sm.pendingCommit = nil
	sm.lastCommit = block
	sm.observer.OnCommit(block)
	sm.log.Printf("committed %d/%d %s with %d precommits", block.Height, block.Round, block.Proposal.Hash.Short(), len(block.Precommits))
	sm.schedule(StepCommit)
}

// reportLiveness flags validators with no precommit in the commit round.
// It runs when the commit timeout expires so late precommits still count.
func (sm *StateMachine) reportLiveness() {
	vs := sm.votes.lookup(StepPrecommit, sm.commitRound)
	var missing []validator.ID
	if vs == nil {
		for _, v := range sm.vals.Validators() {
			missing = append(missing, v.ID)
		}
	} else {
		missing = vs.Missing()
	}
	for _, id := range missing {
		sm.evidence.ReportLiveness(id, sm.height, sm.commitRound+1)
	}
}

func (sm *StateMachine) isLocalValidator(id validator.ID) bool {
	return sm.signer != nil && sm.signer.ID() == id
}

func (sm *StateMachine) castVote(typ Step, hash *Hash) {
	if sm.signer == nil {
		return
	}
	if _, ok := sm.vals.IndexOf(sm.signer.ID()); !ok {
		return
	}
	v := &Vote{
		Type:      typ,
		Height:    sm.height,
		Round:     sm.round,
		BlockHash: hash,
		Validator: sm.signer.ID(),
	}
	sig, err := sm.signer.Sign(v.SignBytes(sm.chainID))
	if err != nil {
		sm.log.Errorf("sign %s: %v", v, err)
		return
	}
	v.Signature = sig
	if _, err := sm.addVote(v); err != nil {
		sm.log.Errorf("add own %s: %v", v, err)
		return
	}
	sm.broadcaster.BroadcastVote(v.Copy())
}

func (sm *StateMachine) addVote(v *Vote) (bool, error) {
	added, existing, err := sm.votes.AddVote(v)
	if errors.Is(err, ErrConflictingVote) && existing != nil {
		sm.evidence.ReportDoubleSign(v.Validator, v.Height, v.Round, existing.Signature, v.Signature)
	}
	if err != nil {
		return false, err
	}
	if added {
		sm.observer.OnVote(v.Copy())
	}
	return added, nil
}

func (sm *StateMachine) schedule(step Step) {
	sm.scheduler.ScheduleTimeout(TimeoutInfo{
		Duration: sm.timeouts.For(step, sm.round),
		Height:   sm.height,
		Round:    sm.round,
		Step:     step,
	})
}
