package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/engine"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

// ChannelBufferSize is the capacity of the update channel.
const ChannelBufferSize = 100

// Registry lists validators for the grid.
type Registry interface {
	Validators() []validator.Validator
}

// Feed turns round events into dashboard messages. It implements
// round.Observer; sends never block and are dropped when the dashboard lags.
type Feed struct {
	ch       chan tea.Msg
	registry Registry
	now      func() time.Time

	mu         deadlock.Mutex
	info       RoundInfo
	validators []validator.Validator
	prevotes   map[validator.ID]VoteStatus
	precommits map[validator.ID]VoteStatus
	lastCommit time.Time
	commits    int
	totalTime  time.Duration
}

// NewFeed creates a feed. SetRegistry must be called before consensus starts.
func NewFeed(chainID string) *Feed {
	return &Feed{
		ch:         make(chan tea.Msg, ChannelBufferSize),
		now:        time.Now,
		info:       RoundInfo{ChainID: chainID},
		prevotes:   make(map[validator.ID]VoteStatus),
		precommits: make(map[validator.ID]VoteStatus),
	}
}

func (f *Feed) SetRegistry(r Registry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry = r
}

func (f *Feed) listLocked() []validator.Validator {
	if f.registry == nil {
		return nil
	}
	return f.registry.Validators()
}

// Updates is the channel to pass to Run.
func (f *Feed) Updates() <-chan tea.Msg {
	return f.ch
}

// Close ends the update stream, which quits the dashboard. Call it only
// after the engine feeding f has stopped.
func (f *Feed) Close() {
	close(f.ch)
}

func (f *Feed) send(msg tea.Msg) {
	select {
	case f.ch <- msg:
	default:
	}
}

func (f *Feed) OnNewRound(height uint64, r uint32, proposer validator.ID) {
	f.mu.Lock()
	if height != f.info.Height || f.validators == nil {
		f.validators = f.listLocked()
	}
	f.info.Height = height
	f.info.Round = r
	f.info.Step = round.StepPropose.String()
	f.info.Proposer = proposer.Short()
	clear(f.prevotes)
	clear(f.precommits)
	info, grid := f.info, f.gridLocked()
	f.mu.Unlock()

	f.send(RoundMsg{Round: info})
	f.send(ValidatorsMsg{Validators: grid})
}

func (f *Feed) OnProposal(*round.Proposal) {}

func (f *Feed) OnVote(v *round.Vote) {
	status := VoteStatusNil
	if v.BlockHash != nil {
		status = VoteStatusValid
	}

	f.mu.Lock()
	if v.Height != f.info.Height || v.Round != f.info.Round {
		f.mu.Unlock()
		return
	}
	switch v.Type {
	case round.StepPrevote:
		f.prevotes[v.Validator] = status
	case round.StepPrecommit:
		f.precommits[v.Validator] = status
	}
	if f.info.Step != round.StepCommit.String() {
		f.info.Step = v.Type.String()
	}
	info, grid := f.info, f.gridLocked()
	f.mu.Unlock()

	f.send(RoundMsg{Round: info})
	f.send(ValidatorsMsg{Validators: grid})
}

func (f *Feed) OnTimeout(round.TimeoutInfo) {}

func (f *Feed) OnCommit(b *round.Block) {
	now := f.now()

	f.mu.Lock()
	if !f.lastCommit.IsZero() {
		f.info.BlockTime = now.Sub(f.lastCommit)
		f.totalTime += f.info.BlockTime
		f.commits++
		f.info.AvgBlockTime = f.totalTime / time.Duration(f.commits)
	}
	f.lastCommit = now
	f.info.Step = round.StepCommit.String()
	f.info.LastCommitHeight = b.Height
	f.info.LastCommitHash = b.Proposal.Hash.Short()
	f.validators = f.listLocked()
	info := f.info
	f.mu.Unlock()

	f.send(RoundMsg{Round: info})
}

func (f *Feed) OnDropped(string, error) {}

// Status forwards a periodic engine status.
func (f *Feed) Status(st engine.Status) {
	f.send(StatusMsg{Status: StatusInfo{
		ActiveValidators:   st.ActiveValidators,
		ValidatorCount:     st.ValidatorCount,
		TotalVotingPower:   st.TotalVotingPower,
		ByzantineThreshold: st.ByzantineThreshold,
		PendingEvidence:    st.PendingEvidence,
		TreasuryBalance:    st.TreasuryBalance,
		DAOProposals:       st.DAOProposals,
		Producing:          st.IsProducingBlocks,
	}})
}

func (f *Feed) gridLocked() []ValidatorInfo {
	var total uint64
	for _, v := range f.validators {
		if v.IsActive() {
			total += v.Stake
		}
	}
	grid := make([]ValidatorInfo, 0, len(f.validators))
	for _, v := range f.validators {
		info := ValidatorInfo{
			ID:         v.ID.Short(),
			Status:     v.Status.String(),
			Reputation: v.Reputation,
			PreVote:    f.prevotes[v.ID],
			PreCommit:  f.precommits[v.ID],
		}
		if v.IsActive() && total > 0 {
			info.PowerPercent = float64(v.Stake) * 100 / float64(total)
		}
		grid = append(grid, info)
	}
	return grid
}
