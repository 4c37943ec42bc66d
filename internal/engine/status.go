package engine

import (
	"context"
	"time"

	"consensus-core/internal/round"
)

// Status is a best-effort view of the node. Figures from the treasury are
// zero when it is not configured or unavailable.
type Status struct {
	CurrentHeight      uint64
	CurrentRound       uint32
	CurrentStep        round.Step
	LastCommitHeight   uint64
	ActiveValidators   int
	ValidatorCount     int
	TotalVotingPower   uint64
	ByzantineThreshold uint64
	PendingEvidence    int
	TreasuryBalance    uint64
	DAOProposals       int
	IsProducingBlocks  bool
}

// GetConsensusStatus never fails.
func (e *Engine) GetConsensusStatus(ctx context.Context) Status {
	cr := e.sm.CurrentRound()
	stats := e.validators.GetValidatorStats()
	st := Status{
		CurrentHeight:      cr.Height,
		CurrentRound:       cr.Round,
		CurrentStep:        cr.Step,
		ActiveValidators:   stats.Active,
		ValidatorCount:     stats.Total,
		TotalVotingPower:   e.validators.GetTotalVotingPower(),
		ByzantineThreshold: e.validators.GetByzantineThreshold(),
		PendingEvidence:    e.detector.PendingEvidence(),
		IsProducingBlocks:  e.producing(),
	}
	if last := e.sm.LastCommit(); last != nil {
		st.LastCommitHeight = last.Height
	}

	if e.treasury != nil {
		if bal, err := e.treasury.Balance(ctx); err != nil {
			e.log.Warnf("treasury balance unavailable: %v", err)
		} else {
			st.TreasuryBalance = bal
		}
		if n, err := e.treasury.DAOProposals(ctx); err != nil {
			e.log.Warnf("DAO proposals unavailable: %v", err)
		} else {
			st.DAOProposals = n
		}
	}
	return st
}

// producing reports whether the coordinator runs and has committed within
// the producing window, counting from start before the first commit.
func (e *Engine) producing() bool {
	if !e.running() {
		return false
	}
	last := e.lastCommitAt.Load()
	if started := e.startedAt.Load(); started > last {
		last = started
	}
	return e.now().Sub(time.Unix(0, last)) <= e.producingWindow
}
