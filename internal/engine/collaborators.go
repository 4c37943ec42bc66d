package engine

import (
	"context"
	"time"

	"consensus-core/internal/byzantine"
	"consensus-core/internal/logger"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

// Blockchain supplies pending transactions for proposals and receives
// finalized blocks. CommitBlock is called with consensus state locked and
// should hand the block off quickly; a returned error is retried after the
// commit timeout.
type Blockchain interface {
	PendingPayload(ctx context.Context, height uint64) ([]byte, error)
	CommitBlock(ctx context.Context, block *round.Block) error
}

// Treasury reports external economics figures surfaced in Status.
type Treasury interface {
	Balance(ctx context.Context) (uint64, error)
	DAOProposals(ctx context.Context) (int, error)
}

// blockSource adapts Blockchain to round.BlockSource.
type blockSource struct {
	e *Engine
}

func (b blockSource) ProposalPayload(height uint64) ([]byte, error) {
	if b.e.chain == nil {
		return nil, nil
	}
	return b.e.chain.PendingPayload(b.e.runCtx, height)
}

// committer hands blocks to the Blockchain and queues post-commit work.
// committed is a finalized block with the local time it was committed.
type committed struct {
	block *round.Block
	at    time.Time
}

type committer struct {
	e *Engine
}

func (c committer) Commit(block *round.Block) error {
	if c.e.chain != nil {
		if err := c.e.chain.CommitBlock(c.e.runCtx, block); err != nil {
			return err
		}
	}
	at := c.e.now()
	c.e.lastCommitAt.Store(at.UnixNano())
	select {
	case c.e.commits <- committed{block: block, at: at}:
	default:
		c.e.log.Warnf("post-commit queue full, skipping fault and reward processing for height %d", block.Height)
	}
	return nil
}

// evidenceSink forwards misbehavior seen by the state machine to the detector.
type evidenceSink struct {
	d   *byzantine.Detector
	log *logger.Logger
}

func (s evidenceSink) ReportDoubleSign(id validator.ID, height uint64, rnd uint32, sigA, sigB []byte) {
	if err := s.d.RecordDoubleSign(id, height, rnd, sigA, sigB); err != nil {
		s.log.Printf("discarded double-sign evidence for %s: %v", id.Short(), err)
	}
}

func (s evidenceSink) ReportInvalidProposal(id validator.ID, height uint64, rnd uint32, hash round.Hash, description string) {
	s.d.RecordInvalidProposal(id, height, rnd, hash[:], description)
}

func (s evidenceSink) ReportLiveness(id validator.ID, height uint64, missedRounds uint32) {
	s.d.RecordLivenessViolation(id, height, missedRounds)
}
