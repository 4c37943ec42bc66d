// Package recorder persists an audit trail of rounds, votes, commits, faults
// and rewards. Observations are buffered in memory per height and written
// by a single goroutine so the consensus path never waits on the database.
package recorder

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/byzantine"
	"consensus-core/internal/logger"
	"consensus-core/internal/models"
	"consensus-core/internal/reward"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

// Store is the persistence backend, implemented by db.Store.
type Store interface {
	SaveRoundProposers(rows []models.RoundProposer) error
	SaveVotes(votes []*models.RoundVote) error
	SaveBlock(b *models.CommittedBlock) error
	SaveFaults(rows []models.FaultRecord) error
	SaveRewards(rows []models.RewardRecord) error
	UpsertValidators(rows []models.ValidatorRecord) error
}

const DefaultQueueSize = 256

type job struct {
	name string
	run  func(Store) error
}

// Recorder implements round.Observer.
type Recorder struct {
	store   Store
	log     *logger.Logger
	jobs    chan job
	dropped atomic.Uint64
	now     func() time.Time

	mu            deadlock.Mutex
	pendingRounds map[int64][]models.RoundProposer
	pendingVotes  map[int64][]*models.RoundVote
}

func New(store Store, queueSize int, log *logger.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{
		store:         store,
		log:           log,
		jobs:          make(chan job, queueSize),
		now:           time.Now,
		pendingRounds: make(map[int64][]models.RoundProposer),
		pendingVotes:  make(map[int64][]*models.RoundVote),
	}
}

// Run writes queued records until ctx is cancelled, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					r.exec(j)
				default:
					return nil
				}
			}
		case j := <-r.jobs:
			r.exec(j)
		}
	}
}

func (r *Recorder) exec(j job) {
	if err := j.run(r.store); err != nil {
		r.log.Errorf("recorder: %s: %v", j.name, err)
	}
}

func (r *Recorder) enqueue(name string, run func(Store) error) {
	select {
	case r.jobs <- job{name: name, run: run}:
	default:
		n := r.dropped.Add(1)
		r.log.Warnf("recorder: queue full, dropped %s (%d dropped so far)", name, n)
	}
}

// Dropped counts jobs discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) OnNewRound(height uint64, rnd uint32, proposer validator.ID) {
	h := int64(height)
	r.mu.Lock()
	r.pendingRounds[h] = append(r.pendingRounds[h], models.RoundProposer{
		Height:     h,
		Round:      int32(rnd),
		ProposerID: proposer.String(),
	})
	r.mu.Unlock()
}

func (r *Recorder) OnProposal(*round.Proposal) {}

func (r *Recorder) OnVote(v *round.Vote) {
	hash := ""
	if v.BlockHash != nil {
		hash = v.BlockHash.String()
	}
	rv := &models.RoundVote{
		Height:      int64(v.Height),
		Round:       int32(v.Round),
		ValidatorID: v.Validator.String(),
		VoteType:    strings.ToLower(v.Type.String()),
		BlockHash:   hash,
		Timestamp:   r.now(),
	}
	r.mu.Lock()
	r.pendingVotes[rv.Height] = append(r.pendingVotes[rv.Height], rv)
	r.mu.Unlock()
}

func (r *Recorder) OnTimeout(round.TimeoutInfo) {}

func (r *Recorder) OnDropped(string, error) {}

// OnCommit flushes everything buffered up to the committed height. Late
// votes for earlier heights go out with the next commit.
func (r *Recorder) OnCommit(block *round.Block) {
	h := int64(block.Height)
	committedRound := int32(block.Round)

	r.mu.Lock()
	var (
		rounds []models.RoundProposer
		votes  []*models.RoundVote
	)
	proposers := make(map[[2]int64]string)
	for height, rs := range r.pendingRounds {
		if height > h {
			continue
		}
		for _, rp := range rs {
			if height == h {
				rp.Succeeded = rp.Round == committedRound
				rp.TimedOut = rp.Round < committedRound
			}
			proposers[[2]int64{height, int64(rp.Round)}] = rp.ProposerID
			rounds = append(rounds, rp)
		}
		delete(r.pendingRounds, height)
	}
	for height, vs := range r.pendingVotes {
		if height > h {
			continue
		}
		votes = append(votes, vs...)
		delete(r.pendingVotes, height)
	}
	r.mu.Unlock()

	for _, v := range votes {
		v.ProposerID = proposers[[2]int64{v.Height, int64(v.Round)}]
	}

	b := &models.CommittedBlock{
		Height:      h,
		Round:       committedRound,
		Hash:        block.Proposal.Hash.String(),
		ProposerID:  block.Proposal.Proposer.String(),
		PayloadSize: len(block.Proposal.Payload),
		Precommits:  len(block.Precommits),
		CommittedAt: r.now(),
	}
	r.enqueue("commit", func(s Store) error {
		if err := s.SaveRoundProposers(rounds); err != nil {
			return err
		}
		if err := s.SaveBlock(b); err != nil {
			return err
		}
		return s.SaveVotes(votes)
	})
}

// RecordFaults queues processed faults.
func (r *Recorder) RecordFaults(outcomes []byzantine.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	rows := make([]models.FaultRecord, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, models.FaultRecord{
			ValidatorID: o.Fault.Validator.String(),
			Type:        o.Fault.Type.String(),
			Severity:    o.Fault.Severity.String(),
			Evidence:    o.Fault.Evidence,
			Height:      int64(o.Fault.Height),
			Events:      o.Fault.Events,
			Slashed:     o.Slashed,
			Reputation:  o.Reputation,
			Skipped:     o.Skipped,
			DetectedAt:  time.Unix(o.Fault.DetectedAt, 0),
			ProcessedAt: time.Unix(o.ProcessedAt, 0),
		})
	}
	r.enqueue("faults", func(s Store) error { return s.SaveFaults(rows) })
}

// RecordRewards queues a reward round.
func (r *Recorder) RecordRewards(rr reward.RewardRound) {
	if len(rr.Rewards) == 0 {
		return
	}
	rows := make([]models.RewardRecord, 0, len(rr.Rewards))
	for _, vr := range rr.Sorted() {
		rows = append(rows, models.RewardRecord{
			Height:          int64(rr.Height),
			ValidatorID:     vr.Validator.String(),
			StakeReward:     vr.StakeReward,
			ReputationBonus: vr.ReputationBonus,
			StorageBonus:    vr.StorageBonus,
			TotalReward:     vr.TotalReward,
			Commission:      vr.Commission,
			DelegatorShare:  vr.DelegatorShare,
		})
	}
	r.enqueue("rewards", func(s Store) error { return s.SaveRewards(rows) })
}

// RecordValidators queues a registry snapshot.
func (r *Recorder) RecordValidators(vals []validator.Validator) {
	if len(vals) == 0 {
		return
	}
	rows := make([]models.ValidatorRecord, 0, len(vals))
	for _, v := range vals {
		rows = append(rows, models.ValidatorRecord{
			ValidatorID:   v.ID.String(),
			Stake:         v.Stake,
			Storage:       v.StorageProvided,
			CommissionBps: v.CommissionRate,
			Reputation:    v.Reputation,
			Status:        v.Status.String(),
			RegisteredAt:  time.Unix(v.RegisteredAt, 0),
		})
	}
	r.enqueue("validators", func(s Store) error { return s.UpsertValidators(rows) })
}
