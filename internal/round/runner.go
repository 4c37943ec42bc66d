package round

import (
	"context"
	"errors"

	"consensus-core/internal/logger"
)

const defaultQueueSize = 1000

var errQueueFull = errors.New("inbound queue full")

// Runner feeds a StateMachine from bounded inbound queues and a TimeoutTicker
// on a single goroutine.
type Runner struct {
	sm     *StateMachine
	ticker *TimeoutTicker
	log    *logger.Logger

	proposals chan *Proposal
	votes     chan *Vote

	// messages for the next height, replayed once the machine reaches it
	nextLimit     int
	nextProposals []*Proposal
	nextVotes     []*Vote
}

// NewRunner wires sm to ticker. The ticker must be the Scheduler sm was built with.
func NewRunner(sm *StateMachine, ticker *TimeoutTicker, queueSize int, log *logger.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{
		sm:        sm,
		ticker:    ticker,
		log:       log,
		proposals: make(chan *Proposal, queueSize),
		votes:     make(chan *Vote, queueSize),
		nextLimit: queueSize,
	}
}

// SubmitProposal enqueues p without blocking. It reports false when the
// queue is full and p was dropped.
func (r *Runner) SubmitProposal(p *Proposal) bool {
	select {
	case r.proposals <- p:
		return true
	default:
		r.sm.NotifyDropped("proposal", errQueueFull)
		return false
	}
}

// SubmitVote enqueues v without blocking.
func (r *Runner) SubmitVote(v *Vote) bool {
	select {
	case r.votes <- v:
		return true
	default:
		r.sm.NotifyDropped("vote", errQueueFull)
		return false
	}
}

// Run starts height and processes inputs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, height uint64) error {
	r.ticker.Start()
	defer r.ticker.Stop()

	if err := r.sm.Start(height); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-r.proposals:
			r.handleProposal(p)
		case v := <-r.votes:
			r.handleVote(v)
		case ti := <-r.ticker.Chan():
			before := r.sm.Height()
			if err := r.sm.HandleTimeout(ti); err != nil {
				r.log.Errorf("timeout %s: %v", ti, err)
			}
			if r.sm.Height() != before {
				r.replayNext()
			}
		}
	}
}

func (r *Runner) handleProposal(p *Proposal) {
	if p.Height == r.sm.Height()+1 {
		if len(r.nextProposals) < r.nextLimit {
			r.nextProposals = append(r.nextProposals, p)
			return
		}
		r.sm.NotifyDropped("proposal", errQueueFull)
		return
	}
	if err := r.sm.HandleProposal(p); err != nil {
		r.log.Printf("dropped proposal: %v", err)
		r.sm.NotifyDropped("proposal", err)
	}
}

func (r *Runner) handleVote(v *Vote) {
	if v.Height == r.sm.Height()+1 {
		if len(r.nextVotes) < r.nextLimit {
			r.nextVotes = append(r.nextVotes, v)
			return
		}
		r.sm.NotifyDropped("vote", errQueueFull)
		return
	}
	if err := r.sm.HandleVote(v); err != nil {
		r.log.Printf("dropped vote: %v", err)
		r.sm.NotifyDropped("vote", err)
	}
}

// replayNext feeds buffered messages to the new height. Messages for heights
// already passed are discarded.
func (r *Runner) replayNext() {
	proposals, votes := r.nextProposals, r.nextVotes
	r.nextProposals, r.nextVotes = nil, nil
	h := r.sm.Height()
	for _, p := range proposals {
		if p.Height >= h {
			r.handleProposal(p)
		}
	}
	for _, v := range votes {
		if v.Height >= h {
			r.handleVote(v)
		}
	}
}
