// Package engine composes the validator registry, the round state machine,
// the fault detector and the reward calculator into one consensus node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/errgroup"

	"consensus-core/internal/byzantine"
	"consensus-core/internal/config"
	"consensus-core/internal/crypto"
	"consensus-core/internal/discovery"
	"consensus-core/internal/logger"
	"consensus-core/internal/metrics"
	"consensus-core/internal/recorder"
	"consensus-core/internal/reward"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

const (
	DefaultFaultCheckInterval = 10 * time.Second
	DefaultEvidenceMaxAge     = 24 * time.Hour
	DefaultDiscoveryInterval  = 30 * time.Second
	DefaultProducingWindow    = time.Minute

	commitQueueSize = 64
)

// Options configures an Engine. Zero values select defaults; every
// collaborator is optional.
type Options struct {
	ChainID   string
	Consensus config.Consensus
	Rewards   config.Rewards
	Faults    byzantine.Params

	// Signer is the local validator key. Without one the node follows
	// consensus but never proposes or votes.
	Signer   round.Signer
	Verifier round.Verifier

	Blockchain  Blockchain
	Broadcaster round.Broadcaster
	Treasury    Treasury
	Wallet      reward.Wallet

	Discovery *discovery.Cache
	Fetcher   *discovery.Fetcher

	Metrics   *metrics.Metrics
	Recorder  *recorder.Recorder
	Observers []round.Observer
	Logger    *logger.Logger

	InitialHeight      uint64
	QueueSize          int
	FaultCheckInterval time.Duration
	EvidenceMaxAge     time.Duration
	DiscoveryInterval  time.Duration
	// ProducingWindow is how long without a commit before Status stops
	// reporting the node as producing blocks.
	ProducingWindow time.Duration
}

// Engine is a single consensus node.
type Engine struct {
	mu deadlock.RWMutex

	chainID string
	log     *logger.Logger
	now     func() time.Time

	validators *validator.Manager
	detector   *byzantine.Detector
	rewards    *reward.Calculator
	sm         *round.StateMachine
	runner     *round.Runner

	chain     Blockchain
	treasury  Treasury
	wallet    reward.Wallet
	discovery *discovery.Cache
	fetcher   *discovery.Fetcher
	metrics   *metrics.Metrics
	recorder  *recorder.Recorder

	initialHeight      uint64
	faultCheckInterval time.Duration
	evidenceMaxAge     time.Duration
	discoveryInterval  time.Duration
	producingWindow    time.Duration

	commits      chan committed
	runCtx       context.Context
	startedAt    atomic.Int64
	lastCommitAt atomic.Int64

	// penalized holds the unix time each validator was last slashed.
	penalized map[validator.ID]int64

	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New builds an engine. It does not start consensus.
func New(opts Options) (*Engine, error) {
	if err := opts.Consensus.Validate(); err != nil {
		return nil, fmt.Errorf("consensus config: %w", err)
	}
	if opts.Rewards == (config.Rewards{}) {
		opts.Rewards = config.DefaultRewards()
	}
	if err := opts.Rewards.Validate(); err != nil {
		return nil, fmt.Errorf("rewards config: %w", err)
	}
	if opts.Faults == (byzantine.Params{}) {
		opts.Faults = byzantine.DefaultParams()
	}
	if opts.Verifier == nil {
		opts.Verifier = crypto.Ed25519Verifier{}
	}
	if opts.Wallet == nil {
		opts.Wallet = reward.NopWallet{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.InitialHeight == 0 {
		opts.InitialHeight = 1
	}
	if opts.FaultCheckInterval <= 0 {
		opts.FaultCheckInterval = DefaultFaultCheckInterval
	}
	if opts.EvidenceMaxAge <= 0 {
		opts.EvidenceMaxAge = DefaultEvidenceMaxAge
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.ProducingWindow <= 0 {
		opts.ProducingWindow = DefaultProducingWindow
	}

	e := &Engine{
		chainID:            opts.ChainID,
		log:                opts.Logger,
		now:                time.Now,
		validators:         validator.NewManager(opts.Consensus, opts.Logger.With("component", "validators")),
		detector:           byzantine.NewDetector(opts.Faults, opts.Logger.With("component", "byzantine")),
		rewards:            reward.NewCalculator(opts.Rewards),
		chain:              opts.Blockchain,
		treasury:           opts.Treasury,
		wallet:             opts.Wallet,
		discovery:          opts.Discovery,
		fetcher:            opts.Fetcher,
		metrics:            opts.Metrics,
		recorder:           opts.Recorder,
		initialHeight:      opts.InitialHeight,
		faultCheckInterval: opts.FaultCheckInterval,
		evidenceMaxAge:     opts.EvidenceMaxAge,
		discoveryInterval:  opts.DiscoveryInterval,
		producingWindow:    opts.ProducingWindow,
		commits:            make(chan committed, commitQueueSize),
		runCtx:             context.Background(),
		penalized:          make(map[validator.ID]int64),
	}

	var observers round.Observers
	if e.metrics != nil {
		observers = append(observers, e.metrics)
	}
	if e.recorder != nil {
		observers = append(observers, e.recorder)
	}
	observers = append(observers, opts.Observers...)

	roundLog := opts.Logger.With("component", "round")
	ticker := round.NewTimeoutTicker(roundLog)
	sm, err := round.NewStateMachine(round.Options{
		ChainID:     opts.ChainID,
		Timeouts:    round.TimeoutsFromConfig(opts.Consensus),
		Validators:  e.validators,
		Signer:      opts.Signer,
		Verifier:    opts.Verifier,
		Scheduler:   ticker,
		Blocks:      blockSource{e: e},
		Committer:   committer{e: e},
		Broadcaster: opts.Broadcaster,
		Evidence:    evidenceSink{d: e.detector, log: opts.Logger},
		Observer:    observers,
		Logger:      roundLog,
	})
	if err != nil {
		return nil, err
	}
	e.sm = sm
	e.runner = round.NewRunner(sm, ticker, opts.QueueSize, roundLog)
	return e, nil
}

// Validators exposes the registry.
func (e *Engine) Validators() *validator.Manager {
	return e.validators
}

// Detector exposes the fault detector, mainly for evidence gathered outside
// the round state machine.
func (e *Engine) Detector() *byzantine.Detector {
	return e.detector
}

// RegisterValidator adds a validator. Commission is given in percent and
// stored in basis points.
func (e *Engine) RegisterValidator(id validator.ID, stake, storage uint64, pubKey []byte, commissionPercent float64, isGenesis bool) error {
	if math.IsNaN(commissionPercent) || commissionPercent < 0 || commissionPercent > 100 {
		return fmt.Errorf("%w: %v%%", ErrInvalidCommission, commissionPercent)
	}
	bps := uint16(math.Round(commissionPercent * 100))
	if err := e.validators.RegisterValidator(id, stake, storage, pubKey, bps, isGenesis); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SetActiveValidators(e.validators.GetValidatorStats().Active)
	}
	return nil
}

// CurrentRound returns a snapshot of the round being decided.
func (e *Engine) CurrentRound() round.ConsensusRound {
	return e.sm.CurrentRound()
}

// SelectProposer returns the proposer for height and round from the current registry.
func (e *Engine) SelectProposer(height uint64, rnd uint32) (validator.Validator, error) {
	v, ok := e.validators.SelectProposer(height, rnd)
	if !ok {
		return validator.Validator{}, fmt.Errorf("%w: no active validators", ErrNoProposerSelected)
	}
	return v, nil
}

// StartConsensusCoordinator starts driving rounds from the initial height.
// It returns once the coordinator tasks are running; Stop ends them.
// An engine runs at most once.
func (e *Engine) StartConsensusCoordinator(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	if !e.validators.HasSufficientValidators() {
		cfg := e.validators.Config()
		return fmt.Errorf("%w: %d active, need %d", ErrInsufficientValidators, e.validators.GetValidatorStats().Active, cfg.MinBFTValidators)
	}
	e.validators.FinishBootstrap()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.runCtx = gctx
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	e.startedAt.Store(e.now().UnixNano())

	height := e.initialHeight
	g.Go(func() error { return e.runner.Run(gctx, height) })
	g.Go(func() error { return e.postCommitLoop(gctx) })
	g.Go(func() error { return e.faultLoop(gctx) })
	if e.recorder != nil {
		g.Go(func() error { return e.recorder.Run(gctx) })
	}
	if e.discovery != nil {
		g.Go(func() error { return e.discoveryLoop(gctx) })
	}

	done := e.done
	go func() {
		err := g.Wait()
		cancel()
		if err != nil {
			e.log.Errorf("consensus coordinator stopped: %v", err)
		}
		e.err = err
		close(done)
	}()

	e.log.Printf("consensus coordinator started at height %d", height)
	return nil
}

// Stop ends the coordinator and waits for its tasks to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.log.Println("consensus coordinator stopped")
	return e.err
}

// Done is closed when the coordinator exits, either through Stop or because
// a task failed. It is nil before the coordinator starts.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

func (e *Engine) running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// AddProposal queues a proposal received from a peer.
func (e *Engine) AddProposal(p *round.Proposal) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return ErrNotStarted
	}
	if !e.runner.SubmitProposal(p) {
		return ErrQueueFull
	}
	return nil
}

// AddVote queues a vote received from a peer.
func (e *Engine) AddVote(v *round.Vote) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return ErrNotStarted
	}
	if !e.runner.SubmitVote(v) {
		return ErrQueueFull
	}
	return nil
}

// CheckFaults detects and punishes qualifying misbehavior. It never fails;
// no evidence yields no outcomes.
func (e *Engine) CheckFaults() []byzantine.Outcome {
	faults := e.detector.DetectFaults(e.validators)
	if len(faults) == 0 {
		return nil
	}
	outcomes := e.detector.ProcessFaults(faults, e.validators)

	e.mu.Lock()
	for _, o := range outcomes {
		if !o.Skipped && o.Slashed > 0 {
			e.penalized[o.Fault.Validator] = o.ProcessedAt
		}
	}
	e.mu.Unlock()

	// A fully slashed validator's stale announcement must not linger in discovery
	if e.discovery != nil {
		for _, o := range outcomes {
			if v, ok := e.validators.Get(o.Fault.Validator); ok && v.Status == validator.StatusSlashed {
				e.discovery.Remove(v.ID)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveFaults(outcomes)
		e.metrics.SetActiveValidators(e.validators.GetValidatorStats().Active)
	}
	if e.recorder != nil {
		e.recorder.RecordFaults(outcomes)
	}
	return outcomes
}

func (e *Engine) postCommitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-e.commits:
			e.afterCommit(ctx, c.block, c.at)
		}
	}
}

func (e *Engine) afterCommit(ctx context.Context, b *round.Block, at time.Time) {
	e.CheckFaults()

	rr := e.rewards.CalculateRoundRewards(e.validators, b.Height)
	rr.Timestamp = at.Unix()
	credited, err := reward.DistributeRewards(ctx, e.wallet, rr, e.log)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Errorf("distribute rewards at height %d: %v", b.Height, err)
	}
	if e.metrics != nil {
		e.metrics.ObserveRewards(credited)
		e.metrics.SetActiveValidators(e.validators.GetValidatorStats().Active)
	}
	if e.recorder != nil {
		e.recorder.RecordRewards(rr)
		e.recorder.RecordValidators(e.validators.Validators())
	}
}

func (e *Engine) faultLoop(ctx context.Context) error {
	t := time.NewTicker(e.faultCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.CheckFaults()
			if n := e.detector.CleanupOldRecords(e.evidenceMaxAge); n > 0 {
				e.log.Printf("evicted %d expired evidence records", n)
			}
		}
	}
}
