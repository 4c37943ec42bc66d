package round

import (
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/config"
	"consensus-core/internal/logger"
)

const timeoutChannelSize = 100

// Scheduler arms a timeout. Arming a new one cancels the previous one.
type Scheduler interface {
	ScheduleTimeout(ti TimeoutInfo)
}

// Timeouts computes per-step durations; they grow by Delta every round.
type Timeouts struct {
	Propose   time.Duration
	Prevote   time.Duration
	Precommit time.Duration
	Commit    time.Duration
	Delta     time.Duration
}

// TimeoutsFromConfig extracts the timeout settings.
func TimeoutsFromConfig(cfg config.Consensus) Timeouts {
	return Timeouts{
		Propose:   cfg.ProposeTimeout,
		Prevote:   cfg.PrevoteTimeout,
		Precommit: cfg.PrecommitTimeout,
		Commit:    cfg.CommitTimeout,
		Delta:     cfg.TimeoutDelta,
	}
}

// For returns the timeout for step in round.
func (t Timeouts) For(step Step, round uint32) time.Duration {
	grow := time.Duration(round) * t.Delta
	switch step {
	case StepPropose:
		return t.Propose + grow
	case StepPrevote:
		return t.Prevote + grow
	case StepPrecommit:
		return t.Precommit + grow
	case StepCommit:
		return t.Commit
	default:
		return time.Second
	}
}

// TimeoutTicker delivers one pending timeout at a time on Chan.
type TimeoutTicker struct {
	mu  deadlock.Mutex
	log *logger.Logger

	timer   *time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	dropped atomic.Uint64
}

func NewTimeoutTicker(log *logger.Logger) *TimeoutTicker {
	if log == nil {
		log = logger.NewNop()
	}
	return &TimeoutTicker{
		log:    log,
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.running {
		return
	}
	tt.running = true
	go tt.run()
}

// Stop cancels the pending timer and waits for the ticker goroutine to exit.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	if !tt.running {
		tt.mu.Unlock()
		return
	}
	tt.running = false
	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.mu.Unlock()
	<-tt.doneCh
}

// Chan delivers fired timeouts.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout replaces any pending timeout with ti.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case tt.tickCh <- ti:
	case <-tt.stopCh:
	}
}

// Dropped returns how many fired timeouts were discarded because Chan was full.
func (tt *TimeoutTicker) Dropped() uint64 {
	return tt.dropped.Load()
}

func (tt *TimeoutTicker) run() {
	defer close(tt.doneCh)
	for {
		select {
		case <-tt.stopCh:
			return
		case ti := <-tt.tickCh:
			tt.mu.Lock()
			if tt.timer != nil {
				tt.timer.Stop()
			}
			fired := ti
			tt.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- fired:
				case <-tt.stopCh:
				default:
					n := tt.dropped.Add(1)
					tt.log.Warnf("dropped timeout %s, channel full (total %d)", fired, n)
				}
			})
			tt.mu.Unlock()
		}
	}
}
