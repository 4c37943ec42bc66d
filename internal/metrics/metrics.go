// Package metrics exposes consensus progress, faults and rewards as
// prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"consensus-core/internal/byzantine"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

const namespace = "consensus"

// Metrics implements round.Observer and is fed fault and reward outcomes by the engine.
type Metrics struct {
	height           prometheus.Gauge
	curRound         prometheus.Gauge
	commits          prometheus.Counter
	proposals        prometheus.Counter
	votes            *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	faults           *prometheus.CounterVec
	slashed          prometheus.Counter
	rewards          prometheus.Counter
	activeValidators prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "height",
			Help:      "Height currently being decided.",
		}),
		curRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round",
			Help:      "Round currently being decided.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Heights committed.",
		}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposals accepted.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes accepted, by step.",
		}, []string{"step"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Step timeouts fired, by step.",
		}, []string{"step"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped, by kind.",
		}, []string{"kind"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Byzantine faults processed, by type and severity.",
		}, []string{"type", "severity"}),
		slashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_stake_total",
			Help:      "Stake removed by slashing.",
		}),
		rewards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_distributed_total",
			Help:      "Rewards credited to validators.",
		}),
		activeValidators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_validators",
			Help:      "Active validators in the registry.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.height, m.curRound, m.commits, m.proposals, m.votes, m.timeouts,
		m.dropped, m.faults, m.slashed, m.rewards, m.activeValidators,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) OnNewRound(height uint64, r uint32, _ validator.ID) {
	m.height.Set(float64(height))
	m.curRound.Set(float64(r))
}

func (m *Metrics) OnProposal(*round.Proposal) {
	m.proposals.Inc()
}

func (m *Metrics) OnVote(v *round.Vote) {
	m.votes.WithLabelValues(v.Type.String()).Inc()
}

func (m *Metrics) OnTimeout(ti round.TimeoutInfo) {
	m.timeouts.WithLabelValues(ti.Step.String()).Inc()
}

func (m *Metrics) OnCommit(*round.Block) {
	m.commits.Inc()
}

func (m *Metrics) OnDropped(kind string, _ error) {
	m.dropped.WithLabelValues(kind).Inc()
}

// ObserveFaults counts processed faults and the stake they removed.
func (m *Metrics) ObserveFaults(outcomes []byzantine.Outcome) {
	for _, o := range outcomes {
		m.faults.WithLabelValues(o.Fault.Type.String(), o.Fault.Severity.String()).Inc()
		m.slashed.Add(float64(o.Slashed))
	}
}

// ObserveRewards adds credited reward units.
func (m *Metrics) ObserveRewards(credited uint64) {
	m.rewards.Add(float64(credited))
}

// SetActiveValidators records the active validator count.
func (m *Metrics) SetActiveValidators(n int) {
	m.activeValidators.Set(float64(n))
}
