package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"consensus-core/internal/byzantine"
	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

var _ round.Observer = (*Metrics)(nil)

func TestObserverUpdatesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.OnNewRound(7, 2, validator.ID{1})
	m.OnVote(&round.Vote{Type: round.StepPrevote})
	m.OnVote(&round.Vote{Type: round.StepPrevote})
	m.OnVote(&round.Vote{Type: round.StepPrecommit})
	m.OnTimeout(round.TimeoutInfo{Step: round.StepPropose})
	m.OnCommit(&round.Block{Height: 7})
	m.OnDropped("vote", nil)

	require.EqualValues(t, 7, testutil.ToFloat64(m.height))
	require.EqualValues(t, 2, testutil.ToFloat64(m.curRound))
	require.EqualValues(t, 2, testutil.ToFloat64(m.votes.WithLabelValues(round.StepPrevote.String())))
	require.EqualValues(t, 1, testutil.ToFloat64(m.timeouts.WithLabelValues(round.StepPropose.String())))
	require.EqualValues(t, 1, testutil.ToFloat64(m.commits))
	require.EqualValues(t, 1, testutil.ToFloat64(m.dropped.WithLabelValues("vote")))
}

func TestFaultAndRewardCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveFaults([]byzantine.Outcome{
		{Fault: byzantine.Fault{Type: byzantine.FaultDoubleSign, Severity: byzantine.SeverityCritical}, Slashed: 500},
		{Fault: byzantine.Fault{Type: byzantine.FaultLiveness, Severity: byzantine.SeverityMinor}, Slashed: 10},
	})
	m.ObserveRewards(1234)
	m.SetActiveValidators(4)

	require.EqualValues(t, 1, testutil.ToFloat64(m.faults.WithLabelValues("DoubleSign", "Critical")))
	require.EqualValues(t, 510, testutil.ToFloat64(m.slashed))
	require.EqualValues(t, 1234, testutil.ToFloat64(m.rewards))
	require.EqualValues(t, 4, testutil.ToFloat64(m.activeValidators))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
