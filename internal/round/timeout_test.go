package round

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutsGrowPerRound(t *testing.T) {
	to := Timeouts{
		Propose:   3 * time.Second,
		Prevote:   time.Second,
		Precommit: time.Second,
		Commit:    time.Second,
		Delta:     500 * time.Millisecond,
	}
	require.Equal(t, 3*time.Second, to.For(StepPropose, 0))
	require.Equal(t, 4*time.Second, to.For(StepPropose, 2))
	require.Equal(t, 2500*time.Millisecond, to.For(StepPrevote, 3))
	require.Equal(t, 1500*time.Millisecond, to.For(StepPrecommit, 1))
	require.Equal(t, time.Second, to.For(StepCommit, 9))
}

func TestTimeoutTickerFiresLatest(t *testing.T) {
	tt := NewTimeoutTicker(nil)
	tt.Start()
	defer tt.Stop()

	tt.ScheduleTimeout(TimeoutInfo{Duration: time.Hour, Height: 1, Round: 0, Step: StepPropose})
	tt.ScheduleTimeout(TimeoutInfo{Duration: 5 * time.Millisecond, Height: 1, Round: 0, Step: StepPrevote})

	select {
	case ti := <-tt.Chan():
		require.Equal(t, StepPrevote, ti.Step)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	select {
	case ti := <-tt.Chan():
		t.Fatalf("cancelled timeout fired: %s", ti)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTimeoutTickerStopIdempotent(t *testing.T) {
	tt := NewTimeoutTicker(nil)
	tt.Start()
	tt.Stop()
	tt.Stop()
	// scheduling after stop must not block
	tt.ScheduleTimeout(TimeoutInfo{Duration: time.Millisecond})
}
