package reward

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"consensus-core/internal/config"
	"consensus-core/internal/validator"
)

var testRewards = config.Rewards{
	BaseAllocation:     50_000_000,
	HalvingInterval:    100,
	ReputationBonusBps: 2000,
	StorageBonusBps:    1000,
}

type entry struct {
	name       string
	stake      uint64
	storage    uint64
	commission uint16
	reputation int64 // delta from neutral
}

func newManager(t *testing.T, entries ...entry) (*validator.Manager, map[string]validator.ID) {
	t.Helper()
	cfg := config.DefaultConsensus()
	cfg.MinStake = 1
	cfg.MinStorage = 1
	m := validator.NewManager(cfg, nil)
	ids := make(map[string]validator.ID)
	for _, e := range entries {
		var id validator.ID
		copy(id[:], e.name)
		require.NoError(t, m.RegisterValidator(id, e.stake, e.storage, nil, e.commission, true))
		if e.reputation != 0 {
			_, err := m.AdjustReputation(id, e.reputation)
			require.NoError(t, err)
		}
		ids[e.name] = id
	}
	return m, ids
}

func TestEmptyRegistry(t *testing.T) {
	m, _ := newManager(t)
	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 1)
	require.Empty(t, rr.Rewards)
	require.Zero(t, rr.TotalRewards)

	credited, err := DistributeRewards(context.Background(), NopWallet{}, rr, nil)
	require.NoError(t, err)
	require.Zero(t, credited)
}

func TestBaseAllocationHalves(t *testing.T) {
	c := NewCalculator(testRewards)
	require.EqualValues(t, 50_000_000, c.BaseAllocation(0))
	require.EqualValues(t, 50_000_000, c.BaseAllocation(99))
	require.EqualValues(t, 25_000_000, c.BaseAllocation(100))
	require.EqualValues(t, 12_500_000, c.BaseAllocation(250))
	require.Zero(t, c.BaseAllocation(100*64))

	noHalving := testRewards
	noHalving.HalvingInterval = 0
	require.EqualValues(t, 50_000_000, NewCalculator(noHalving).BaseAllocation(1<<40))
}

func TestRewardComponents(t *testing.T) {
	m, ids := newManager(t,
		entry{name: "alice", stake: 3000, storage: 100, commission: 1000},
		entry{name: "bob", stake: 1000, storage: 50},
	)
	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 1)
	require.Len(t, rr.Rewards, 2)

	alice := rr.Rewards[ids["alice"]]
	// 50M * 3/4
	require.EqualValues(t, 37_500_000, alice.StakeReward)
	// stake reward * 20% * 500/1000
	require.EqualValues(t, 3_750_000, alice.ReputationBonus)
	// stake reward * 10% * 100/100
	require.EqualValues(t, 3_750_000, alice.StorageBonus)
	require.EqualValues(t, 45_000_000, alice.TotalReward)
	require.EqualValues(t, 4_500_000, alice.Commission)
	require.EqualValues(t, 40_500_000, alice.DelegatorShare)

	bob := rr.Rewards[ids["bob"]]
	require.EqualValues(t, 12_500_000, bob.StakeReward)
	require.EqualValues(t, 625_000, bob.StorageBonus)
	require.Zero(t, bob.Commission)
	require.Equal(t, bob.TotalReward, bob.DelegatorShare)

	require.Equal(t, alice.TotalReward+bob.TotalReward, rr.TotalRewards)
}

func TestRewardOrdering(t *testing.T) {
	tests := []struct {
		name      string
		high, low entry
	}{
		{
			name: "stake",
			high: entry{name: "high", stake: 2000, storage: 10},
			low:  entry{name: "low", stake: 1000, storage: 10},
		},
		{
			name: "reputation",
			high: entry{name: "high", stake: 1000, storage: 10, reputation: 100},
			low:  entry{name: "low", stake: 1000, storage: 10},
		},
		{
			name: "storage",
			high: entry{name: "high", stake: 1000, storage: 20},
			low:  entry{name: "low", stake: 1000, storage: 10},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, ids := newManager(t, tc.high, tc.low)
			rr := NewCalculator(testRewards).CalculateRoundRewards(m, 7)
			require.Greater(t, rr.Rewards[ids["high"]].TotalReward, rr.Rewards[ids["low"]].TotalReward)
		})
	}
}

func TestCommissionDoesNotChangeTotal(t *testing.T) {
	m, ids := newManager(t,
		entry{name: "greedy", stake: 1000, storage: 10, commission: 5000},
		entry{name: "modest", stake: 1000, storage: 10},
	)
	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 1)
	greedy, modest := rr.Rewards[ids["greedy"]], rr.Rewards[ids["modest"]]
	require.Equal(t, modest.TotalReward, greedy.TotalReward)
	require.Equal(t, greedy.TotalReward/2, greedy.Commission)
	require.Greater(t, modest.DelegatorShare, greedy.DelegatorShare)
}

func TestCalculationDeterministic(t *testing.T) {
	m, _ := newManager(t,
		entry{name: "a", stake: 1234, storage: 17, commission: 333, reputation: -77},
		entry{name: "b", stake: 98765, storage: 4, commission: 10000},
		entry{name: "c", stake: 1, storage: 1000},
	)
	c := NewCalculator(testRewards)
	first := c.CalculateRoundRewards(m, 42)
	second := c.CalculateRoundRewards(m, 42)

	require.Equal(t, first, second)
	require.Zero(t, first.Timestamp)
	require.Equal(t, first.Sorted(), second.Sorted())
}

func TestInactiveValidatorsEarnNothing(t *testing.T) {
	m, ids := newManager(t,
		entry{name: "on", stake: 1000, storage: 10},
		entry{name: "off", stake: 1000, storage: 10},
	)
	require.NoError(t, m.SetStatus(ids["off"], validator.StatusOffline))

	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 1)
	require.Len(t, rr.Rewards, 1)
	require.EqualValues(t, 50_000_000, rr.Rewards[ids["on"]].StakeReward)
}

type recordingWallet struct {
	payouts []Payout
	fail    map[validator.ID]bool
}

func (w *recordingWallet) Credit(_ context.Context, p Payout) error {
	if w.fail[p.Validator] {
		return errors.New("treasury unavailable")
	}
	w.payouts = append(w.payouts, p)
	return nil
}

func TestDistributeRewards(t *testing.T) {
	m, ids := newManager(t,
		entry{name: "b", stake: 1000, storage: 10},
		entry{name: "a", stake: 1000, storage: 10},
		entry{name: "c", stake: 1000, storage: 10},
	)
	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 3)

	w := &recordingWallet{fail: map[validator.ID]bool{ids["b"]: true}}
	credited, err := DistributeRewards(context.Background(), w, rr, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "treasury unavailable")

	require.Len(t, w.payouts, 2)
	require.Equal(t, ids["a"], w.payouts[0].Validator)
	require.Equal(t, ids["c"], w.payouts[1].Validator)
	require.EqualValues(t, 3, w.payouts[0].Height)
	require.Equal(t, rr.Rewards[ids["a"]].TotalReward+rr.Rewards[ids["c"]].TotalReward, credited)
}

func TestDistributeStopsOnCancelledContext(t *testing.T) {
	m, _ := newManager(t, entry{name: "a", stake: 1000, storage: 10})
	rr := NewCalculator(testRewards).CalculateRoundRewards(m, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &recordingWallet{}
	_, err := DistributeRewards(ctx, w, rr, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, w.payouts)
}
