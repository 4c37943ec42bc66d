package validator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/holiman/uint256"
	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/config"
	"consensus-core/internal/logger"
)

const defaultTreeDegree = 16

func lessValidator(a, b *Validator) bool {
	return a.ID.Less(b.ID)
}

func sortValidators(vs []Validator) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID.Less(vs[j].ID) })
}

// Stats summarizes the registry.
type Stats struct {
	Total        int
	Active       int
	Offline      int
	Unstaking    int
	Slashed      int
	TotalStake   uint64
	ActiveStake  uint64
	TotalStorage uint64
}

// Manager is the authoritative validator registry. All mutations are
// serialized behind its lock; readers get copies or a Set snapshot.
type Manager struct {
	mu deadlock.RWMutex

	cfg        config.Consensus
	log        *logger.Logger
	validators *btree.BTreeG[*Validator]
	totalStake uint64
	bootstrap  bool
	now        func() time.Time
}

// NewManager creates an empty registry in bootstrap mode.
func NewManager(cfg config.Consensus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		validators: btree.NewG(defaultTreeDegree, lessValidator),
		bootstrap:  true,
		now:        time.Now,
	}
}

// SetClock overrides the time source used for RegisteredAt.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FinishBootstrap ends the window in which genesis validators bypass MaxValidators.
func (m *Manager) FinishBootstrap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrap = false
}

// RegisterValidator adds an Active validator with neutral reputation.
func (m *Manager) RegisterValidator(id ID, stake, storage uint64, pubKey []byte, commissionBps uint16, isGenesis bool) error {
	if id.IsZero() {
		return ErrInvalidIdentity
	}
	if commissionBps > BasisPoints {
		return fmt.Errorf("%w: %d bps", ErrInvalidCommission, commissionBps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.validators.Get(&Validator{ID: id}); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, id.Short())
	}
	if stake < m.cfg.MinStake {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientStake, stake, m.cfg.MinStake)
	}
	if storage < m.cfg.MinStorage {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientStorage, storage, m.cfg.MinStorage)
	}
	if m.validators.Len() >= m.cfg.MaxValidators && !(isGenesis && m.bootstrap) {
		return fmt.Errorf("%w: %d", ErrMaxValidatorsReached, m.cfg.MaxValidators)
	}
	if m.totalStake > math.MaxUint64-stake {
		return ErrStakeOverflow
	}

	v := &Validator{
		ID:              id,
		Stake:           stake,
		StorageProvided: storage,
		CommissionRate:  commissionBps,
		ConsensusPubKey: append([]byte(nil), pubKey...),
		Reputation:      NeutralReputation,
		Status:          StatusActive,
		RegisteredAt:    m.now().Unix(),
	}
	m.validators.ReplaceOrInsert(v)
	m.totalStake += stake
	m.log.Printf("registered validator %s stake=%d storage=%d genesis=%t", id.Short(), stake, storage, isGenesis)
	return nil
}

// Get returns a copy of the validator.
func (m *Manager) Get(id ID) (Validator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return Validator{}, false
	}
	return v.Copy(), true
}

// Validators returns copies of every registry entry in identity order.
func (m *Manager) Validators() []Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Validator, 0, m.validators.Len())
	m.validators.Ascend(func(v *Validator) bool {
		out = append(out, v.Copy())
		return true
	})
	return out
}

// Snapshot returns an immutable view of the active validators.
func (m *Manager) Snapshot() *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *Set {
	vals := make([]Validator, 0, m.validators.Len())
	m.validators.Ascend(func(v *Validator) bool {
		if v.IsActive() {
			vals = append(vals, *v)
		}
		return true
	})
	return NewSet(vals, WeightParams{
		StorageWeightBps: m.cfg.StorageWeightBps,
		StorageWeightCap: m.cfg.StorageWeightCap,
	})
}

// SelectProposer is a deterministic function of height, round and the registry.
func (m *Manager) SelectProposer(height uint64, round uint32) (Validator, bool) {
	return m.Snapshot().Proposer(height, round)
}

// GetTotalVotingPower is the stake sum of Active validators.
func (m *Manager) GetTotalVotingPower() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeStakeLocked()
}

func (m *Manager) activeStakeLocked() uint64 {
	var total uint64
	m.validators.Ascend(func(v *Validator) bool {
		if v.IsActive() {
			total += v.Stake
		}
		return true
	})
	return total
}

// GetByzantineThreshold returns floor(2n/3)+1 for the current voting power.
func (m *Manager) GetByzantineThreshold() uint64 {
	return ByzantineThreshold(m.GetTotalVotingPower())
}

// MeetsByzantineThreshold reports whether power reaches the threshold.
func (m *Manager) MeetsByzantineThreshold(power uint64) bool {
	return power >= m.GetByzantineThreshold()
}

// HasSufficientValidators is true once MinBFTValidators are active, or always in development mode.
func (m *Manager) HasSufficientValidators() bool {
	if m.cfg.DevelopmentMode {
		return true
	}
	return m.GetValidatorStats().Active >= m.cfg.MinBFTValidators
}

// ApplySlashing removes fractionBps/10000 of the validator's stake, at least
// one unit when the fraction is non-zero. A validator slashed to zero becomes Slashed.
func (m *Manager) ApplySlashing(id ID, fractionBps uint64) (uint64, error) {
	if fractionBps > BasisPoints {
		fractionBps = BasisPoints
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	if v.Stake == 0 || fractionBps == 0 {
		return 0, nil
	}

	amount := new(uint256.Int).Mul(uint256.NewInt(v.Stake), uint256.NewInt(fractionBps))
	amount.Div(amount, uint256.NewInt(BasisPoints))
	slashed := amount.Uint64()
	if slashed == 0 {
		slashed = 1
	}
	v.Stake -= slashed
	m.totalStake -= slashed
	if v.Stake == 0 {
		v.Status = StatusSlashed
	}
	m.log.Warnf("slashed validator %s by %d (%d bps), stake now %d status=%s", id.Short(), slashed, fractionBps, v.Stake, v.Status)
	return slashed, nil
}

// UpdateStake replaces the validator's stake.
func (m *Manager) UpdateStake(id ID, stake uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	rest := m.totalStake - v.Stake
	if rest > math.MaxUint64-stake {
		return ErrStakeOverflow
	}
	m.totalStake = rest + stake
	v.Stake = stake
	return nil
}

// SetStatus changes the validator's status.
func (m *Manager) SetStatus(id ID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	if v.Status != status {
		m.log.Printf("validator %s status %s -> %s", id.Short(), v.Status, status)
	}
	v.Status = status
	return nil
}

// AdjustReputation adds delta, clamped to [0, MaxReputation].
func (m *Manager) AdjustReputation(id ID, delta int64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	rep := int64(v.Reputation) + delta
	switch {
	case rep < 0:
		rep = 0
	case rep > MaxReputation:
		rep = MaxReputation
	}
	v.Reputation = uint64(rep)
	return v.Reputation, nil
}

// BeginUnstake moves the validator to Unstaking; it stops contributing voting power.
func (m *Manager) BeginUnstake(id ID) error {
	return m.SetStatus(id, StatusUnstaking)
}

// CompleteUnstake removes an Unstaking validator and returns its final entry.
func (m *Manager) CompleteUnstake(id ID) (Validator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return Validator{}, fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	if v.Status != StatusUnstaking {
		return Validator{}, fmt.Errorf("validator %s is %s, not Unstaking", id.Short(), v.Status)
	}
	return m.removeLocked(v), nil
}

// RemoveValidator deletes the validator regardless of status.
func (m *Manager) RemoveValidator(id ID) (Validator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validators.Get(&Validator{ID: id})
	if !ok {
		return Validator{}, fmt.Errorf("%w: %s", ErrValidatorNotFound, id.Short())
	}
	return m.removeLocked(v), nil
}

func (m *Manager) removeLocked(v *Validator) Validator {
	m.validators.Delete(v)
	m.totalStake -= v.Stake
	m.log.Printf("removed validator %s", v.ID.Short())
	return v.Copy()
}

// GetValidatorStats returns counts by status and stake totals.
func (m *Manager) GetValidatorStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	m.validators.Ascend(func(v *Validator) bool {
		s.Total++
		s.TotalStake += v.Stake
		s.TotalStorage += v.StorageProvided
		switch v.Status {
		case StatusActive:
			s.Active++
			s.ActiveStake += v.Stake
		case StatusOffline:
			s.Offline++
		case StatusUnstaking:
			s.Unstaking++
		case StatusSlashed:
			s.Slashed++
		}
		return true
	})
	return s
}

// Config returns the consensus configuration the manager enforces.
func (m *Manager) Config() config.Consensus {
	return m.cfg
}
