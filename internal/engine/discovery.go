package engine

import (
	"context"
	"errors"
	"time"

	"consensus-core/internal/discovery"
	"consensus-core/internal/validator"
)

// PopulateFromDiscovery refreshes the registry from the discovery cache.
// Unknown Active announcements meeting the minimums are registered; the
// stake of known Active validators follows their announcement unless the
// announcement predates the validator's last slashing. Offline, Unstaking
// and Slashed validators are left alone.
func (e *Engine) PopulateFromDiscovery(ctx context.Context) (registered, updated int, err error) {
	if e.discovery == nil {
		return 0, 0, nil
	}
	if _, err := e.fetcher.MaybeRefresh(ctx); err != nil {
		e.log.Warnf("discovery refresh failed, using cached announcements: %v", err)
	}

	cfg := e.validators.Config()
	active := validator.StatusActive
	var errs []error
	for _, a := range e.discovery.Query(discovery.Filter{
		MinStake:       cfg.MinStake,
		MinStorage:     cfg.MinStorage,
		RequiredStatus: &active,
	}) {
		if ctx.Err() != nil {
			return registered, updated, ctx.Err()
		}
		id, err := a.ID()
		if err != nil {
			continue
		}

		if v, ok := e.validators.Get(id); ok {
			if v.Status != validator.StatusActive || v.Stake == a.Stake {
				continue
			}
			e.mu.RLock()
			slashedAt, slashed := e.penalized[id]
			e.mu.RUnlock()
			if slashed && a.LastUpdated <= slashedAt {
				continue
			}
			if err := e.validators.UpdateStake(id, a.Stake); err != nil {
				errs = append(errs, err)
				continue
			}
			updated++
			continue
		}

		err = e.validators.RegisterValidator(id, a.Stake, a.StorageProvided, a.ConsensusPubKey, a.CommissionRate, false)
		if errors.Is(err, validator.ErrMaxValidatorsReached) {
			errs = append(errs, err)
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}

	if registered+updated > 0 {
		e.log.Printf("discovery: registered %d, updated %d validators", registered, updated)
		if e.metrics != nil {
			e.metrics.SetActiveValidators(e.validators.GetValidatorStats().Active)
		}
	}
	return registered, updated, errors.Join(errs...)
}

func (e *Engine) discoveryLoop(ctx context.Context) error {
	refresh := func() {
		if _, _, err := e.PopulateFromDiscovery(ctx); err != nil && ctx.Err() == nil {
			e.log.Warnf("discovery: %v", err)
		}
	}
	refresh()

	t := time.NewTicker(e.discoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			refresh()
		}
	}
}
