package reward

import (
	"context"
	"errors"
	"fmt"

	"consensus-core/internal/logger"
	"consensus-core/internal/validator"
)

// Payout is one credit handed to the wallet.
type Payout struct {
	Height         uint64
	Validator      validator.ID
	Commission     uint64
	DelegatorShare uint64
}

// Wallet receives computed rewards. Implementations live with the treasury.
type Wallet interface {
	Credit(ctx context.Context, p Payout) error
}

// NopWallet accepts every payout.
type NopWallet struct{}

func (NopWallet) Credit(context.Context, Payout) error { return nil }

// DistributeRewards credits every non-zero reward in identity order and
// returns the amount credited. Failing credits do not stop the rest; their
// errors are joined. An empty round credits nothing and succeeds.
func DistributeRewards(ctx context.Context, w Wallet, rr RewardRound, log *logger.Logger) (uint64, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if w == nil {
		w = NopWallet{}
	}

	var (
		credited uint64
		errs     []error
	)
	for _, vr := range rr.Sorted() {
		if vr.TotalReward == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := w.Credit(ctx, Payout{
			Height:         rr.Height,
			Validator:      vr.Validator,
			Commission:     vr.Commission,
			DelegatorShare: vr.DelegatorShare,
		})
		if err != nil {
			log.Errorf("credit %s at height %d: %v", vr.Validator.Short(), rr.Height, err)
			errs = append(errs, fmt.Errorf("credit %s: %w", vr.Validator.Short(), err))
			continue
		}
		credited += vr.TotalReward
	}
	if len(errs) == 0 {
		log.Printf("distributed %d to %d validators at height %d", credited, len(rr.Rewards), rr.Height)
	}
	return credited, errors.Join(errs...)
}
