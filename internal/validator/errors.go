package validator

import "errors"

// Validator errors
var (
	ErrInsufficientStake    = errors.New("insufficient stake")
	ErrInsufficientStorage  = errors.New("insufficient storage")
	ErrMaxValidatorsReached = errors.New("max validators reached")
	ErrValidatorNotFound    = errors.New("validator not found")
	ErrDuplicateValidator   = errors.New("duplicate validator")
	ErrInvalidCommission    = errors.New("invalid commission rate")
	ErrInvalidIdentity      = errors.New("invalid validator identity")
	ErrStakeOverflow        = errors.New("total stake overflow")
)
