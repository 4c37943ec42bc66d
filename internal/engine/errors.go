package engine

import (
	"errors"

	"consensus-core/internal/round"
	"consensus-core/internal/validator"
)

// Validator errors surfaced by RegisterValidator.
var (
	ErrInsufficientStake    = validator.ErrInsufficientStake
	ErrInsufficientStorage  = validator.ErrInsufficientStorage
	ErrMaxValidatorsReached = validator.ErrMaxValidatorsReached
	ErrValidatorNotFound    = validator.ErrValidatorNotFound
	ErrDuplicateValidator   = validator.ErrDuplicateValidator
	ErrInvalidCommission    = validator.ErrInvalidCommission
)

// Consensus errors
var (
	ErrNoProposerSelected     = round.ErrNoProposerSelected
	ErrInvalidVote            = round.ErrInvalidVote
	ErrRoundTimedOut          = round.ErrRoundTimedOut
	ErrAlreadyStarted         = errors.New("consensus already started")
	ErrNotStarted             = errors.New("consensus not started")
	ErrStopped                = errors.New("consensus stopped")
	ErrInsufficientValidators = errors.New("not enough active validators for BFT")
	ErrQueueFull              = errors.New("inbound queue full")
)
