package round

import "errors"

// Round errors
var (
	ErrInvalidVote        = errors.New("invalid vote")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrConflictingVote    = errors.New("conflicting vote")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrRoundTimedOut      = errors.New("round timed out")
	ErrNoProposerSelected = errors.New("no proposer selected")
	ErrNotStarted         = errors.New("state machine not started")
)
