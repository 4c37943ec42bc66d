// Package byzantine accumulates misbehavior evidence, classifies it into
// faults and applies slashing through the validator registry.
package byzantine

import (
	"errors"
	"fmt"

	"consensus-core/internal/validator"
)

var (
	ErrInvalidEvidence = errors.New("invalid evidence")
	ErrNotEquivocation = errors.New("identical signatures are not equivocation")
)

// FaultType classifies evidence.
type FaultType int

const (
	FaultDoubleSign FaultType = iota
	FaultLiveness
	FaultInvalidProposal
)

func (t FaultType) String() string {
	switch t {
	case FaultDoubleSign:
		return "DoubleSign"
	case FaultLiveness:
		return "Liveness"
	case FaultInvalidProposal:
		return "InvalidProposal"
	default:
		return fmt.Sprintf("FaultType(%d)", int(t))
	}
}

// Severity decides the penalty.
type Severity int

const (
	SeverityMinor Severity = iota
	SeverityMajor
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "Minor"
	case SeverityMajor:
		return "Major"
	case SeverityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Fault is one qualifying (validator, type) aggregate reported by DetectFaults.
type Fault struct {
	Validator  validator.ID
	Type       FaultType
	Severity   Severity
	Evidence   string
	DetectedAt int64 // unix seconds
	Height     uint64
	Events     int

	// evidence with seq <= upTo is consumed when the fault is processed
	upTo uint64
}

func (f Fault) String() string {
	return fmt.Sprintf("%s/%s by %s: %s", f.Type, f.Severity, f.Validator.Short(), f.Evidence)
}

// Penalty is what a severity costs a validator.
type Penalty struct {
	SlashBps        uint64
	ReputationDelta int64
}

// Params tunes classification and penalties.
type Params struct {
	// LivenessEscalation is the event count above which liveness becomes Critical.
	LivenessEscalation int
	// InvalidProposalThreshold is the event count at which invalid proposals are reported.
	InvalidProposalThreshold int
	// MaxEventsPerType bounds retained events per validator and type.
	MaxEventsPerType int

	Critical Penalty
	Major    Penalty
	Minor    Penalty
}

func DefaultParams() Params {
	return Params{
		LivenessEscalation:       10,
		InvalidProposalThreshold: 3,
		MaxEventsPerType:         256,
		Critical:                 Penalty{SlashBps: 5000, ReputationDelta: -500},
		Major:                    Penalty{SlashBps: 1000, ReputationDelta: -100},
		Minor:                    Penalty{SlashBps: 100, ReputationDelta: -20},
	}
}

func (p Params) penalty(s Severity) Penalty {
	switch s {
	case SeverityCritical:
		return p.Critical
	case SeverityMajor:
		return p.Major
	default:
		return p.Minor
	}
}

// Outcome records what ProcessFaults did for one fault.
type Outcome struct {
	Fault       Fault
	Slashed     uint64
	Reputation  uint64
	Skipped     bool
	ProcessedAt int64
}
