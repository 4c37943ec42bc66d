// Package validator keeps the registry of consensus validators and derives
// voting power, the Byzantine threshold and deterministic proposer selection
// from it.
package validator

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the length of a validator identity in bytes.
const IDSize = 32

const (
	// MaxReputation bounds Validator.Reputation.
	MaxReputation = 1000
	// NeutralReputation is assigned on registration.
	NeutralReputation = 500
	// BasisPoints is the denominator for commission and slashing fractions.
	BasisPoints = 10000
)

// ID is an opaque validator identity.
type ID [IDSize]byte

// IDFromBytes copies b into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidIdentity, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID decodes a hex identity.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return IDFromBytes(b)
}

// Bytes returns a copy of the identity.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Less orders identities bytewise.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether id is all zeros.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Status of a validator in the registry.
type Status int

const (
	StatusActive Status = iota
	StatusOffline
	StatusUnstaking
	StatusSlashed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusOffline:
		return "Offline"
	case StatusUnstaking:
		return "Unstaking"
	case StatusSlashed:
		return "Slashed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "Active":
		return StatusActive, nil
	case "Offline":
		return StatusOffline, nil
	case "Unstaking":
		return StatusUnstaking, nil
	case "Slashed":
		return StatusSlashed, nil
	default:
		return 0, fmt.Errorf("unknown validator status %q", s)
	}
}

// Validator is a registry entry. Values handed out by Manager are copies.
type Validator struct {
	ID              ID
	Stake           uint64 // micro-token units
	StorageProvided uint64 // bytes
	CommissionRate  uint16 // basis points
	ConsensusPubKey []byte
	Reputation      uint64 // 0..MaxReputation
	Status          Status
	RegisteredAt    int64 // unix seconds
}

// Copy returns a deep copy.
func (v *Validator) Copy() Validator {
	c := *v
	if v.ConsensusPubKey != nil {
		c.ConsensusPubKey = append([]byte(nil), v.ConsensusPubKey...)
	}
	return c
}

// IsActive reports whether v contributes voting power.
func (v *Validator) IsActive() bool {
	return v.Status == StatusActive
}

func (v Validator) String() string {
	return fmt.Sprintf("Validator{%s stake=%d storage=%d status=%s}", v.ID.Short(), v.Stake, v.StorageProvided, v.Status)
}

// ByzantineThreshold returns floor(2*power/3)+1 without overflowing.
func ByzantineThreshold(power uint64) uint64 {
	third := power / 3
	rem := power % 3
	return third*2 + (rem*2)/3 + 1
}
