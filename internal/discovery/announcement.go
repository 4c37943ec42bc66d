// Package discovery holds validator announcements received from peers in a
// TTL cache the validator registry is refreshed from.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"consensus-core/internal/validator"
)

var (
	ErrInvalidAnnouncement = errors.New("invalid announcement")
	ErrBadSignature        = errors.New("announcement signature does not verify")
	ErrStaleAnnouncement   = errors.New("announcement older than cached entry")
)

// Endpoint is a network address a validator can be reached on.
type Endpoint struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Priority uint8  `json:"priority"`
}

// Announcement is the peer-facing validator record.
type Announcement struct {
	IdentityHash    string     `json:"identity_hash"` // hex validator.ID
	ConsensusPubKey []byte     `json:"consensus_pubkey"`
	Stake           uint64     `json:"stake"`
	StorageProvided uint64     `json:"storage_provided"`
	CommissionRate  uint16     `json:"commission_rate"` // basis points
	Endpoints       []Endpoint `json:"endpoints"`
	Status          string     `json:"status"`
	LastUpdated     int64      `json:"last_updated"` // unix seconds
	Signature       []byte     `json:"signature"`
}

// Signer signs announcement bytes.
type Signer interface {
	ID() validator.ID
	PubKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(pubKey, msg, sig []byte) bool
}

// ID parses IdentityHash.
func (a *Announcement) ID() (validator.ID, error) {
	return validator.ParseID(a.IdentityHash)
}

// ValidatorStatus parses Status.
func (a *Announcement) ValidatorStatus() (validator.Status, error) {
	return validator.ParseStatus(a.Status)
}

// ValidateBasic checks fields that need no signature verification.
func (a *Announcement) ValidateBasic() error {
	id, err := a.ID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	if id.IsZero() {
		return fmt.Errorf("%w: zero identity", ErrInvalidAnnouncement)
	}
	if len(a.ConsensusPubKey) == 0 {
		return fmt.Errorf("%w: missing consensus pubkey", ErrInvalidAnnouncement)
	}
	if a.CommissionRate > validator.BasisPoints {
		return fmt.Errorf("%w: commission %d bps", ErrInvalidAnnouncement, a.CommissionRate)
	}
	if _, err := a.ValidatorStatus(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	if len(a.Signature) == 0 {
		return fmt.Errorf("%w: unsigned", ErrInvalidAnnouncement)
	}
	return nil
}

// SignBytes is the canonical encoding covered by Signature.
func (a *Announcement) SignBytes(chainID string) []byte {
	buf := make([]byte, 0, 128+len(a.ConsensusPubKey))
	buf = append(buf, 'A')
	buf = appendString(buf, chainID)
	buf = appendString(buf, a.IdentityHash)
	buf = appendBytes(buf, a.ConsensusPubKey)
	buf = binary.BigEndian.AppendUint64(buf, a.Stake)
	buf = binary.BigEndian.AppendUint64(buf, a.StorageProvided)
	buf = binary.BigEndian.AppendUint16(buf, a.CommissionRate)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Endpoints)))
	for _, ep := range a.Endpoints {
		buf = appendString(buf, ep.Protocol)
		buf = appendString(buf, ep.Address)
		buf = append(buf, ep.Priority)
	}
	buf = appendString(buf, a.Status)
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.LastUpdated))
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Sign fills IdentityHash and ConsensusPubKey from s and signs the record.
func (a *Announcement) Sign(chainID string, s Signer) error {
	a.IdentityHash = s.ID().String()
	a.ConsensusPubKey = s.PubKey()
	sig, err := s.Sign(a.SignBytes(chainID))
	if err != nil {
		return fmt.Errorf("sign announcement: %w", err)
	}
	a.Signature = sig
	return nil
}

// Verify runs ValidateBasic and checks the signature.
func (a *Announcement) Verify(chainID string, v Verifier) error {
	if err := a.ValidateBasic(); err != nil {
		return err
	}
	if !v.Verify(a.ConsensusPubKey, a.SignBytes(chainID), a.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Copy returns a deep copy.
func (a Announcement) Copy() Announcement {
	c := a
	c.ConsensusPubKey = append([]byte(nil), a.ConsensusPubKey...)
	c.Signature = append([]byte(nil), a.Signature...)
	c.Endpoints = append([]Endpoint(nil), a.Endpoints...)
	return c
}

// Filter narrows a discovery query. Nil pointers and zero values do not filter.
type Filter struct {
	MinStake       uint64
	MinStorage     uint64
	MaxCommission  *uint16
	RequiredStatus *validator.Status
	Limit          int
}

func (f Filter) match(a *Announcement) bool {
	if a.Stake < f.MinStake || a.StorageProvided < f.MinStorage {
		return false
	}
	if f.MaxCommission != nil && a.CommissionRate > *f.MaxCommission {
		return false
	}
	if f.RequiredStatus != nil {
		st, err := a.ValidatorStatus()
		if err != nil || st != *f.RequiredStatus {
			return false
		}
	}
	return true
}
