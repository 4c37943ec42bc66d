// Package models defines the audit tables written by the recorder.
package models

import "time"

// RoundProposer records the proposer selected for a round and whether the round committed.
type RoundProposer struct {
	ID         uint   `gorm:"primaryKey"`
	Height     int64  `gorm:"index:ux_height_round,unique;index"`
	Round      int32  `gorm:"index:ux_height_round,unique;index"`
	ProposerID string `gorm:"size:64;index"`
	Succeeded  bool   `gorm:"index"`
	TimedOut   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CommittedBlock is a finalized proposal handed to the blockchain collaborator.
type CommittedBlock struct {
	ID          uint      `gorm:"primaryKey"`
	Height      int64     `gorm:"uniqueIndex;not null"`
	Round       int32     `gorm:"index"`
	Hash        string    `gorm:"size:64;index"`
	ProposerID  string    `gorm:"size:64;index"`
	CommittedAt time.Time `gorm:"index"`
	PayloadSize int
	Precommits  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
