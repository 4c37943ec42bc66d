package models

import "time"

// RoundVote stores prevotes and precommits seen for a height.
// Every vote is kept, so there is no uniqueness constraint.
type RoundVote struct {
	ID          uint      `gorm:"primaryKey"`
	Height      int64     `gorm:"index"`
	Round       int32     `gorm:"index"`
	ValidatorID string    `gorm:"size:64;index"`
	ProposerID  string    `gorm:"size:64;index"`
	VoteType    string    `gorm:"size:16;index"` // "prevote" or "precommit"
	BlockHash   string    `gorm:"size:64"`       // empty for nil votes
	Timestamp   time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
