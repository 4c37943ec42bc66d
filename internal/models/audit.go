package models

import "time"

// ValidatorRecord mirrors the registry entry of a validator.
type ValidatorRecord struct {
	ID            uint   `gorm:"primaryKey"`
	ValidatorID   string `gorm:"size:64;uniqueIndex"`
	Stake         uint64
	Storage       uint64
	CommissionBps uint16
	Reputation    uint64
	Status        string `gorm:"size:16;index"`
	RegisteredAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FaultRecord is a processed Byzantine fault and the penalty applied.
type FaultRecord struct {
	ID          uint   `gorm:"primaryKey"`
	ValidatorID string `gorm:"size:64;index"`
	Type        string `gorm:"size:32;index"`
	Severity    string `gorm:"size:16;index"`
	Evidence    string
	Height      int64 `gorm:"index"`
	Events      int
	Slashed     uint64
	Reputation  uint64
	Skipped     bool
	DetectedAt  time.Time
	ProcessedAt time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// RewardRecord is one validator's reward for a committed height.
type RewardRecord struct {
	ID              uint   `gorm:"primaryKey"`
	Height          int64  `gorm:"index:ux_reward_height_validator,unique"`
	ValidatorID     string `gorm:"size:64;index:ux_reward_height_validator,unique;index"`
	StakeReward     uint64
	ReputationBonus uint64
	StorageBonus    uint64
	TotalReward     uint64
	Commission      uint64
	DelegatorShare  uint64
	CreatedAt       time.Time
}
