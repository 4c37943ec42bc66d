// Package db provides database connection, migration and the audit store.
package db

import (
	"fmt"
	stdlog "log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"consensus-core/internal/config"
	"consensus-core/internal/models"
)

// Open opens a database connection using the provided configuration.
// It returns a nil DB when persistence is not configured.
func Open(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDialect == "" || cfg.DBDsn == "" {
		return nil, nil
	}

	// Silent to avoid cluttering output
	newLogger := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		return gorm.Open(postgres.Open(cfg.DBDsn), &gorm.Config{Logger: newLogger})
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT: %s", cfg.DBDialect)
	}
}

// AutoMigrate runs database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(
		&models.ValidatorRecord{},
		&models.RoundProposer{},
		&models.RoundVote{},
		&models.CommittedBlock{},
		&models.FaultRecord{},
		&models.RewardRecord{},
	)
}

const voteBatchSize = 1000

// Store writes audit records through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore returns nil for a nil DB.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// SaveRoundProposers upserts proposer rows keyed by (height, round).
func (s *Store) SaveRoundProposers(rows []models.RoundProposer) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "height"}, {Name: "round"}},
		DoUpdates: clause.AssignmentColumns([]string{"proposer_id", "succeeded", "timed_out", "updated_at"}),
	}).Create(&rows).Error
}

// SaveVotes batch-inserts votes.
func (s *Store) SaveVotes(votes []*models.RoundVote) error {
	if len(votes) == 0 {
		return nil
	}
	return s.db.CreateInBatches(votes, voteBatchSize).Error
}

// SaveBlock inserts or updates the committed block at its height.
func (s *Store) SaveBlock(b *models.CommittedBlock) error {
	return s.db.Where(models.CommittedBlock{Height: b.Height}).Assign(*b).FirstOrCreate(b).Error
}

// SaveFaults inserts processed faults.
func (s *Store) SaveFaults(rows []models.FaultRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Create(&rows).Error
}

// SaveRewards inserts a height's rewards; rewrites for the same height are ignored.
func (s *Store) SaveRewards(rows []models.RewardRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, voteBatchSize).Error
}

// UpsertValidators replaces validator rows by identity.
func (s *Store) UpsertValidators(rows []models.ValidatorRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "validator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stake", "storage", "commission_bps", "reputation", "status", "updated_at"}),
	}).Create(&rows).Error
}
