package database

import (
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/pkg/logger"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Participant{},
		&models.EmailAddress{},
		&models.Claim{},
		&models.Package{},
		&models.Team{},
		&models.TeamPackage{},
		&models.Event{},
		&models.QueuedEmail{},
	); err != nil {
		return err
	}

	return createPartialIndexes(db)
}

// createPartialIndexes adds constraints AutoMigrate cannot express. An email
// address may sit unverified on any number of accounts but verified on only
// one, which needs a unique index filtered to verified rows.
func createPartialIndexes(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite", "postgres":
		return db.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_addresses_verified_address
			 ON email_addresses (address) WHERE verified`,
		).Error
	default:
		// MySQL has no partial indexes; the verified-address uniqueness
		// check in the verification path still runs, it just loses its
		// database-level backstop.
		logger.Warn("skipping partial unique index on email_addresses: unsupported dialect")
		return nil
	}
}
