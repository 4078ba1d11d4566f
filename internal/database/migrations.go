package database

import (
	"errors"
	"time"

	"github.com/chatforgelabs/console/internal/versions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillMissingDrafts = "2026-06-18_backfill_missing_entity_drafts"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMissingDrafts, apply: backfillMissingDrafts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillMissingDrafts repairs entities created before draft seeding became
// part of entity creation: every entity must own exactly one draft row.
func backfillMissingDrafts(db *gorm.DB) error {
	now := time.Now().UTC().Unix()
	return db.Exec(
		`INSERT INTO entity_drafts (entity_id, draft_id, config_json, updated_at_s)
		 SELECT e.entity_id, e.entity_id || '-draft', ?, ?
		 FROM entities e
		 WHERE NOT EXISTS (SELECT 1 FROM entity_drafts d WHERE d.entity_id = e.entity_id)`,
		versions.DefaultConfig().String(), now,
	).Error
}
