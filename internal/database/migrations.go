package database

import (
	"errors"
	"time"

	"github.com/mosaiclabs/mosaic/backend/internal/publish"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillContentHashes = "2026-07-14_backfill_content_hashes"

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
		{name: migrationBackfillContentHashes, apply: backfillContentHashes},
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

// backfillContentHashes computes fingerprints for legacy draft rows created
// before hashing existed, so the first publish after upgrade can compare
// hash-to-hash instead of rewriting every row.
func backfillContentHashes(db *gorm.DB) error {
	steps := []func(*gorm.DB) error{
		backfillRows[publish.Folder],
		backfillRows[publish.Page],
		backfillRows[publish.Component],
		backfillRows[publish.LayerStyle],
		backfillRows[publish.Locale],
		backfillRows[publish.Translation],
		backfillRows[publish.Collection],
		backfillRows[publish.CollectionField],
		backfillRows[publish.CollectionItem],
		backfillRows[publish.CollectionItemValue],
		backfillRows[publish.AssetFolder],
		backfillRows[publish.Asset],
		backfillRows[publish.Font],
	}
	for _, step := range steps {
		if err := step(db); err != nil {
			return err
		}
	}
	return nil
}

func backfillRows[R any](db *gorm.DB) error {
	var rows []R
	err := db.Where("content_hash IS NULL AND is_published = ?", false).Find(&rows).Error
	if err != nil {
		return err
	}
	for index := range rows {
		row, ok := any(&rows[index]).(publish.Row)
		if !ok {
			continue
		}
		digest := publish.EnsureHash(row)
		err := db.Model(&rows[index]).
			Where("id = ? AND is_published = ?", row.RowID(), false).
			Update("content_hash", digest).Error
		if err != nil {
			return err
		}
	}
	return nil
}
