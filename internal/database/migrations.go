package database

import (
	"errors"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillBoardVersions = "2026-07-12_backfill_board_versions"

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
		{name: migrationBackfillBoardVersions, apply: backfillBoardVersions},
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

// Rows written before the version counter existed carry version 0; the flush
// compare-and-swap requires every board to start at 1.
func backfillBoardVersions(db *gorm.DB) error {
	return db.Model(&board.Board{}).
		Where("version <= 0").
		Update("version", 1).Error
}
