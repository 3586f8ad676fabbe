package mirror

import (
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRecordCreatedAt = "2026-06-12_backfill_record_created_at"

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

// OpenSQLite establishes a SQLite connection and performs schema migrations
// for the local mirror.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("mirror database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the mirror's tables on an already-open connection. Exposed
// so embedders and tests can share one database handle with other components.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&recordRow{}, &migrationRecord{})
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRecordCreatedAt, apply: backfillRecordCreatedAt},
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
			logger.Info("mirror migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillRecordCreatedAt(db *gorm.DB) error {
	return db.Model(&recordRow{}).
		Where("created_at_s = 0").
		Update("created_at_s", gorm.Expr("updated_at_s")).Error
}
