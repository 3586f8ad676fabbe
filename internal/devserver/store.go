package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	// ErrUnknownRecord indicates an update against an identifier the store
	// does not hold.
	ErrUnknownRecord = errors.New("devserver: unknown record")
)

// DuplicateRefError reports that a create carried a client reference the
// store has already satisfied. ExistingID is the identifier assigned by the
// earlier create.
type DuplicateRefError struct {
	ExistingID string
}

func (e *DuplicateRefError) Error() string {
	return fmt.Sprintf("devserver: client reference already created as %s", e.ExistingID)
}

type remoteRecordRow struct {
	OwnerKey         string `gorm:"column:owner_key;primaryKey;size:190;not null;index:idx_remote_owner_ref,priority:1"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ClientRef        string `gorm:"column:client_ref;size:190;not null;default:'';index:idx_remote_owner_ref,priority:2"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (remoteRecordRow) TableName() string {
	return "remote_records"
}

// OpenSQLite establishes the dev server's SQLite connection and migrates its
// schema.
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

	if err := db.AutoMigrate(&remoteRecordRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("dev store initialized", zap.String("path", path))
	}
	return db, nil
}

// RecordStoreConfig captures the dependencies of the dev record store.
type RecordStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider journal.IDProvider
	Logger     *zap.Logger
}

// RecordStore is the dev server's durable record store. Single writer per
// record, last write wins; updates overwrite content outright.
type RecordStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider journal.IDProvider
	logger     *zap.Logger
}

// NewRecordStore constructs the store from its configuration.
func NewRecordStore(cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Create persists new content and assigns a permanent identifier. A repeated
// client reference is a uniqueness conflict carrying the earlier identifier,
// so a retried create after a lost response stays idempotent.
func (s *RecordStore) Create(ownerKey, clientRef string, content []journal.Block) (string, error) {
	if ownerKey == "" {
		return "", fmt.Errorf("devserver: owner key is required")
	}

	contentJSON, err := encodeContent(content)
	if err != nil {
		return "", err
	}

	var assignedID string
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if clientRef != "" {
			var existing remoteRecordRow
			err := tx.Where("owner_key = ? AND client_ref = ?", ownerKey, clientRef).
				Take(&existing).Error
			if err == nil {
				return &DuplicateRefError{ExistingID: existing.RecordID}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		recordID, err := s.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("devserver: id generation failed: %w", err)
		}

		now := s.clock().UTC().Unix()
		row := remoteRecordRow{
			OwnerKey:         ownerKey,
			RecordID:         recordID,
			ClientRef:        clientRef,
			ContentJSON:      contentJSON,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		assignedID = recordID
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return assignedID, nil
}

// Update replaces the content stored under an existing identifier.
func (s *RecordStore) Update(recordID, ownerKey string, content []journal.Block) error {
	contentJSON, err := encodeContent(content)
	if err != nil {
		return err
	}

	now := s.clock().UTC().Unix()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing remoteRecordRow
		err := tx.Where("owner_key = ? AND record_id = ?", ownerKey, recordID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownRecord
		}
		if err != nil {
			return err
		}

		updatedAt := now
		if existing.UpdatedAtSeconds > updatedAt {
			updatedAt = existing.UpdatedAtSeconds
		}
		return tx.Model(&remoteRecordRow{}).
			Where("owner_key = ? AND record_id = ?", ownerKey, recordID).
			Updates(map[string]any{
				"content_json": contentJSON,
				"updated_at_s": updatedAt,
			}).Error
	})
}

// Read returns the stored content for tests and debugging tooling.
func (s *RecordStore) Read(recordID, ownerKey string) ([]journal.Block, error) {
	var row remoteRecordRow
	err := s.db.Where("owner_key = ? AND record_id = ?", ownerKey, recordID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownRecord
	}
	if err != nil {
		return nil, err
	}
	var content []journal.Block
	if row.ContentJSON != "" {
		if err := json.Unmarshal([]byte(row.ContentJSON), &content); err != nil {
			return nil, fmt.Errorf("devserver: decode content for %s: %w", recordID, err)
		}
	}
	return content, nil
}

func encodeContent(content []journal.Block) (string, error) {
	if content == nil {
		content = []journal.Block{}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("devserver: encode content: %w", err)
	}
	return string(encoded), nil
}
