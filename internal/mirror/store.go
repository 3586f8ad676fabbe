package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrRecordNotFound indicates that no record exists under the requested identifier.
	ErrRecordNotFound = errors.New("mirror: record not found")
)

// recordRow is the persisted form of one journal record.
type recordRow struct {
	OwnerKey         string `gorm:"column:owner_key;primaryKey;size:190;not null;index:idx_mirror_owner_updated,priority:1"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_mirror_owner_updated,priority:2"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (recordRow) TableName() string {
	return "mirror_records"
}

// StoreConfig captures the dependencies of the local mirror.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable, synchronous, user-scoped client-side copy of every
// record. It is the single source of truth the UI reads from and has no
// knowledge of the network.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a mirror store from its configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Write persists a full record snapshot. The stored updated_at_s never moves
// backwards for a given record.
func (s *Store) Write(record journal.Record) error {
	if record.ID == "" || record.OwnerKey == "" {
		return fmt.Errorf("mirror: record id and owner key are required")
	}

	contentJSON, err := encodeContent(record.Content)
	if err != nil {
		return fmt.Errorf("mirror: encode content: %w", err)
	}

	now := s.clock().UTC().Unix()
	updatedAt := record.UpdatedAtSeconds
	if updatedAt == 0 {
		updatedAt = now
	}
	createdAt := record.CreatedAtSeconds
	if createdAt == 0 {
		createdAt = updatedAt
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		err := tx.Where("owner_key = ? AND record_id = ?", record.OwnerKey, record.ID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			if existing.UpdatedAtSeconds > updatedAt {
				updatedAt = existing.UpdatedAtSeconds
			}
			if existing.CreatedAtSeconds > 0 {
				createdAt = existing.CreatedAtSeconds
			}
		}

		row := recordRow{
			OwnerKey:         record.OwnerKey,
			RecordID:         record.ID,
			CreatedAtSeconds: createdAt,
			UpdatedAtSeconds: updatedAt,
			ContentJSON:      contentJSON,
		}
		return tx.Save(&row).Error
	})
}

// Read returns the stored record or ErrRecordNotFound.
func (s *Store) Read(ownerKey, recordID string) (journal.Record, error) {
	var row recordRow
	err := s.db.Where("owner_key = ? AND record_id = ?", ownerKey, recordID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return journal.Record{}, ErrRecordNotFound
	}
	if err != nil {
		return journal.Record{}, err
	}
	return rowToRecord(row)
}

// List returns all records for the owner, most recently updated first.
func (s *Store) List(ownerKey string) ([]journal.Record, error) {
	var rows []recordRow
	if err := s.db.Where("owner_key = ?", ownerKey).
		Order("updated_at_s DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]journal.Record, 0, len(rows))
	for _, row := range rows {
		record, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// PromoteID atomically relabels a record from its provisional identifier to
// the permanent one assigned by the remote store. Only the identifier
// changes: content and timestamps stay whatever the stored row holds, so an
// edit written under the provisional identifier while the create was in
// flight survives the promotion. A missing old identifier is a no-op, so
// retried promotions are safe.
func (s *Store) PromoteID(ownerKey, oldID, newID string) error {
	if ownerKey == "" || oldID == "" || newID == "" {
		return fmt.Errorf("mirror: owner key and both identifiers are required")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var old recordRow
		err := tx.Where("owner_key = ? AND record_id = ?", ownerKey, oldID).
			Take(&old).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Where("owner_key = ? AND record_id = ?", ownerKey, oldID).
			Delete(&recordRow{}).Error; err != nil {
			return err
		}

		promoted := recordRow{
			OwnerKey:         ownerKey,
			RecordID:         newID,
			CreatedAtSeconds: old.CreatedAtSeconds,
			UpdatedAtSeconds: old.UpdatedAtSeconds,
			ContentJSON:      old.ContentJSON,
		}
		return tx.Save(&promoted).Error
	})
}

func encodeContent(content []journal.Block) (string, error) {
	if content == nil {
		content = []journal.Block{}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func rowToRecord(row recordRow) (journal.Record, error) {
	var content []journal.Block
	if row.ContentJSON != "" {
		if err := json.Unmarshal([]byte(row.ContentJSON), &content); err != nil {
			return journal.Record{}, fmt.Errorf("mirror: decode content for %s: %w", row.RecordID, err)
		}
	}
	return journal.Record{
		ID:               row.RecordID,
		OwnerKey:         row.OwnerKey,
		Content:          content,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}, nil
}
