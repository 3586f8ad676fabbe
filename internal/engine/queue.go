package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxRetries bounds how many retry attempts follow a failed reconciliation
// before the entry is dropped. Data dropped here stays safe in the local
// mirror; only the remote copy diverges until a future edit re-triggers sync.
const MaxRetries = 3

const retryDelayCap = 10 * time.Second

// RetryDelay returns the capped exponential backoff before the given retry
// attempt: 1s, 2s, 4s, ... capped at 10s.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 4 {
		// Anything past the cap shifts to the cap anyway; avoid overflow.
		return retryDelayCap
	}
	delay := time.Second << (retryCount - 1)
	if delay > retryDelayCap {
		delay = retryDelayCap
	}
	return delay
}

// QueueEntry is one record awaiting confirmation from the remote store.
type QueueEntry struct {
	OwnerKey      string
	RecordID      string
	Content       []journal.Block
	EnqueuedAt    time.Time
	RetryCount    int
	NextAttemptAt time.Time
}

type queueRow struct {
	OwnerKey            string `gorm:"column:owner_key;primaryKey;size:190;not null"`
	RecordID            string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ContentJSON         string `gorm:"column:content_json;type:text;not null"`
	EnqueuedAtMillis    int64  `gorm:"column:enqueued_at_ms;not null"`
	RetryCount          int    `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtMillis int64  `gorm:"column:next_attempt_at_ms;not null;default:0;index:idx_queue_owner_due,priority:2"`
}

func (queueRow) TableName() string {
	return "sync_queue_entries"
}

var errMissingQueueDatabase = errors.New("queue database handle is required")

// QueueConfig captures the dependencies of a SyncQueue.
type QueueConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// SyncQueue is the durable set of records awaiting remote confirmation. It is
// keyed by (owner, record): re-enqueueing a record replaces its entry, so the
// queue never holds two generations of the same record.
type SyncQueue struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSyncQueue constructs the queue and migrates its table.
func NewSyncQueue(cfg QueueConfig) (*SyncQueue, error) {
	if cfg.Database == nil {
		return nil, errMissingQueueDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpEngineLogger
	}
	if err := cfg.Database.AutoMigrate(&queueRow{}); err != nil {
		return nil, fmt.Errorf("engine: migrate sync queue: %w", err)
	}
	return &SyncQueue{db: cfg.Database, logger: logger}, nil
}

// Enqueue stores or replaces the entry for the record.
func (q *SyncQueue) Enqueue(entry QueueEntry) error {
	if entry.OwnerKey == "" || entry.RecordID == "" {
		return fmt.Errorf("engine: queue entry owner key and record id are required")
	}
	contentJSON, err := json.Marshal(journalContentOrEmpty(entry.Content))
	if err != nil {
		return fmt.Errorf("engine: encode queue entry: %w", err)
	}
	row := queueRow{
		OwnerKey:            entry.OwnerKey,
		RecordID:            entry.RecordID,
		ContentJSON:         string(contentJSON),
		EnqueuedAtMillis:    entry.EnqueuedAt.UnixMilli(),
		RetryCount:          entry.RetryCount,
		NextAttemptAtMillis: entry.NextAttemptAt.UnixMilli(),
	}
	return q.db.Save(&row).Error
}

// Remove drops the entry for the record, if present.
func (q *SyncQueue) Remove(ownerKey, recordID string) error {
	return q.db.Where("owner_key = ? AND record_id = ?", ownerKey, recordID).
		Delete(&queueRow{}).Error
}

// Ready returns up to limit entries that are due at the given instant,
// oldest first. limit <= 0 means no limit.
func (q *SyncQueue) Ready(ownerKey string, now time.Time, limit int) ([]QueueEntry, error) {
	query := q.db.Where("owner_key = ? AND next_attempt_at_ms <= ?", ownerKey, now.UnixMilli()).
		Order("enqueued_at_ms ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []queueRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToEntries(rows)
}

// Len reports how many entries the owner has queued, due or not.
func (q *SyncQueue) Len(ownerKey string) (int, error) {
	var count int64
	err := q.db.Model(&queueRow{}).Where("owner_key = ?", ownerKey).Count(&count).Error
	return int(count), err
}

// Clear drops every entry for the owner. Used by degradation mitigation,
// which trades durability for responsiveness recovery.
func (q *SyncQueue) Clear(ownerKey string) error {
	return q.db.Where("owner_key = ?", ownerKey).Delete(&queueRow{}).Error
}

func rowsToEntries(rows []queueRow) ([]QueueEntry, error) {
	entries := make([]QueueEntry, 0, len(rows))
	for _, row := range rows {
		var content []journal.Block
		if row.ContentJSON != "" {
			if err := json.Unmarshal([]byte(row.ContentJSON), &content); err != nil {
				return nil, fmt.Errorf("engine: decode queue entry %s: %w", row.RecordID, err)
			}
		}
		entries = append(entries, QueueEntry{
			OwnerKey:      row.OwnerKey,
			RecordID:      row.RecordID,
			Content:       content,
			EnqueuedAt:    time.UnixMilli(row.EnqueuedAtMillis),
			RetryCount:    row.RetryCount,
			NextAttemptAt: time.UnixMilli(row.NextAttemptAtMillis),
		})
	}
	return entries, nil
}

func journalContentOrEmpty(content []journal.Block) []journal.Block {
	if content == nil {
		return []journal.Block{}
	}
	return content
}
