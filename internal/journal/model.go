package journal

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("journal: invalid record id")
	// ErrInvalidOwnerKey indicates that an owner key is empty or exceeds storage bounds.
	ErrInvalidOwnerKey = errors.New("journal: invalid owner key")
)

// RecordID represents a validated record identifier. It is either provisional
// (client generated, prefixed) or permanent (assigned by the remote store).
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// OwnerKey scopes all storage to one user.
type OwnerKey string

// NewOwnerKey validates raw input and returns an OwnerKey.
func NewOwnerKey(rawInput string) (OwnerKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerKey, maxIdentifierLength)
	}
	return OwnerKey(trimmed), nil
}

// String returns the underlying string key.
func (key OwnerKey) String() string {
	return string(key)
}

// Block is one ordered unit of record content.
type Block struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

// CloneBlocks returns a deep copy of the provided content. Callers keep
// mutating their slice after handing it to the engine, so every boundary
// that retains content must copy it first.
func CloneBlocks(content []Block) []Block {
	if content == nil {
		return nil
	}
	copied := make([]Block, len(content))
	copy(copied, content)
	return copied
}

// Record is one journal entry as seen by the local mirror.
type Record struct {
	ID               string
	OwnerKey         string
	Content          []Block
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}
