package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
)

var (
	// ErrTokenExpired indicates that the bearer token has expired; the engine
	// treats this the same as being offline and queues the work.
	ErrTokenExpired = errors.New("remote: bearer token expired")
	// ErrRecordMissing indicates an update against an identifier the remote
	// store does not know.
	ErrRecordMissing = errors.New("remote: record not found")
)

// ConflictError reports a uniqueness violation on create: the remote store
// already holds a record for the client reference. ExistingID carries the
// permanent identifier so the caller can fall back to an update.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: record already exists as %s", e.ExistingID)
}

// AsConflict unwraps err into a ConflictError when it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// Store is the downstream durable store boundary. Both operations are safe to
// retry; both surface uniqueness conflicts as *ConflictError.
type Store interface {
	// CreateRecord persists new content under the owner and returns the
	// permanent identifier assigned by the remote store. clientRef is the
	// provisional identifier, used by the store to deduplicate retried
	// creates.
	CreateRecord(ctx context.Context, ownerKey, clientRef string, content []journal.Block) (string, error)

	// UpdateRecord replaces the content stored under an existing permanent
	// identifier.
	UpdateRecord(ctx context.Context, id, ownerKey string, content []journal.Block) error
}
