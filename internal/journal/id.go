package journal

import (
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks identifiers generated on the client before the
// remote store has confirmed the record.
const ProvisionalPrefix = "temp-"

// IDProvider issues new identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewProvisionalID issues a prefixed client-side identifier for a record that
// has not been created in the remote store yet.
func NewProvisionalID(provider IDProvider) (string, error) {
	value, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return ProvisionalPrefix + value, nil
}

// IsProvisionalID reports whether the identifier was generated locally and is
// awaiting promotion to a permanent one.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
