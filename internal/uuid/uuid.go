// Package uuid provides identifier generation for records and queued operations.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// legacyNamespace scopes name-based ids derived from pre-migration keys.
var legacyNamespace = uuid.MustParse("8f1c6a52-3a0e-4f43-9d0b-5b8e2e6a7c10")

// New generates a new UUID v4 for a domain record.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7, used for queue entries so
// that ids sort in enqueue order.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// FromLegacy returns id unchanged when it is already a UUID and otherwise
// derives a stable UUID v5 from it, so re-running a migration yields the
// same ids.
func FromLegacy(id string) string {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return strings.ToLower(id)
	}
	return uuid.NewSHA1(legacyNamespace, []byte(id)).String()
}

// NewFromString creates a UUID from a string.
// Returns an error if the string is not a valid UUID v4.
func NewFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
