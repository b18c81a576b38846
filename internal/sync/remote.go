package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kimhsiao/today/backend/internal/models"
)

// ErrRemoteNotFound is returned by a Remote when the addressed record does not exist.
var ErrRemoteNotFound = errors.New("remote record not found")

// Remote is the backend the queue is replayed against. Records cross this
// boundary as JSON so the engine can validate them before they touch the
// local store.
type Remote interface {
	// Fetch returns one record, or ErrRemoteNotFound.
	Fetch(ctx context.Context, entity models.EntityType, id string) (json.RawMessage, error)

	// ListSince returns the owner's records with updated_at at or after since.
	ListSince(ctx context.Context, entity models.EntityType, ownerID string, since time.Time) ([]json.RawMessage, error)

	// Upsert creates or fully replaces a record.
	Upsert(ctx context.Context, rec models.Record) error

	// Update applies a partial payload of changed fields, or returns ErrRemoteNotFound.
	Update(ctx context.Context, entity models.EntityType, id string, changes json.RawMessage) error

	// Delete removes a record, or returns ErrRemoteNotFound.
	Delete(ctx context.Context, entity models.EntityType, id string) error
}
