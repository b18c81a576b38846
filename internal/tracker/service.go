// Package tracker is the UI-facing API for tasks, time entries and the
// active timer.
//
// Every mutation is a two-phase write. The record and its queued operation
// are committed together in one local transaction and any failure there is
// returned as LOCAL_PERSISTENCE_FAILED. Once the write is durable the
// caller may update its own state, and a background sync is submitted.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
	"github.com/kimhsiao/today/backend/internal/sync/queue"
	"github.com/kimhsiao/today/backend/internal/uuid"
)

// Submitter schedules a background push. The scheduler implements it.
type Submitter interface {
	Submit()
}

type nopSubmitter struct{}

func (nopSubmitter) Submit() {}

// Options configures a Service.
type Options struct {
	// OwnerID is the signed-in user. Empty means records stay on this device.
	OwnerID   string
	Submitter Submitter
	Now       func() time.Time
}

// Service implements the tracker operations on the local store.
type Service struct {
	store *db.Store
	queue *queue.Queue
	now   func() time.Time

	mu     sync.RWMutex
	owner  string
	submit Submitter
}

// New creates a Service.
func New(store *db.Store, q *queue.Queue, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = models.Now
	}
	if opts.Submitter == nil {
		opts.Submitter = nopSubmitter{}
	}
	return &Service{
		store:  store,
		queue:  q,
		now:    opts.Now,
		owner:  opts.OwnerID,
		submit: opts.Submitter,
	}
}

// Owner returns the current owner id.
func (s *Service) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// SetOwner changes the owner used for new records.
func (s *Service) SetOwner(ownerID string) {
	s.mu.Lock()
	s.owner = ownerID
	s.mu.Unlock()
}

// SetSubmitter replaces the background sync hook.
func (s *Service) SetSubmitter(sub Submitter) {
	if sub == nil {
		sub = nopSubmitter{}
	}
	s.mu.Lock()
	s.submit = sub
	s.mu.Unlock()
}

func (s *Service) submitter() Submitter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.submit
}

// mutation is one record write plus the operation that replays it.
type mutation struct {
	kind    models.OperationKind
	rec     models.Record
	payload json.RawMessage
	// before runs inside the transaction ahead of the record write.
	before func(ctx context.Context) error
	// build, when set, produces rec inside the transaction from the stored
	// record, so a write committed in between is never reverted.
	build func(ctx context.Context) (models.Record, error)
}

// apply commits the mutations in one transaction, then submits a sync when
// any of them was queued.
func (s *Service) apply(ctx context.Context, op string, muts ...mutation) error {
	queued := false
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, m := range muts {
			if m.before != nil {
				if err := m.before(ctx); err != nil {
					return err
				}
			}

			rec := m.rec
			if m.build != nil {
				var err error
				if rec, err = m.build(ctx); err != nil {
					return err
				}
			}

			entity, id := rec.Entity(), rec.RecordID()
			if m.kind == models.OperationDelete {
				if err := s.store.Delete(ctx, entity, id); err != nil {
					return err
				}
			} else {
				cached := models.NewCachedRecord(rec, models.InitialStatus(rec))
				if err := s.store.Put(ctx, cached); err != nil {
					return err
				}
			}

			if rec.Owner() == "" {
				continue
			}
			if _, err := s.queue.Enqueue(ctx, m.kind, entity, id, m.payload); err != nil {
				return err
			}
			queued = true
		}
		return nil
	})
	if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrValidation) {
		return err
	}
	if err != nil {
		logging.ErrorWithCode("local write failed", string(apperrors.ErrLocalPersistence), err, map[string]interface{}{
			"operation": op,
		})
		return apperrors.Wrap(apperrors.ErrLocalPersistence, op+" could not be saved", err)
	}

	if queued {
		s.submitter().Submit()
	}
	return nil
}

func (s *Service) get(ctx context.Context, entity models.EntityType, id string) (*models.CachedRecord, error) {
	rec, err := s.store.Get(ctx, entity, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", entity, id), err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read local store", err)
	}
	return rec, nil
}

func validation(err error) error {
	return apperrors.Wrap(apperrors.ErrValidation, "invalid input", err)
}

func encodePatch(patch any) (json.RawMessage, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "failed to encode change", err)
	}
	return data, nil
}

// ImportRecord stores an externally supplied record as a local write:
// pending with a queued INSERT when owned, synced otherwise.
func (s *Service) ImportRecord(ctx context.Context, rec models.Record) error {
	return s.ImportRecords(ctx, []models.Record{rec})
}

// ImportRecords stores records in one transaction. Either all are written
// and queued or none are.
func (s *Service) ImportRecords(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	muts := make([]mutation, 0, len(recs))
	for _, rec := range recs {
		if err := models.ValidateRecord(rec); err != nil {
			return validation(err)
		}
		payload, err := models.EncodeRecord(rec)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "failed to encode record", err)
		}
		muts = append(muts, mutation{kind: models.OperationInsert, rec: rec, payload: payload})
	}
	return s.apply(ctx, "import", muts...)
}

func trimmed(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("text must not be empty")
	}
	return t, nil
}

func newID() string {
	return uuid.New()
}
