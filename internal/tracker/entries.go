package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/models"
)

// EntryItem is a time entry with its replication state.
type EntryItem struct {
	*models.TimeEntry
	Status models.SyncStatus `json:"sync_status"`
}

// EntryInput describes a manually recorded time entry.
type EntryInput struct {
	// TaskID links the entry to a task; its text becomes the task name snapshot.
	TaskID *string
	// TaskName is used when TaskID is nil.
	TaskName  string
	StartTime time.Time
	EndTime   *time.Time
	Notes     string
}

// StartTimer occupies the active-timer slot for a task.
func (s *Service) StartTimer(ctx context.Context, taskID string) (*models.Session, error) {
	cached, err := s.get(ctx, models.EntityTasks, taskID)
	if err != nil {
		return nil, err
	}
	task := cached.Record.(*models.Task)

	sess := models.Session{
		TaskID:    task.ID,
		TaskName:  task.Text,
		UserID:    s.Owner(),
		StartedAt: s.now(),
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetSession(ctx); err == nil {
			return apperrors.New(apperrors.ErrTimerRunning, "a timer is already running")
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		return s.store.SaveSession(ctx, sess)
	})
	if apperrors.Is(err, apperrors.ErrTimerRunning) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "start timer could not be saved", err)
	}
	return &sess, nil
}

// ActiveTimer returns the running timer, or nil when none is running.
func (s *Service) ActiveTimer(ctx context.Context) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read timer", err)
	}
	return sess, nil
}

// StopTimer ends the running timer and records it as a time entry.
func (s *Service) StopTimer(ctx context.Context) (*models.TimeEntry, error) {
	sess, err := s.ActiveTimer(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.New(apperrors.ErrTimerNotRunning, "no timer is running")
	}

	now := s.now()
	end := now
	if end.Before(sess.StartedAt) {
		end = sess.StartedAt
	}
	entry := &models.TimeEntry{
		ID:        newID(),
		UserID:    sess.UserID,
		TaskName:  sess.TaskName,
		StartTime: sess.StartedAt,
		EndTime:   &end,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess.TaskID != "" {
		id := sess.TaskID
		entry.TaskID = &id
	}

	payload, err := models.EncodeRecord(entry)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "failed to encode time entry", err)
	}
	err = s.apply(ctx, "stop timer", mutation{
		kind:    models.OperationInsert,
		rec:     entry,
		payload: payload,
		before:  s.store.ClearSession,
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateTimeEntry records a time entry directly.
func (s *Service) CreateTimeEntry(ctx context.Context, in EntryInput) (*models.TimeEntry, error) {
	now := s.now()
	entry := &models.TimeEntry{
		ID:        newID(),
		UserID:    s.Owner(),
		TaskName:  in.TaskName,
		StartTime: models.Normalize(in.StartTime),
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.EndTime != nil {
		end := models.Normalize(*in.EndTime)
		entry.EndTime = &end
	}
	if in.TaskID != nil {
		cached, err := s.get(ctx, models.EntityTasks, *in.TaskID)
		if err != nil {
			return nil, err
		}
		id := *in.TaskID
		entry.TaskID = &id
		entry.TaskName = cached.Record.(*models.Task).Text
	}
	if err := models.ValidateRecord(entry); err != nil {
		return nil, validation(err)
	}

	payload, err := models.EncodeRecord(entry)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "failed to encode time entry", err)
	}
	if err := s.apply(ctx, "create time entry", mutation{kind: models.OperationInsert, rec: entry, payload: payload}); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateTimeEntry applies patch to a time entry.
func (s *Service) UpdateTimeEntry(ctx context.Context, id string, patch models.TimeEntryPatch) (*models.TimeEntry, error) {
	if patch.Empty() {
		return nil, validation(errors.New("no fields to update"))
	}
	if patch.StartTime != nil {
		start := models.Normalize(*patch.StartTime)
		patch.StartTime = &start
	}
	if patch.EndTime != nil {
		end := models.Normalize(*patch.EndTime)
		patch.EndTime = &end
	}

	now := s.now()
	patch.UpdatedAt = &now
	payload, err := encodePatch(patch)
	if err != nil {
		return nil, err
	}

	var entry *models.TimeEntry
	err = s.apply(ctx, "update time entry", mutation{
		kind:    models.OperationUpdate,
		payload: payload,
		build: func(ctx context.Context) (models.Record, error) {
			cached, err := s.get(ctx, models.EntityTimeEntries, id)
			if err != nil {
				return nil, err
			}
			entry = cached.Record.(*models.TimeEntry)
			patch.Apply(entry)
			if err := models.ValidateRecord(entry); err != nil {
				return nil, validation(err)
			}
			return entry, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteTimeEntry removes a time entry.
func (s *Service) DeleteTimeEntry(ctx context.Context, id string) error {
	cached, err := s.get(ctx, models.EntityTimeEntries, id)
	if err != nil {
		return err
	}
	return s.apply(ctx, "delete time entry", mutation{
		kind:    models.OperationDelete,
		rec:     cached.Record,
		payload: []byte(`{}`),
	})
}

// ListTimeEntries returns entries whose start time falls in [from, to].
// Nil bounds are open.
func (s *Service) ListTimeEntries(ctx context.Context, from, to *time.Time) ([]EntryItem, error) {
	recs, err := s.store.Query(ctx, models.EntityTimeEntries, db.Filter{From: from, To: to})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list time entries", err)
	}
	out := make([]EntryItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EntryItem{TimeEntry: rec.Record.(*models.TimeEntry), Status: rec.Meta.Status})
	}
	return out, nil
}

// TotalTracked sums the durations of entries in [from, to], counting a
// running entry up to now.
func (s *Service) TotalTracked(ctx context.Context, from, to *time.Time) (time.Duration, error) {
	entries, err := s.ListTimeEntries(ctx, from, to)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var total time.Duration
	for _, e := range entries {
		total += e.Duration(now)
	}
	return total, nil
}
