package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/kimhsiao/today/backend/internal/db"
	apperrors "github.com/kimhsiao/today/backend/internal/errors"
	"github.com/kimhsiao/today/backend/internal/models"
)

// TaskItem is a task with its replication state.
type TaskItem struct {
	*models.Task
	Status models.SyncStatus `json:"sync_status"`
}

// CreateTask adds a task owned by the current user.
func (s *Service) CreateTask(ctx context.Context, text string) (*models.Task, error) {
	text, err := trimmed(text)
	if err != nil {
		return nil, validation(err)
	}

	now := s.now()
	task := &models.Task{
		ID:        newID(),
		UserID:    s.Owner(),
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := models.EncodeRecord(task)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "failed to encode task", err)
	}
	if err := s.apply(ctx, "create task", mutation{kind: models.OperationInsert, rec: task, payload: payload}); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies patch to a task. Only the fields set in patch are
// queued for replay.
func (s *Service) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	if patch.Empty() {
		return nil, validation(errors.New("no fields to update"))
	}
	if patch.Text != nil {
		text, err := trimmed(*patch.Text)
		if err != nil {
			return nil, validation(err)
		}
		patch.Text = &text
	}

	now := s.now()
	patch.UpdatedAt = &now
	payload, err := encodePatch(patch)
	if err != nil {
		return nil, err
	}

	var task *models.Task
	err = s.apply(ctx, "update task", mutation{
		kind:    models.OperationUpdate,
		payload: payload,
		build: func(ctx context.Context) (models.Record, error) {
			cached, err := s.get(ctx, models.EntityTasks, id)
			if err != nil {
				return nil, err
			}
			task = cached.Record.(*models.Task)
			patch.Apply(task)
			return task, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SetDone marks a task done or not done.
func (s *Service) SetDone(ctx context.Context, id string, done bool) (*models.Task, error) {
	return s.UpdateTask(ctx, id, models.TaskPatch{Done: &done})
}

// DeleteTask removes a task. Its time entries keep their task name snapshot
// and lose the link. A running timer on the task keeps running unlinked.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	cached, err := s.get(ctx, models.EntityTasks, id)
	if err != nil {
		return err
	}

	detach := func(ctx context.Context) error {
		if _, err := s.store.DetachTask(ctx, id); err != nil {
			return err
		}
		sess, err := s.store.GetSession(ctx)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.TaskID != id {
			return nil
		}
		sess.TaskID = ""
		return s.store.SaveSession(ctx, *sess)
	}

	return s.apply(ctx, "delete task", mutation{
		kind:    models.OperationDelete,
		rec:     cached.Record,
		payload: []byte(`{}`),
		before:  detach,
	})
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*TaskItem, error) {
	cached, err := s.get(ctx, models.EntityTasks, id)
	if err != nil {
		return nil, err
	}
	return &TaskItem{Task: cached.Record.(*models.Task), Status: cached.Meta.Status}, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// Done filters by completion when set.
	Done *bool
	// Since and Until bound created_at inclusively.
	Since *time.Time
	Until *time.Time
}

// ListTasks returns local tasks in creation order.
func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]TaskItem, error) {
	recs, err := s.store.Query(ctx, models.EntityTasks, db.Filter{From: f.Since, To: f.Until})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list tasks", err)
	}

	out := make([]TaskItem, 0, len(recs))
	for _, rec := range recs {
		task := rec.Record.(*models.Task)
		if f.Done != nil && task.Done != *f.Done {
			continue
		}
		out = append(out, TaskItem{Task: task, Status: rec.Meta.Status})
	}
	return out, nil
}
