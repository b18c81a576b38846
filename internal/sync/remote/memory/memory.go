// Package memory is an in-process Remote used by tests and the offline demo mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/today/backend/internal/models"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

// Method names accepted by FailWith and FailNext.
const (
	MethodFetch     = "Fetch"
	MethodListSince = "ListSince"
	MethodUpsert    = "Upsert"
	MethodUpdate    = "Update"
	MethodDelete    = "Delete"
)

// Call records one invocation.
type Call struct {
	Method   string
	Entity   models.EntityType
	EntityID string
}

type failure struct {
	err       error
	remaining int // <0 means forever
}

// Remote stores records as JSON objects keyed by entity and id.
type Remote struct {
	mu       sync.Mutex
	records  map[models.EntityType]map[string]map[string]json.RawMessage
	failures map[string]*failure
	calls    []Call
}

// New creates an empty Remote.
func New() *Remote {
	r := &Remote{failures: make(map[string]*failure)}
	r.reset()
	return r
}

func (r *Remote) reset() {
	r.records = make(map[models.EntityType]map[string]map[string]json.RawMessage)
	for _, entity := range models.EntityTypes() {
		r.records[entity] = make(map[string]map[string]json.RawMessage)
	}
}

// FailWith makes every call of method return err until Recover is called.
func (r *Remote) FailWith(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method] = &failure{err: err, remaining: -1}
}

// FailNext makes the next n calls of method return err.
func (r *Remote) FailNext(method string, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method] = &failure{err: err, remaining: n}
}

// Recover clears all injected failures.
func (r *Remote) Recover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = make(map[string]*failure)
}

// Calls returns a copy of the recorded calls.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallCount returns how many times method was invoked.
func (r *Remote) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset drops all records, failures and recorded calls.
func (r *Remote) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	r.failures = make(map[string]*failure)
	r.calls = nil
}

// enter records a call and returns the injected failure, if any. r.mu must be held.
func (r *Remote) enter(method string, entity models.EntityType, id string) error {
	r.calls = append(r.calls, Call{Method: method, Entity: entity, EntityID: id})
	f, ok := r.failures[method]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(r.failures, method)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(r.failures, method)
		}
	}
	return f.err
}

func (r *Remote) table(entity models.EntityType) (map[string]map[string]json.RawMessage, error) {
	t, ok := r.records[entity]
	if !ok {
		return nil, fmt.Errorf("memory remote: unknown entity %q", entity)
	}
	return t, nil
}

// Seed stores a raw JSON object as-is, bypassing validation. Tests use it to
// place malformed or foreign records on the remote.
func (r *Remote) Seed(entity models.EntityType, raw json.RawMessage) error {
	obj, err := decodeObject(raw)
	if err != nil {
		return err
	}
	var id string
	if err := json.Unmarshal(obj["id"], &id); err != nil || id == "" {
		return fmt.Errorf("memory remote: seed without id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.table(entity)
	if err != nil {
		return err
	}
	t[id] = obj
	return nil
}

// Get returns the decoded record stored under id.
func (r *Remote) Get(entity models.EntityType, id string) (models.Record, bool) {
	r.mu.Lock()
	obj, ok := r.records[entity][id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	rec, err := models.DecodeRecord(entity, raw)
	if err != nil {
		return nil, false
	}
	return rec, true
}

// Len returns the number of stored records of entity.
func (r *Remote) Len(entity models.EntityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[entity])
}

// Fetch implements sync.Remote.
func (r *Remote) Fetch(ctx context.Context, entity models.EntityType, id string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(MethodFetch, entity, id); err != nil {
		return nil, err
	}
	t, err := r.table(entity)
	if err != nil {
		return nil, err
	}
	obj, ok := t[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}
	return json.Marshal(obj)
}

// ListSince implements sync.Remote.
func (r *Remote) ListSince(ctx context.Context, entity models.EntityType, ownerID string, since time.Time) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(MethodListSince, entity, ""); err != nil {
		return nil, err
	}
	t, err := r.table(entity)
	if err != nil {
		return nil, err
	}

	type row struct {
		id        string
		updatedAt time.Time
		raw       json.RawMessage
	}
	var rows []row
	for id, obj := range t {
		var owner string
		_ = json.Unmarshal(obj["user_id"], &owner)
		if owner != ownerID {
			continue
		}
		var updatedAt time.Time
		_ = json.Unmarshal(obj["updated_at"], &updatedAt)
		if updatedAt.Before(since) {
			continue
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row{id: id, updatedAt: updatedAt, raw: raw})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].updatedAt.Equal(rows[j].updatedAt) {
			return rows[i].updatedAt.Before(rows[j].updatedAt)
		}
		return rows[i].id < rows[j].id
	})

	out := make([]json.RawMessage, len(rows))
	for i, rw := range rows {
		out[i] = rw.raw
	}
	return out, nil
}

// Upsert implements sync.Remote.
func (r *Remote) Upsert(ctx context.Context, rec models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := models.EncodeRecord(rec)
	if err != nil {
		return err
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(MethodUpsert, rec.Entity(), rec.RecordID()); err != nil {
		return err
	}
	t, err := r.table(rec.Entity())
	if err != nil {
		return err
	}
	t[rec.RecordID()] = obj
	return nil
}

// Update implements sync.Remote. Only fields present in changes are written.
func (r *Remote) Update(ctx context.Context, entity models.EntityType, id string, changes json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := decodeObject(changes)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(MethodUpdate, entity, id); err != nil {
		return err
	}
	t, err := r.table(entity)
	if err != nil {
		return err
	}
	obj, ok := t[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}
	allowed := models.UpdatableColumns(entity)
	for k, v := range patch {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("memory remote: column %q is not updatable", k)
		}
		obj[k] = v
	}
	return nil
}

// Delete implements sync.Remote. Deleting a task detaches its time entries.
func (r *Remote) Delete(ctx context.Context, entity models.EntityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(MethodDelete, entity, id); err != nil {
		return err
	}
	t, err := r.table(entity)
	if err != nil {
		return err
	}
	if _, ok := t[id]; !ok {
		return fmt.Errorf("%s %s: %w", entity, id, syncpkg.ErrRemoteNotFound)
	}
	delete(t, id)

	if entity == models.EntityTasks {
		for _, entry := range r.records[models.EntityTimeEntries] {
			var taskID *string
			_ = json.Unmarshal(entry["task_id"], &taskID)
			if taskID != nil && *taskID == id {
				entry["task_id"] = json.RawMessage("null")
			}
		}
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("memory remote: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("memory remote: payload is not an object")
	}
	return obj, nil
}

var _ syncpkg.Remote = (*Remote)(nil)
