// Package models provides data model definitions for Today.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is returned when a record or operation payload fails
// boundary validation.
var ErrInvalidRecord = errors.New("invalid record")

// FieldKind is the wire type of a record field.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldBool
	FieldTime
	FieldNullableString
	FieldNullableTime
)

// Field describes one column of an entity's wire schema.
type Field struct {
	Name      string
	Kind      FieldKind
	Required  bool
	Updatable bool
}

var schemas = map[EntityType][]Field{
	EntityTasks: {
		{Name: "id", Kind: FieldString, Required: true},
		{Name: "user_id", Kind: FieldString, Required: true},
		{Name: "text", Kind: FieldString, Required: true, Updatable: true},
		{Name: "done", Kind: FieldBool, Required: true, Updatable: true},
		{Name: "created_at", Kind: FieldTime, Required: true},
		{Name: "updated_at", Kind: FieldTime, Required: true, Updatable: true},
	},
	EntityTimeEntries: {
		{Name: "id", Kind: FieldString, Required: true},
		{Name: "user_id", Kind: FieldString, Required: true},
		{Name: "task_id", Kind: FieldNullableString},
		{Name: "task_name", Kind: FieldString, Required: true},
		{Name: "start_time", Kind: FieldTime, Required: true, Updatable: true},
		{Name: "end_time", Kind: FieldNullableTime, Updatable: true},
		{Name: "notes", Kind: FieldString, Updatable: true},
		{Name: "created_at", Kind: FieldTime, Required: true},
		{Name: "updated_at", Kind: FieldTime, Required: true, Updatable: true},
	},
}

// Schema returns the wire schema of an entity type.
func Schema(entity EntityType) []Field {
	return schemas[entity]
}

// Columns returns every column name of an entity type in schema order.
func Columns(entity EntityType) []string {
	fields := schemas[entity]
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// UpdatableColumns returns the columns an UPDATE payload may carry.
func UpdatableColumns(entity EntityType) map[string]FieldKind {
	cols := make(map[string]FieldKind)
	for _, f := range schemas[entity] {
		if f.Updatable {
			cols[f.Name] = f.Kind
		}
	}
	return cols
}

// TaskPatch carries the changed fields of a task. Nil fields are untouched.
type TaskPatch struct {
	Text      *string    `json:"text,omitempty"`
	Done      *bool      `json:"done,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Empty reports whether the patch changes no domain field.
func (p TaskPatch) Empty() bool {
	return p.Text == nil && p.Done == nil
}

// Apply copies the set fields onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Text != nil {
		t.Text = *p.Text
	}
	if p.Done != nil {
		t.Done = *p.Done
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = Normalize(*p.UpdatedAt)
	}
}

// TimeEntryPatch carries the changed fields of a time entry. The task link
// and task name snapshot are not editable.
type TimeEntryPatch struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Empty reports whether the patch changes no domain field.
func (p TimeEntryPatch) Empty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.Notes == nil
}

// Apply copies the set fields onto e.
func (p TimeEntryPatch) Apply(e *TimeEntry) {
	if p.StartTime != nil {
		e.StartTime = Normalize(*p.StartTime)
	}
	if p.EndTime != nil {
		end := Normalize(*p.EndTime)
		e.EndTime = &end
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
	if p.UpdatedAt != nil {
		e.UpdatedAt = Normalize(*p.UpdatedAt)
	}
}

// ValidatePayload checks an operation payload against the entity's schema.
// INSERT payloads are complete records, UPDATE payloads are non-empty patches
// carrying updated_at, DELETE payloads are empty objects.
func ValidatePayload(entity EntityType, kind OperationKind, raw json.RawMessage) error {
	if !entity.Valid() {
		return fmt.Errorf("%w: unknown entity %q", ErrInvalidRecord, entity)
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return err
	}

	switch kind {
	case OperationInsert:
		rec, err := decodeStrict(entity, raw)
		if err != nil {
			return err
		}
		if err := requireFields(entity, fields); err != nil {
			return err
		}
		return ValidateRecord(rec)
	case OperationUpdate:
		if len(fields) == 0 {
			return fmt.Errorf("%w: empty update payload", ErrInvalidRecord)
		}
		if _, ok := fields["updated_at"]; !ok {
			return fmt.Errorf("%w: update payload missing updated_at", ErrInvalidRecord)
		}
		var target any
		switch entity {
		case EntityTasks:
			target = &TaskPatch{}
		case EntityTimeEntries:
			target = &TimeEntryPatch{}
		}
		if err := strictUnmarshal(raw, target); err != nil {
			return err
		}
		for name, value := range fields {
			if string(value) == "null" {
				return fmt.Errorf("%w: field %s cannot be null", ErrInvalidRecord, name)
			}
		}
		return nil
	case OperationDelete:
		if len(fields) != 0 {
			return fmt.Errorf("%w: delete payload must be empty", ErrInvalidRecord)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidRecord, kind)
	}
}

// DecodeRecord parses a record received from outside the local store
// (remote rows, import files). Unknown fields are ignored; required fields
// must be present and well typed.
func DecodeRecord(entity EntityType, raw json.RawMessage) (Record, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireFields(entity, fields); err != nil {
		return nil, err
	}

	var rec Record
	switch entity {
	case EntityTasks:
		rec = &Task{}
	case EntityTimeEntries:
		rec = &TimeEntry{}
	default:
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidRecord, entity)
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	normalizeRecord(rec)
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ValidateRecord checks the invariants of a decoded record.
func ValidateRecord(rec Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.RecordID()) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if rec.Created().IsZero() || rec.LastModified().IsZero() {
		return fmt.Errorf("%w: %s: missing timestamps", ErrInvalidRecord, rec.RecordID())
	}

	switch v := rec.(type) {
	case *Task:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("%w: %s: empty text", ErrInvalidRecord, v.ID)
		}
	case *TimeEntry:
		if v.StartTime.IsZero() {
			return fmt.Errorf("%w: %s: missing start_time", ErrInvalidRecord, v.ID)
		}
		if v.EndTime != nil && v.EndTime.Before(v.StartTime) {
			return fmt.Errorf("%w: %s: end_time before start_time", ErrInvalidRecord, v.ID)
		}
	}
	return nil
}

// MergeInto applies a partial JSON payload on top of a copy of rec.
func MergeInto(rec Record, patch json.RawMessage) (Record, error) {
	merged := CloneRecord(rec)
	if err := json.Unmarshal(patch, merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	normalizeRecord(merged)
	return merged, nil
}

// EncodeRecord returns the wire form of a record. Sync metadata lives outside
// the record types, so it can never leak into the payload.
func EncodeRecord(rec Record) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidRecord)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object: %v", ErrInvalidRecord, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrInvalidRecord)
	}
	return fields, nil
}

func requireFields(entity EntityType, fields map[string]json.RawMessage) error {
	for _, f := range schemas[entity] {
		if !f.Required {
			continue
		}
		v, ok := fields[f.Name]
		if !ok || string(v) == "null" {
			return fmt.Errorf("%w: missing field %s", ErrInvalidRecord, f.Name)
		}
	}
	return nil
}

func decodeStrict(entity EntityType, raw json.RawMessage) (Record, error) {
	var rec Record
	switch entity {
	case EntityTasks:
		rec = &Task{}
	case EntityTimeEntries:
		rec = &TimeEntry{}
	}
	if err := strictUnmarshal(raw, rec); err != nil {
		return nil, err
	}
	normalizeRecord(rec)
	return rec, nil
}

func strictUnmarshal(raw json.RawMessage, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func normalizeRecord(rec Record) {
	switch v := rec.(type) {
	case *Task:
		v.CreatedAt = Normalize(v.CreatedAt)
		v.UpdatedAt = Normalize(v.UpdatedAt)
	case *TimeEntry:
		v.StartTime = Normalize(v.StartTime)
		if v.EndTime != nil {
			end := Normalize(*v.EndTime)
			v.EndTime = &end
		}
		v.CreatedAt = Normalize(v.CreatedAt)
		v.UpdatedAt = Normalize(v.UpdatedAt)
	}
}
