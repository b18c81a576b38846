// Package coalesce fuses queued operations that target the same record into
// the minimal equivalent set before replay.
package coalesce

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/kimhsiao/today/backend/internal/models"
)

// Op is an operation to replay together with the queue ids it replaces.
type Op struct {
	models.QueuedOperation
	SourceIDs []string
}

// Result is the outcome of coalescing a queue snapshot.
type Result struct {
	// Ops are the operations to replay, oldest first.
	Ops []Op
	// Cancelled lists queue ids whose effects cancel out (a record created
	// and deleted while offline). They must be removed without replay.
	Cancelled []string
}

// Coalesce returns only the operations to replay.
func Coalesce(ops []models.QueuedOperation) []Op {
	return Plan(ops).Ops
}

// Plan groups ops by target record and reduces each group:
//   - INSERT and DELETE both present: nothing is replayed
//   - DELETE present: only the latest DELETE
//   - INSERT present: one INSERT carrying every later UPDATE
//   - only UPDATEs: one UPDATE with the fields merged left to right
//
// Single-op groups are passed through untouched. Plan is pure and
// idempotent: planning its own output yields the same operations.
func Plan(ops []models.QueuedOperation) Result {
	groups := make(map[models.EntityKey][]models.QueuedOperation)
	var order []models.EntityKey
	for _, op := range ops {
		key := op.Key()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}

	var res Result
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})

		if len(group) == 1 {
			res.Ops = append(res.Ops, Op{QueuedOperation: group[0], SourceIDs: []string{group[0].ID}})
			continue
		}

		reduced, cancelled := reduce(group)
		res.Cancelled = append(res.Cancelled, cancelled...)
		res.Ops = append(res.Ops, reduced...)
	}

	sort.SliceStable(res.Ops, func(i, j int) bool {
		a, b := res.Ops[i], res.Ops[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		return a.EntityID < b.EntityID
	})
	return res
}

func reduce(group []models.QueuedOperation) (ops []Op, cancelled []string) {
	ids := make([]string, len(group))
	var insert, lastDelete *models.QueuedOperation
	for i := range group {
		op := &group[i]
		ids[i] = op.ID
		switch op.Kind {
		case models.OperationInsert:
			if insert == nil {
				insert = op
			}
		case models.OperationDelete:
			lastDelete = op
		}
	}

	switch {
	case insert != nil && lastDelete != nil:
		return nil, ids
	case lastDelete != nil:
		return []Op{fused(*lastDelete, group, ids, lastDelete.Payload)}, nil
	case insert != nil:
		payload, err := mergePayloads(group)
		if err != nil {
			return passThrough(group), nil
		}
		return []Op{fused(*insert, group, ids, payload)}, nil
	default:
		payload, err := mergePayloads(group)
		if err != nil {
			return passThrough(group), nil
		}
		return []Op{fused(group[len(group)-1], group, ids, payload)}, nil
	}
}

// fused builds the emitted op from the identity of one source op. Retry
// bookkeeping is the most advanced among the sources so coalescing never
// resets a backoff.
func fused(identity models.QueuedOperation, group []models.QueuedOperation, ids []string, payload json.RawMessage) Op {
	out := identity
	out.Payload = payload
	var next *time.Time
	for _, op := range group {
		if op.RetryCount > out.RetryCount {
			out.RetryCount = op.RetryCount
		}
		if op.NextRetryAt != nil && (next == nil || op.NextRetryAt.After(*next)) {
			t := *op.NextRetryAt
			next = &t
		}
		if op.LastError != "" {
			out.LastError = op.LastError
		}
	}
	out.NextRetryAt = next
	return Op{QueuedOperation: out, SourceIDs: ids}
}

func passThrough(group []models.QueuedOperation) []Op {
	out := make([]Op, len(group))
	for i, op := range group {
		out[i] = Op{QueuedOperation: op, SourceIDs: []string{op.ID}}
	}
	return out
}

// mergePayloads merges JSON object payloads field by field, later values
// overwriting earlier ones. Keys come out sorted.
func mergePayloads(group []models.QueuedOperation) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	for _, op := range group {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Payload, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Operations strips the source bookkeeping, for re-planning or display.
func Operations(ops []Op) []models.QueuedOperation {
	out := make([]models.QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = op.QueuedOperation
	}
	return out
}
