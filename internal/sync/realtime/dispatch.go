// Package realtime turns remote change notifications into sync triggers and
// forwards local sync events to connected UI clients.
//
// Change messages are hints only: a relevant message requests a debounced
// pull and the merge resolver absorbs duplicates and reordering.
package realtime

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/models"
)

// Change is one remote change notification.
type Change struct {
	Event  string `json:"event"`
	Table  string `json:"table"`
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// Dispatcher filters change messages by owner and fires the trigger for
// relevant ones.
type Dispatcher struct {
	ownerID string
	trigger func()

	received atomic.Int64
	relevant atomic.Int64
}

// NewDispatcher creates a Dispatcher. trigger must not block; the
// scheduler's RequestSync satisfies that.
func NewDispatcher(ownerID string, trigger func()) *Dispatcher {
	return &Dispatcher{ownerID: ownerID, trigger: trigger}
}

// Handle decodes payload and reports whether it triggered a sync.
func (d *Dispatcher) Handle(payload []byte) bool {
	d.received.Add(1)

	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		logging.Debug("ignoring malformed change message", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	if !d.relevantChange(c) {
		return false
	}

	d.relevant.Add(1)
	d.trigger()
	return true
}

func (d *Dispatcher) relevantChange(c Change) bool {
	if d.ownerID == "" {
		return false
	}
	if !models.EntityType(c.Table).Valid() {
		return false
	}
	switch strings.ToUpper(c.Event) {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return false
	}
	// Some feeds omit user_id on deletes; those still trigger a pull.
	return c.UserID == "" || c.UserID == d.ownerID
}

// Received returns how many messages were handled.
func (d *Dispatcher) Received() int64 { return d.received.Load() }

// Relevant returns how many messages triggered a sync.
func (d *Dispatcher) Relevant() int64 { return d.relevant.Load() }
