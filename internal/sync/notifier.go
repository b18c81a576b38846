package sync

import (
	"time"

	"github.com/kimhsiao/today/backend/internal/models"
)

// SyncEventType classifies a user-visible sync notification.
type SyncEventType string

const (
	// EventRemoteUpdate means a local record was replaced by a newer remote version.
	EventRemoteUpdate SyncEventType = "remote_update"
	// EventDropped means an operation exceeded its retry ceiling and was discarded.
	EventDropped SyncEventType = "dropped"
	// EventCycleComplete is sent after every drain or pull.
	EventCycleComplete SyncEventType = "cycle_complete"
)

// SyncEvent is delivered to the Notifier.
type SyncEvent struct {
	Type     SyncEventType
	Entity   models.EntityType
	EntityID string
	Message  string
	At       time.Time
}

// Notifier receives sync events. Implementations must not block.
type Notifier interface {
	Notify(event SyncEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(SyncEvent)

// Notify calls f.
func (f NotifierFunc) Notify(event SyncEvent) { f(event) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(event SyncEvent) {
	for _, n := range ns {
		n.Notify(event)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(SyncEvent) {}

// ChannelNotifier forwards events to a buffered channel, dropping events
// when the buffer is full.
type ChannelNotifier struct {
	ch chan SyncEvent
}

// NewChannelNotifier creates a ChannelNotifier with the given buffer size.
func NewChannelNotifier(size int) *ChannelNotifier {
	if size < 1 {
		size = 1
	}
	return &ChannelNotifier{ch: make(chan SyncEvent, size)}
}

// Notify implements Notifier.
func (n *ChannelNotifier) Notify(event SyncEvent) {
	select {
	case n.ch <- event:
	default:
	}
}

// Events returns the receive side of the channel.
func (n *ChannelNotifier) Events() <-chan SyncEvent {
	return n.ch
}
