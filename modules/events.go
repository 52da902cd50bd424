package modules

import (
	"time"
)

// Event names published on the bus.
const (
	EventJobUpdated   = "job.updated"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCanceled  = "job.canceled"
	EventJobPaused    = "job.paused"
	EventJobResumed   = "job.resumed"
	EventJobDeleted   = "job.deleted"
	EventJobRemoved   = "job.removed"

	EventSchedulerBlocked = "scheduler.blocked"
	EventProviderPaused   = "provider.paused"
	EventProviderResumed  = "provider.resumed"

	// EventStreamResync is emitted to a subscriber whose buffer overflowed;
	// clients respond by refetching the job list.
	EventStreamResync = "stream.resync"
)

// An Event is one fan-out message on the bus. Job events carry the job
// snapshot; coordination events carry a free-form payload.
type Event struct {
	Type    string      `json:"type"`
	UserID  uint64      `json:"userid,omitempty"`
	Job     *Job        `json:"job,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// An EventSubscriber receives events matching its user filter. The channel is
// closed when the subscription is dropped.
type EventSubscriber interface {
	// Events is the receive channel. Events may be dropped under load; a
	// stream.resync event signals dropped history.
	Events() <-chan Event

	// Close unsubscribes. Safe to call more than once.
	Close() error
}

// An EventBus fans job lifecycle events out to connected clients.
type EventBus interface {
	// Publish delivers the event to matching subscribers. Publish never
	// blocks on a slow subscriber.
	Publish(e Event)

	// Subscribe registers a sink. Admin subscribers receive all events;
	// other subscribers only receive events whose UserID matches.
	Subscribe(user User) (EventSubscriber, error)

	Close() error
}
