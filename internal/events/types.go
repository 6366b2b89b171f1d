package events

import (
	"strings"
	"time"
)

// EventType names what happened
type EventType string

const (
	// Session status
	StatusChanged    EventType = "chat.status.changed"
	ApiErrorOccurred EventType = "chat.api.error"

	// History
	MessageAdded   EventType = "context.message.added"
	PartRemoved    EventType = "context.part.removed"
	PartHardPruned EventType = "context.part.hard_pruned"

	// Tools
	PermissionChanged EventType = "tool.permission.changed"
	ToolkitToggled    EventType = "tool.toolkit.toggled"
)

// Event is one published value with its envelope
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// Erase drops the payload type so filters and stores can handle any event
func (e Event[T]) Erase() Event[any] {
	return Event[any]{
		ID:        e.ID,
		Type:      e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
	}
}

// EventFilter selects events. A nil filter selects everything.
type EventFilter func(Event[any]) bool

// PublishOption sets envelope fields of a published event
type PublishOption func(*publishOptions)

type publishOptions struct {
	sessionID string
	timestamp time.Time
	persist   bool
}

// WithSessionID tags the event with the session it belongs to
func WithSessionID(sessionID string) PublishOption {
	return func(o *publishOptions) { o.sessionID = sessionID }
}

// WithTimestamp stamps the event with t instead of the publish time
func WithTimestamp(t time.Time) PublishOption {
	return func(o *publishOptions) { o.timestamp = t }
}

// WithPersistence writes the event to the broker's store
func WithPersistence() PublishOption {
	return func(o *publishOptions) { o.persist = true }
}

// FilterByType selects events of the given types
func FilterByType(types ...EventType) EventFilter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event[any]) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterBySessionID selects the events of one session
func FilterBySessionID(sessionID string) EventFilter {
	return func(e Event[any]) bool { return e.SessionID == sessionID }
}

// FilterBySessionPrefix selects sessions whose id starts with prefix, so
// short ids printed by the CLI can be used
func FilterBySessionPrefix(prefix string) EventFilter {
	return func(e Event[any]) bool { return strings.HasPrefix(e.SessionID, prefix) }
}

// FilterSince selects events strictly newer than t
func FilterSince(t time.Time) EventFilter {
	return func(e Event[any]) bool { return e.Timestamp.After(t) }
}

// CombineFilters selects events accepted by every non-nil filter
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(e Event[any]) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}
