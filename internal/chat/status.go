package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrepeneur4lyf/forgechat/internal/events"
)

// Status is the observable state of a session
type Status int

const (
	StatusIdle Status = iota
	StatusApiCallInProgress
	StatusWaitingWithBackoff
	StatusToolPrompt
	StatusToolExecutionInProgress
	StatusMaxRetriesReached
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusApiCallInProgress:
		return "API_CALL_IN_PROGRESS"
	case StatusWaitingWithBackoff:
		return "WAITING_WITH_BACKOFF"
	case StatusToolPrompt:
		return "TOOL_PROMPT"
	case StatusToolExecutionInProgress:
		return "TOOL_EXECUTION_IN_PROGRESS"
	case StatusMaxRetriesReached:
		return "MAX_RETRIES_REACHED"
	case StatusShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// DisplayName is the short label shown by UIs
func (s Status) DisplayName() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusApiCallInProgress:
		return "API Call in Progress"
	case StatusWaitingWithBackoff:
		return "Waiting with Backoff"
	case StatusToolPrompt:
		return "Tool Prompt"
	case StatusToolExecutionInProgress:
		return "Tool Execution in Progress"
	case StatusMaxRetriesReached:
		return "Max Retries Reached"
	case StatusShutdown:
		return "Shutdown"
	default:
		return s.String()
	}
}

// Description explains the status to users and to the model
func (s Status) Description() string {
	switch s {
	case StatusIdle:
		return "Waiting for user input."
	case StatusApiCallInProgress:
		return "Waiting for the model to respond."
	case StatusWaitingWithBackoff:
		return "The last API call failed; waiting before retrying."
	case StatusToolPrompt:
		return "Waiting for the user to approve or deny tool calls."
	case StatusToolExecutionInProgress:
		return "Running approved tool calls."
	case StatusMaxRetriesReached:
		return "The API call failed and will not be retried."
	case StatusShutdown:
		return "The session has been shut down."
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	for v := StatusIdle; v <= StatusShutdown; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown chat status %q", string(b))
}

// StatusEvent describes one committed status transition
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	Old       Status    `json:"old"`
	New       Status    `json:"new"`
	Time      time.Time `json:"time"`
	// Elapsed is the time spent in Old
	Elapsed time.Duration   `json:"elapsed"`
	Tool    string          `json:"tool,omitempty"`
	Error   *ApiErrorRecord `json:"error,omitempty"`
}

// StatusSnapshot is the current status with the time it was entered
type StatusSnapshot struct {
	Status Status
	Since  time.Time
	Tool   string
}

// StatusOption adds detail to a transition
type StatusOption func(*StatusEvent)

// WithTool names the tool being prompted for or executed
func WithTool(name string) StatusOption {
	return func(e *StatusEvent) { e.Tool = name }
}

// WithError attaches the provider error behind the transition
func WithError(rec ApiErrorRecord) StatusOption {
	return func(e *StatusEvent) { e.Error = &rec }
}

// StatusManager publishes the session status. Reads are lock free; commits
// are serialised so subscribers see transitions in commit order.
type StatusManager struct {
	mu        sync.Mutex
	current   atomic.Value // StatusSnapshot
	sessionID string
	clock     Clock
	broker    *events.Broker[StatusEvent]
	errs      *events.Broker[ApiErrorRecord]
}

// NewStatusManager starts in StatusIdle
func NewStatusManager(sessionID string, clock Clock) *StatusManager {
	if clock == nil {
		clock = RealClock()
	}
	m := &StatusManager{
		sessionID: sessionID,
		clock:     clock,
		broker:    events.NewBroker[StatusEvent](),
		errs:      events.NewBroker[ApiErrorRecord](),
	}
	m.current.Store(StatusSnapshot{Status: StatusIdle, Since: clock.Now()})
	return m
}

// Current returns the committed status
func (m *StatusManager) Current() Status {
	return m.Snapshot().Status
}

// Snapshot returns the committed status with its start time
func (m *StatusManager) Snapshot() StatusSnapshot {
	return m.current.Load().(StatusSnapshot)
}

// Set commits a transition and notifies subscribers. Repeating the current
// status and tool is a no-op, and nothing leaves StatusShutdown.
func (m *StatusManager) Set(s Status, opts ...StatusOption) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.Snapshot()
	if prev.Status == StatusShutdown {
		return false
	}

	now := m.clock.Now()
	ev := StatusEvent{
		SessionID: m.sessionID,
		Old:       prev.Status,
		New:       s,
		Time:      now,
		Elapsed:   now.Sub(prev.Since),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if prev.Status == s && prev.Tool == ev.Tool && ev.Error == nil {
		return false
	}

	m.current.Store(StatusSnapshot{Status: s, Since: now, Tool: ev.Tool})
	m.broker.Publish(events.StatusChanged, ev, events.WithSessionID(m.sessionID), events.WithTimestamp(now), events.WithPersistence())
	return true
}

// Subscribe streams transitions until ctx is done
func (m *StatusManager) Subscribe(ctx context.Context) <-chan events.Event[StatusEvent] {
	return m.broker.Subscribe(ctx)
}

// History returns recent transitions, oldest first
func (m *StatusManager) History() []StatusEvent {
	hist := m.broker.GetHistory()
	out := make([]StatusEvent, len(hist))
	for i, ev := range hist {
		out[i] = ev.Payload
	}
	return out
}

// RecordError publishes a failed provider call
func (m *StatusManager) RecordError(rec ApiErrorRecord) {
	m.errs.Publish(events.ApiErrorOccurred, rec, events.WithSessionID(m.sessionID), events.WithTimestamp(rec.Timestamp), events.WithPersistence())
}

// SubscribeErrors streams failed provider calls until ctx is done
func (m *StatusManager) SubscribeErrors(ctx context.Context) <-chan events.Event[ApiErrorRecord] {
	return m.errs.Subscribe(ctx)
}

// SetPersistence stores every transition and api error in the given store
func (m *StatusManager) SetPersistence(store events.PersistenceStore) {
	m.broker.SetPersistence(store)
	m.errs.SetPersistence(store)
}

func (m *StatusManager) close() {
	m.broker.Shutdown()
	m.errs.Shutdown()
}
