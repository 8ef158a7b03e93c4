package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a coordination lifecycle event.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionCompleted EventType = "session_completed"
	EventTaskAssigned     EventType = "task_assigned"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCancelled    EventType = "task_cancelled"
	EventQualityGateRun   EventType = "quality_gate_run"
	EventLockAcquired     EventType = "lock_acquired"
	EventLockReleased     EventType = "lock_released"
	EventLockConflict     EventType = "lock_conflict"
	EventLockExpired      EventType = "lock_expired"
)

// ValidateEventType validates an event type string.
func ValidateEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventSessionCreated, EventSessionPaused, EventSessionResumed,
		EventSessionCompleted, EventTaskAssigned, EventTaskStarted,
		EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventQualityGateRun, EventLockAcquired, EventLockReleased,
		EventLockConflict, EventLockExpired:
		return EventType(s), true
	default:
		return "", false
	}
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is the envelope published on the coordination event channel. It
// carries dimension tags (session, agent, task) plus a free-form payload so
// subscribers can aggregate without reaching back into component state.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// NewEvent creates an event envelope stamped with the current time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        NewEventID(),
		Type:      eventType,
		Timestamp: Now(),
		Payload:   make(map[string]any),
	}
}

// WithSession tags the event with a session dimension.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithAgent tags the event with an agent dimension.
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}

// WithTask tags the event with a task dimension.
func (e *Event) WithTask(taskID string) *Event {
	e.TaskID = taskID
	return e
}

// Set stores a payload value.
func (e *Event) Set(key string, value any) *Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Get retrieves a payload value.
func (e *Event) Get(key string) (any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	v, ok := e.Payload[key]
	return v, ok
}

// GetFloat retrieves a numeric payload value, tolerating the float64
// widening that JSON round-trips introduce.
func (e *Event) GetFloat(key string) (float64, bool) {
	v, ok := e.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetString retrieves a string payload value.
func (e *Event) GetString(key string) (string, bool) {
	v, ok := e.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool retrieves a boolean payload value.
func (e *Event) GetBool(key string) (bool, bool) {
	v, ok := e.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// ToJSON serializes the event for the JSONL event log.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON parses an event from its JSON form.
func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// Validate checks the envelope's required fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	if _, valid := ValidateEventType(string(e.Type)); !valid {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	return nil
}

// Common payload keys used across publishers and subscribers.
const (
	KeyDurationMs  = "duration_ms"
	KeyTokens      = "tokens"
	KeyCostUSD     = "cost_usd"
	KeyPassed      = "passed"
	KeyTotalIssues = "total_issues"
	KeyFixedIssues = "fixed_issues"
	KeyReason      = "reason"
	KeyPath        = "path"
	KeyHolder      = "holder"
	KeyError       = "error"
	KeyCapability  = "capability"
	KeyScore       = "score"
)
