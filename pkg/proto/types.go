// Package proto defines the shared domain vocabulary of the coordination
// core: capability tags, lifecycle statuses, and the event envelope exchanged
// between components.
package proto

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Capability is a tagged skill an agent offers and a task may require.
type Capability string

const (
	CapCodeGeneration Capability = "code-generation"
	CapReview         Capability = "review"
	CapTesting        Capability = "testing"
	CapDocumentation  Capability = "documentation"
	CapSecurityReview Capability = "security-review"
	CapRefactoring    Capability = "refactoring"
)

// KnownCapabilities returns every built-in capability tag. Custom tags are
// accepted anywhere a Capability is stored; this list exists for validation
// hints and optimizer output only.
func KnownCapabilities() []Capability {
	return []Capability{
		CapCodeGeneration,
		CapReview,
		CapTesting,
		CapDocumentation,
		CapSecurityReview,
		CapRefactoring,
	}
}

// ParseCapability normalizes a capability string.
func ParseCapability(s string) (Capability, error) {
	normalized := Capability(strings.ToLower(strings.TrimSpace(s)))
	if normalized == "" {
		return "", fmt.Errorf("capability cannot be empty")
	}
	return normalized, nil
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// AgentStatus is the lifecycle status of a pool agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// ValidateAgentStatus validates an agent status string.
func ValidateAgentStatus(s string) (AgentStatus, bool) {
	switch AgentStatus(s) {
	case AgentIdle, AgentBusy, AgentOffline, AgentError:
		return AgentStatus(s), true
	default:
		return "", false
	}
}

// String returns the string representation of the agent status.
func (s AgentStatus) String() string {
	return string(s)
}

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Terminal reports whether the session status is terminal.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted
}

// String returns the string representation of the session status.
func (s SessionStatus) String() string {
	return string(s)
}

// Priority ranks a session relative to its peers. It travels on the session
// record and report output; the scheduler does not preempt on it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidatePriority validates a priority string. The empty string maps to
// PriorityNormal.
func ValidatePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(s), true
	default:
		return "", false
	}
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task status is terminal.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// Provider tags the backing model family of an agent. Provider is a data
// attribute on one agent record type, not a type hierarchy.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderGPT4   Provider = "gpt4"
	ProviderGemini Provider = "gemini"
	ProviderCustom Provider = "custom"
)

// String returns the string representation of the provider tag.
func (p Provider) String() string {
	return string(p)
}

// NewSessionID generates a UUID for a session.
func NewSessionID() string {
	return uuid.New().String()
}

// NewTaskID generates an 8-character hex ID for a task.
func NewTaskID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// NewEventID generates a UUID for an event envelope.
func NewEventID() string {
	return uuid.New().String()
}

// Now returns the coordination core's canonical timestamp (UTC).
func Now() time.Time {
	return time.Now().UTC()
}
