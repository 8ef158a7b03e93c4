// Package coorderr provides structured error classification for the
// coordination core. Every error crossing a package boundary carries a Kind
// plus optional context so callers can branch on kind instead of matching
// strings.
package coorderr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind represents the category of a coordination error.
type Kind int8

const (
	// KindUnknown is the default for unclassified errors.
	KindUnknown Kind = iota

	// KindNoCapableAgent indicates no registered agent's capability set
	// covers the required capability.
	KindNoCapableAgent

	// KindAgentOffline indicates the requested agent is offline.
	KindAgentOffline

	// KindLockConflict indicates a file path is already locked by a
	// different holder.
	KindLockConflict

	// KindNotHeld indicates an unlock attempt by a non-holder.
	KindNotHeld

	// KindSessionClosed indicates an operation against a completed session.
	KindSessionClosed

	// KindSessionNotFound indicates the session ID is unknown.
	KindSessionNotFound

	// KindTaskNotFound indicates the task ID is unknown.
	KindTaskNotFound

	// KindExecutorTimeout indicates the executor never delivered a
	// completion callback within the configured deadline.
	KindExecutorTimeout

	// KindCheckExecutionError indicates a quality check itself crashed
	// (tool failure, I/O error) rather than reporting issues.
	KindCheckExecutionError

	// KindUnknownReportType indicates an unsupported report type.
	KindUnknownReportType

	// KindInvalidConfiguration indicates a rejected configuration value.
	KindInvalidConfiguration

	// KindInvalidTransition indicates an illegal state machine transition.
	KindInvalidTransition
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNoCapableAgent:
		return "no_capable_agent"
	case KindAgentOffline:
		return "agent_offline"
	case KindLockConflict:
		return "lock_conflict"
	case KindNotHeld:
		return "not_held"
	case KindSessionClosed:
		return "session_closed"
	case KindSessionNotFound:
		return "session_not_found"
	case KindTaskNotFound:
		return "task_not_found"
	case KindExecutorTimeout:
		return "executor_timeout"
	case KindCheckExecutionError:
		return "check_execution_error"
	case KindUnknownReportType:
		return "unknown_report_type"
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified coordination error with structured context.
type Error struct {
	Err     error             // Wrapped underlying error, may be nil
	Context map[string]string // Structured detail (holder, path, agent, ...)
	Msg     string            // Human-readable message
	Kind    Kind              // Classified error kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Context[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext returns the error with an additional context entry.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Err:  cause,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Is checks whether an error is classified with the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of a classified error, or KindUnknown otherwise.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// ContextValue extracts a context entry from a classified error.
func ContextValue(err error, key string) (string, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		v, ok := ce.Context[key]
		return v, ok
	}
	return "", false
}
