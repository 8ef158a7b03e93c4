package session

import (
	"context"
	"time"

	"coordinator/pkg/proto"
)

// task is the internal mutable task record. Views are handed out by value.
type task struct {
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
	cancelExec      context.CancelFunc
	watchdog        *time.Timer
	id              string
	sessionID       string
	agentID         string
	description     string
	errMsg          string
	capabilities    []proto.Capability
	files           []string
	provider        proto.Provider
	status          proto.TaskStatus
	deadline        time.Duration // zero falls back to the manager default
	duration        time.Duration
	tokens          int64
	costUSD         float64
	cancelRequested bool
	finalized       bool
}

// session is the internal mutable session record.
type sessionRecord struct {
	createdAt   time.Time
	updatedAt   time.Time
	completedAt time.Time
	id          string
	name        string
	objective   string
	priority    proto.Priority
	agents      []string // non-empty restricts assignment to these members
	status      proto.SessionStatus
	tasks       map[string]*task
	taskOrder   []string
}

// TaskView is a read-only copy of one task.
type TaskView struct {
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	CompletedAt  time.Time          `json:"completed_at,omitzero"`
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	AgentID      string             `json:"agent_id,omitempty"`
	Description  string             `json:"description"`
	Error        string             `json:"error,omitempty"`
	Capabilities []proto.Capability `json:"capabilities"`
	Files        []string           `json:"files,omitempty"`
	Status       proto.TaskStatus   `json:"status"`
	Deadline     time.Duration      `json:"deadline,omitempty"`
	Duration     time.Duration      `json:"duration"`
	Tokens       int64              `json:"tokens"`
	CostUSD      float64            `json:"cost_usd"`
}

// SessionView is a read-only copy of one session with task counts.
type SessionView struct {
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	CompletedAt    time.Time           `json:"completed_at,omitzero"`
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Objective      string              `json:"objective"`
	Priority       proto.Priority      `json:"priority"`
	Agents         []string            `json:"agents,omitempty"`
	Status         proto.SessionStatus `json:"status"`
	TasksTotal     int                 `json:"tasks_total"`
	TasksActive    int                 `json:"tasks_active"`
	TasksCompleted int                 `json:"tasks_completed"`
	TasksFailed    int                 `json:"tasks_failed"`
	TasksCancelled int                 `json:"tasks_cancelled"`
}

func (t *task) view() TaskView {
	return TaskView{
		CreatedAt:    t.createdAt,
		StartedAt:    t.startedAt,
		CompletedAt:  t.completedAt,
		ID:           t.id,
		SessionID:    t.sessionID,
		AgentID:      t.agentID,
		Description:  t.description,
		Error:        t.errMsg,
		Capabilities: append([]proto.Capability(nil), t.capabilities...),
		Files:        append([]string(nil), t.files...),
		Status:       t.status,
		Deadline:     t.deadline,
		Duration:     t.duration,
		Tokens:       t.tokens,
		CostUSD:      t.costUSD,
	}
}

func (s *sessionRecord) view() SessionView {
	v := SessionView{
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
		CompletedAt: s.completedAt,
		ID:          s.id,
		Name:        s.name,
		Objective:   s.objective,
		Priority:    s.priority,
		Agents:      append([]string(nil), s.agents...),
		Status:      s.status,
		TasksTotal:  len(s.tasks),
	}
	for _, t := range s.tasks {
		switch t.status {
		case proto.TaskCompleted:
			v.TasksCompleted++
		case proto.TaskFailed:
			v.TasksFailed++
		case proto.TaskCancelled:
			v.TasksCancelled++
		default:
			v.TasksActive++
		}
	}
	return v
}
