// Package session owns the live session and task tables and orchestrates
// the full task lifecycle: assignment through the agent pool, file locking,
// asynchronous executor handoff, and exactly-once result accounting.
package session

import (
	"context"
	"sync"
	"time"

	"coordinator/pkg/coorderr"
	"coordinator/pkg/executor"
	"coordinator/pkg/lockmgr"
	"coordinator/pkg/logx"
	"coordinator/pkg/persistence"
	"coordinator/pkg/pool"
	"coordinator/pkg/proto"
)

// Archiver receives completed sessions. The persistence store implements
// it; a nil archiver disables archival.
type Archiver interface {
	ArchiveSession(ctx context.Context, session *persistence.ArchivedSession) error
}

// Publisher delivers lifecycle events. Nil-safe.
type Publisher func(ev *proto.Event)

// Manager coordinates sessions and tasks. All exported methods are safe
// for concurrent use; the session table has its own mutex and never holds
// it across executor calls.
type Manager struct {
	sessions map[string]*sessionRecord
	agents   *pool.Pool
	locks    *lockmgr.Manager
	exec     executor.Executor
	archive  Archiver
	publish  Publisher
	logger   *logx.Logger
	deadline time.Duration
	mu       sync.Mutex
}

// NewManager wires the session manager. Deadline bounds each executor
// attempt; zero means 10 minutes.
func NewManager(agents *pool.Pool, locks *lockmgr.Manager, exec executor.Executor, archive Archiver, publish Publisher, deadline time.Duration) *Manager {
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*sessionRecord),
		agents:   agents,
		locks:    locks,
		exec:     exec,
		archive:  archive,
		publish:  publish,
		logger:   logx.NewLogger("session"),
		deadline: deadline,
	}
}

func (m *Manager) emit(ev *proto.Event) {
	if m.publish != nil {
		m.publish(ev)
	}
}

// SessionSpec describes a session to create. An empty Priority defaults to
// normal; a non-empty Agents set restricts task assignment to those members.
type SessionSpec struct {
	Name      string
	Objective string
	Priority  string
	Agents    []string
}

// CreateSession starts a new active session.
func (m *Manager) CreateSession(spec SessionSpec) (SessionView, error) {
	priority, ok := proto.ValidatePriority(spec.Priority)
	if !ok {
		return SessionView{}, coorderr.New(coorderr.KindInvalidConfiguration, "unknown priority %q", spec.Priority)
	}

	now := proto.Now()
	rec := &sessionRecord{
		createdAt: now,
		updatedAt: now,
		id:        proto.NewSessionID(),
		name:      spec.Name,
		objective: spec.Objective,
		priority:  priority,
		agents:    append([]string(nil), spec.Agents...),
		status:    proto.SessionActive,
		tasks:     make(map[string]*task),
	}

	m.mu.Lock()
	m.sessions[rec.id] = rec
	view := rec.view()
	m.mu.Unlock()

	m.logger.Info("Session %s created (%s, priority=%s, %d members)", rec.id, rec.name, priority, len(rec.agents))
	m.emit(proto.NewEvent(proto.EventSessionCreated).WithSession(rec.id).Set(proto.KeyReason, spec.Objective))
	return view, nil
}

// PauseSession moves an active session to paused. Paused sessions keep
// their tasks; in-flight executor work is not interrupted.
func (m *Manager) PauseSession(sessionID string) (SessionView, error) {
	view, err := m.transitionSession(sessionID, proto.SessionPaused)
	if err != nil {
		return SessionView{}, err
	}
	m.emit(proto.NewEvent(proto.EventSessionPaused).WithSession(sessionID))
	return view, nil
}

// ResumeSession moves a paused session back to active.
func (m *Manager) ResumeSession(sessionID string) (SessionView, error) {
	view, err := m.transitionSession(sessionID, proto.SessionActive)
	if err != nil {
		return SessionView{}, err
	}
	m.emit(proto.NewEvent(proto.EventSessionResumed).WithSession(sessionID))
	return view, nil
}

func (m *Manager) transitionSession(sessionID string, to proto.SessionStatus) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return SessionView{}, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	if err := validateSessionTransition(rec.status, to); err != nil {
		return SessionView{}, err
	}
	rec.status = to
	rec.updatedAt = proto.Now()
	return rec.view(), nil
}

// CompleteSession terminates a session. Outstanding tasks are cancelled
// (locks released, load freed) and the session is handed to the archiver.
// Task records are retained in memory after completion.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) (SessionView, error) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return SessionView{}, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	if err := validateSessionTransition(rec.status, proto.SessionCompleted); err != nil {
		m.mu.Unlock()
		return SessionView{}, err
	}

	for _, id := range rec.taskOrder {
		t := rec.tasks[id]
		if !t.status.Terminal() {
			m.finalizeLocked(rec, t, proto.TaskCancelled, "session completed", nil)
		}
	}

	now := proto.Now()
	rec.status = proto.SessionCompleted
	rec.updatedAt = now
	rec.completedAt = now
	view := rec.view()
	archived := m.archivedSessionLocked(rec)
	m.mu.Unlock()

	m.logger.Info("Session %s completed (%d tasks)", sessionID, view.TasksTotal)
	m.emit(proto.NewEvent(proto.EventSessionCompleted).WithSession(sessionID))

	if m.archive != nil {
		if err := m.archive.ArchiveSession(ctx, archived); err != nil {
			return view, logx.Errorf("failed to archive session %s: %v", sessionID, err)
		}
	}
	return view, nil
}

// archivedSessionLocked assumes the caller holds the mutex.
func (m *Manager) archivedSessionLocked(rec *sessionRecord) *persistence.ArchivedSession {
	archived := &persistence.ArchivedSession{
		CreatedAt:   rec.createdAt,
		CompletedAt: rec.completedAt,
		ID:          rec.id,
		Name:        rec.name,
		Objective:   rec.objective,
		Priority:    rec.priority,
		Agents:      append([]string(nil), rec.agents...),
		Status:      rec.status,
	}
	for _, id := range rec.taskOrder {
		t := rec.tasks[id]
		archived.Tasks = append(archived.Tasks, persistence.ArchivedTask{
			CreatedAt:   t.createdAt,
			CompletedAt: t.completedAt,
			ID:          t.id,
			SessionID:   t.sessionID,
			AgentID:     t.agentID,
			Description: t.description,
			Status:      t.status,
			Error:       t.errMsg,
			DurationMs:  t.duration.Milliseconds(),
			Tokens:      t.tokens,
			CostUSD:     t.costUSD,
		})
	}
	return archived
}

// CreateTask records a pending task in the session. Tasks may be created
// while the session is paused; they only start once it is active again. A
// positive deadline overrides the manager's executor deadline for this task.
func (m *Manager) CreateTask(sessionID, description string, capabilities []proto.Capability, files []string, deadline time.Duration) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return TaskView{}, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	if rec.status == proto.SessionCompleted {
		return TaskView{}, coorderr.New(coorderr.KindSessionClosed, "session %s is completed", sessionID)
	}

	taskID, err := proto.NewTaskID()
	if err != nil {
		return TaskView{}, err
	}
	t := &task{
		createdAt:    proto.Now(),
		id:           taskID,
		sessionID:    sessionID,
		description:  description,
		capabilities: append([]proto.Capability(nil), capabilities...),
		files:        append([]string(nil), files...),
		status:       proto.TaskPending,
		deadline:     deadline,
	}
	rec.tasks[t.id] = t
	rec.taskOrder = append(rec.taskOrder, t.id)
	rec.updatedAt = t.createdAt

	m.logger.Debug("Task %s created in session %s", t.id, sessionID)
	return t.view(), nil
}

// AssignTask picks an agent for a pending task through the pool. On
// success the task is assigned and the agent's load is committed.
func (m *Manager) AssignTask(sessionID, taskID, preferredAgent string) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if err := validateTaskTransition(t.status, proto.TaskAssigned); err != nil {
		return TaskView{}, err
	}

	// A session with a member set only assigns work to its members.
	assignment, err := m.agents.Assign(pool.Requirements{
		Capabilities:   t.capabilities,
		PreferredAgent: preferredAgent,
		AllowedAgents:  rec.agents,
		Description:    t.description,
	})
	if err != nil {
		return TaskView{}, err
	}

	t.status = proto.TaskAssigned
	t.agentID = assignment.AgentID
	t.provider = assignment.Provider
	rec.updatedAt = proto.Now()

	m.logger.Info("Task %s assigned to %s: %s", taskID, assignment.AgentID, assignment.Reasoning)
	m.emit(proto.NewEvent(proto.EventTaskAssigned).
		WithSession(sessionID).WithTask(taskID).WithAgent(assignment.AgentID).
		Set(proto.KeyScore, assignment.Score).
		Set(proto.KeyReason, assignment.Reasoning))
	return t.view(), nil
}

// StartTask acquires all file locks for an assigned task and hands it to
// the executor asynchronously, returning immediately with the task in
// progress. A lock conflict rolls the task back to pending: this call's
// acquisitions are released, the agent's load is freed, and the conflict
// error is returned.
func (m *Manager) StartTask(ctx context.Context, sessionID, taskID string) (TaskView, error) {
	m.mu.Lock()
	rec, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil {
		m.mu.Unlock()
		return TaskView{}, err
	}
	if rec.status != proto.SessionActive {
		m.mu.Unlock()
		if rec.status == proto.SessionCompleted {
			return TaskView{}, coorderr.New(coorderr.KindSessionClosed, "session %s is completed", sessionID)
		}
		return TaskView{}, coorderr.New(coorderr.KindInvalidTransition, "session %s is paused", sessionID)
	}
	if err := validateTaskTransition(t.status, proto.TaskInProgress); err != nil {
		m.mu.Unlock()
		return TaskView{}, err
	}

	if err := m.locks.LockAll(t.files, t.id, t.description); err != nil {
		agentID := t.agentID
		t.status = proto.TaskPending
		t.agentID = ""
		t.provider = ""
		rec.updatedAt = proto.Now()
		m.mu.Unlock()
		m.agents.ReleaseLoad(agentID)
		return TaskView{}, err
	}

	now := proto.Now()
	t.status = proto.TaskInProgress
	t.startedAt = now
	rec.updatedAt = now

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancelExec = cancel
	t.watchdog = time.AfterFunc(m.deadlineFor(t), func() { m.timeoutTask(sessionID, taskID) })

	req := &executor.Request{
		SessionID:    sessionID,
		TaskID:       taskID,
		AgentID:      t.agentID,
		Provider:     t.provider,
		Description:  t.description,
		Capabilities: append([]proto.Capability(nil), t.capabilities...),
		Files:        append([]string(nil), t.files...),
	}
	view := t.view()
	m.mu.Unlock()

	m.emit(proto.NewEvent(proto.EventTaskStarted).
		WithSession(sessionID).WithTask(taskID).WithAgent(req.AgentID))

	go func() {
		res, execErr := m.exec.Execute(execCtx, req)
		cancel()
		m.HandleResult(sessionID, taskID, res, execErr)
	}()

	return view, nil
}

// HandleResult is the executor completion callback. The first terminal
// delivery wins: late results after a timeout or cancellation are dropped.
func (m *Manager) HandleResult(sessionID, taskID string, res *executor.Result, execErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil || t.finalized {
		return
	}

	if t.cancelRequested {
		m.finalizeLocked(rec, t, proto.TaskCancelled, "cancelled by request", res)
		return
	}

	switch {
	case execErr != nil:
		m.finalizeLocked(rec, t, proto.TaskFailed, execErr.Error(), res)
	case res != nil && res.Err != nil:
		m.finalizeLocked(rec, t, proto.TaskFailed, res.Err.Error(), res)
	default:
		m.finalizeLocked(rec, t, proto.TaskCompleted, "", res)
	}
}

// timeoutTask is the watchdog path: the executor missed its deadline.
func (m *Manager) timeoutTask(sessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil || t.finalized || t.status != proto.TaskInProgress {
		return
	}

	deadline := m.deadlineFor(t)
	m.logger.Warn("Task %s exceeded executor deadline %s", taskID, deadline)
	timeoutErr := coorderr.New(coorderr.KindExecutorTimeout, "executor exceeded deadline %s", deadline)
	m.finalizeLocked(rec, t, proto.TaskFailed, timeoutErr.Error(), nil)
}

// deadlineFor resolves the watchdog duration for a task: its own deadline
// when set, the manager default otherwise.
func (m *Manager) deadlineFor(t *task) time.Duration {
	if t.deadline > 0 {
		return t.deadline
	}
	return m.deadline
}

// CancelTask cancels a task. Pending and assigned tasks cancel
// immediately with locks and load released; in-progress tasks record the
// intent, signal the executor, and settle when the callback or the
// watchdog fires.
func (m *Manager) CancelTask(sessionID, taskID string) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if t.status.Terminal() {
		return TaskView{}, validateTaskTransition(t.status, proto.TaskCancelled)
	}

	if t.status == proto.TaskInProgress {
		t.cancelRequested = true
		if t.cancelExec != nil {
			t.cancelExec()
		}
		m.logger.Info("Task %s cancellation requested", taskID)
		return t.view(), nil
	}

	m.finalizeLocked(rec, t, proto.TaskCancelled, "cancelled by request", nil)
	return t.view(), nil
}

// finalizeLocked moves a task to a terminal state exactly once: stops the
// watchdog, releases locks and load, records the outcome with the pool,
// and emits the terminal event. Assumes the caller holds the mutex.
func (m *Manager) finalizeLocked(rec *sessionRecord, t *task, status proto.TaskStatus, errMsg string, res *executor.Result) {
	if t.finalized {
		return
	}
	t.finalized = true

	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	if t.cancelExec != nil {
		t.cancelExec()
	}

	now := proto.Now()
	hadAgent := t.agentID != ""
	started := !t.startedAt.IsZero()

	t.status = status
	t.completedAt = now
	t.errMsg = errMsg
	if res != nil {
		t.tokens = res.Tokens
		t.costUSD = res.CostUSD
		t.duration = res.Duration
	}
	if t.duration == 0 && started {
		t.duration = now.Sub(t.startedAt)
	}
	rec.updatedAt = now

	if started {
		m.locks.UnlockAllHeld(t.id)
	}
	if hadAgent {
		m.agents.ReleaseLoad(t.agentID)
		if status == proto.TaskCompleted || status == proto.TaskFailed {
			m.agents.RecordResult(t.agentID, status == proto.TaskCompleted, t.duration, t.tokens, t.costUSD)
		}
	}

	var eventType proto.EventType
	switch status {
	case proto.TaskCompleted:
		eventType = proto.EventTaskCompleted
	case proto.TaskFailed:
		eventType = proto.EventTaskFailed
	default:
		eventType = proto.EventTaskCancelled
	}
	ev := proto.NewEvent(eventType).
		WithSession(t.sessionID).WithTask(t.id).WithAgent(t.agentID).
		Set(proto.KeyDurationMs, float64(t.duration.Milliseconds())).
		Set(proto.KeyTokens, float64(t.tokens)).
		Set(proto.KeyCostUSD, t.costUSD)
	if errMsg != "" {
		ev.Set(proto.KeyError, errMsg)
	}
	m.emit(ev)

	m.logger.Info("Task %s finished: %s", t.id, status)
}

// lookupLocked assumes the caller holds the mutex.
func (m *Manager) lookupLocked(sessionID, taskID string) (*sessionRecord, *task, error) {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	t, ok := rec.tasks[taskID]
	if !ok {
		return nil, nil, coorderr.New(coorderr.KindTaskNotFound, "task %s not found in session %s", taskID, sessionID)
	}
	return rec, t, nil
}

// GetSession returns a view of one session.
func (m *Manager) GetSession(sessionID string) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return SessionView{}, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	return rec.view(), nil
}

// ListSessions returns views of every live session.
func (m *Manager) ListSessions() []SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]SessionView, 0, len(m.sessions))
	for _, rec := range m.sessions {
		views = append(views, rec.view())
	}
	return views
}

// GetTask returns a view of one task.
func (m *Manager) GetTask(sessionID, taskID string) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t, err := m.lookupLocked(sessionID, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return t.view(), nil
}

// ListTasks returns views of a session's tasks in creation order.
func (m *Manager) ListTasks(sessionID string) ([]TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, coorderr.New(coorderr.KindSessionNotFound, "session %s not found", sessionID)
	}
	views := make([]TaskView, 0, len(rec.taskOrder))
	for _, id := range rec.taskOrder {
		views = append(views, rec.tasks[id].view())
	}
	return views, nil
}

// LockAction names a ManageFileLock operation.
type LockAction string

// Supported lock actions.
const (
	LockActionLock   LockAction = "lock"
	LockActionUnlock LockAction = "unlock"
	LockActionStatus LockAction = "status"
)

// ManageFileLock delegates explicit lock operations to the lock manager
// using the caller-supplied holder identity.
func (m *Manager) ManageFileLock(action LockAction, path, holder, reason string) (lockmgr.Status, error) {
	switch action {
	case LockActionLock:
		if err := m.locks.Lock(path, holder, reason); err != nil {
			return lockmgr.Status{}, err
		}
	case LockActionUnlock:
		if err := m.locks.Unlock(path, holder); err != nil {
			return lockmgr.Status{}, err
		}
	case LockActionStatus:
		// Read-only.
	default:
		return lockmgr.Status{}, coorderr.New(coorderr.KindInvalidConfiguration, "unknown lock action %q", action)
	}
	return m.locks.Status(path), nil
}
