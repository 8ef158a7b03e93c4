package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/config"
	"coordinator/pkg/coorderr"
	"coordinator/pkg/executor"
	"coordinator/pkg/lockmgr"
	"coordinator/pkg/persistence"
	"coordinator/pkg/pool"
	"coordinator/pkg/proto"
)

type eventSink struct {
	mu     sync.Mutex
	events []*proto.Event
}

func (s *eventSink) publish(ev *proto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) typesSeen() map[proto.EventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[proto.EventType]int)
	for _, ev := range s.events {
		seen[ev.Type]++
	}
	return seen
}

type memArchiver struct {
	mu       sync.Mutex
	archived []*persistence.ArchivedSession
	err      error
}

func (a *memArchiver) ArchiveSession(_ context.Context, session *persistence.ArchivedSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, session)
	return nil
}

type fixture struct {
	mgr     *Manager
	agents  *pool.Pool
	locks   *lockmgr.Manager
	exec    *executor.MockExecutor
	sink    *eventSink
	archive *memArchiver
}

func newFixture(t *testing.T, deadline time.Duration) *fixture {
	t.Helper()
	agents := pool.New(config.AssignmentConfig{
		LoadPenaltyPerTask: 0.1,
		LoadPenaltyCap:     0.5,
		RecencyBonus:       0.05,
		RecencyWindow:      "10m",
	}, 0.2)
	require.NoError(t, agents.Register("agent-a", proto.ProviderClaude,
		[]proto.Capability{proto.CapCodeGeneration, proto.CapTesting}, 3))
	require.NoError(t, agents.Register("agent-b", proto.ProviderGPT4,
		[]proto.Capability{proto.CapReview}, 3))

	f := &fixture{
		agents:  agents,
		locks:   lockmgr.NewManager(0, nil),
		exec:    executor.NewMockExecutor(),
		sink:    &eventSink{},
		archive: &memArchiver{},
	}
	f.mgr = NewManager(agents, f.locks, f.exec, f.archive, f.sink.publish, deadline)
	return f
}

func (f *fixture) newSession(t *testing.T, objective string) SessionView {
	t.Helper()
	sess, err := f.mgr.CreateSession(SessionSpec{Objective: objective})
	require.NoError(t, err)
	return sess
}

func agentLoad(t *testing.T, p *pool.Pool, id string) int {
	t.Helper()
	snaps, err := p.Status(id)
	require.NoError(t, err)
	return snaps[id].Load
}

func requireTaskStatus(t *testing.T, f *fixture, sessionID, taskID string, want proto.TaskStatus) TaskView {
	t.Helper()
	var view TaskView
	require.Eventually(t, func() bool {
		v, err := f.mgr.GetTask(sessionID, taskID)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return view
}

func TestTaskHappyPath(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.Script(executor.MockOutcome{Result: &executor.Result{
		Diff:     "patch",
		Tokens:   420,
		CostUSD:  0.02,
		Duration: 50 * time.Millisecond,
	}})

	sess := f.newSession(t, "ship feature")
	task, err := f.mgr.CreateTask(sess.ID, "write handler",
		[]proto.Capability{proto.CapCodeGeneration}, []string{"api/handler.go"}, 0)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskPending, task.Status)

	task, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, proto.TaskAssigned, task.Status)
	assert.Equal(t, "agent-a", task.AgentID)
	assert.Equal(t, 1, agentLoad(t, f.agents, "agent-a"))

	task, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskInProgress, task.Status)
	assert.True(t, f.locks.Status("api/handler.go").Locked)

	done := requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskCompleted)
	assert.Equal(t, int64(420), done.Tokens)
	assert.InDelta(t, 0.02, done.CostUSD, 0.0001)
	assert.Equal(t, 50*time.Millisecond, done.Duration)

	// Locks and load release on completion.
	assert.False(t, f.locks.Status("api/handler.go").Locked)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))

	seen := f.sink.typesSeen()
	assert.Equal(t, 1, seen[proto.EventTaskAssigned])
	assert.Equal(t, 1, seen[proto.EventTaskStarted])
	assert.Equal(t, 1, seen[proto.EventTaskCompleted])
}

func TestExecutorFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.Script(executor.MockOutcome{Err: errors.New("provider unavailable")})

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapCodeGeneration}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)

	failed := requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskFailed)
	assert.Equal(t, "provider unavailable", failed.Error)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))
	assert.Equal(t, 1, f.sink.typesSeen()[proto.EventTaskFailed])
}

func TestResultErrMarksTaskFailed(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.Script(executor.MockOutcome{Result: &executor.Result{
		Err:      errors.New("tests did not pass"),
		Tokens:   100,
		Duration: 10 * time.Millisecond,
	}})

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapTesting}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)

	failed := requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskFailed)
	assert.Equal(t, "tests did not pass", failed.Error)
	assert.Equal(t, int64(100), failed.Tokens)
}

func TestLockConflictRollsBackToPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	require.NoError(t, f.locks.Lock("shared.go", "other-task", "refactor"))

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task",
		[]proto.Capability{proto.CapCodeGeneration}, []string{"free.go", "shared.go"}, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)

	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.Error(t, err)
	assert.True(t, coorderr.Is(err, coorderr.KindLockConflict))

	rolled, err := f.mgr.GetTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskPending, rolled.Status)
	assert.Empty(t, rolled.AgentID)

	// The partial acquisition rolled back; the conflicting lock survives.
	assert.False(t, f.locks.Status("free.go").Locked)
	assert.Equal(t, "other-task", f.locks.Status("shared.go").Holder)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))

	// The task can be assigned and started again once the lock frees.
	require.NoError(t, f.locks.Unlock("shared.go", "other-task"))
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)
	requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskCompleted)
}

func TestCancelPendingTask(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)

	cancelled, err := f.mgr.CancelTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCancelled, cancelled.Status)

	// Terminal tasks reject further cancellation.
	_, err = f.mgr.CancelTask(sess.ID, task.ID)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidTransition))
}

func TestCancelAssignedTaskReleasesLoad(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	require.Equal(t, 1, agentLoad(t, f.agents, "agent-b"))

	cancelled, err := f.mgr.CancelTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCancelled, cancelled.Status)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-b"))
}

func TestCancelInProgressTaskSettlesCancelled(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.Script(executor.MockOutcome{Delay: 10 * time.Second})

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task",
		[]proto.Capability{proto.CapCodeGeneration}, []string{"a.go"}, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)

	// Cancellation of a running task records intent; the executor callback
	// settles it.
	view, err := f.mgr.CancelTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskInProgress, view.Status)

	requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskCancelled)
	assert.False(t, f.locks.Status("a.go").Locked)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))
}

func TestWatchdogTimesOutStuckExecutor(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.exec.Script(executor.MockOutcome{Delay: 10 * time.Second})

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task",
		[]proto.Capability{proto.CapCodeGeneration}, []string{"slow.go"}, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)

	failed := requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskFailed)
	assert.Contains(t, failed.Error, "deadline")
	assert.False(t, f.locks.Status("slow.go").Locked)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))

	// The late executor callback (ctx cancelled) must not overwrite the
	// timeout outcome.
	time.Sleep(50 * time.Millisecond)
	view, err := f.mgr.GetTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskFailed, view.Status)
	assert.Equal(t, 1, f.sink.typesSeen()[proto.EventTaskFailed])
}

func TestPauseBlocksStartNotCreate(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	_, err := f.mgr.PauseSession(sess.ID)
	require.NoError(t, err)

	task, err := f.mgr.CreateTask(sess.ID, "queued while paused",
		[]proto.Capability{proto.CapCodeGeneration}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)

	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidTransition))

	_, err = f.mgr.ResumeSession(sess.ID)
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)
	requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskCompleted)
}

func TestCompleteSessionCancelsOutstandingAndArchives(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.Script(executor.MockOutcome{Delay: 10 * time.Second})

	sess := f.newSession(t, "goal")
	running, err := f.mgr.CreateTask(sess.ID, "running",
		[]proto.Capability{proto.CapCodeGeneration}, []string{"r.go"}, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, running.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, running.ID)
	require.NoError(t, err)

	pending, err := f.mgr.CreateTask(sess.ID, "pending", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)

	view, err := f.mgr.CompleteSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.SessionCompleted, view.Status)
	assert.Equal(t, 2, view.TasksCancelled)
	assert.Equal(t, 0, view.TasksActive)

	for _, id := range []string{running.ID, pending.ID} {
		task, err := f.mgr.GetTask(sess.ID, id)
		require.NoError(t, err)
		assert.Equal(t, proto.TaskCancelled, task.Status)
	}
	assert.False(t, f.locks.Status("r.go").Locked)
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))

	require.Len(t, f.archive.archived, 1)
	archived := f.archive.archived[0]
	assert.Equal(t, sess.ID, archived.ID)
	assert.Equal(t, proto.SessionCompleted, archived.Status)
	assert.Len(t, archived.Tasks, 2)

	// Completed sessions reject new tasks and further transitions.
	_, err = f.mgr.CreateTask(sess.ID, "late", []proto.Capability{proto.CapReview}, nil, 0)
	assert.True(t, coorderr.Is(err, coorderr.KindSessionClosed))
	_, err = f.mgr.PauseSession(sess.ID)
	assert.True(t, coorderr.Is(err, coorderr.KindSessionClosed))
}

func TestCompleteSessionArchiveFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.archive.err = errors.New("disk full")

	sess := f.newSession(t, "goal")
	_, err := f.mgr.CompleteSession(context.Background(), sess.ID)
	require.Error(t, err)

	// The session still completed; archival is retried out of band.
	view, err := f.mgr.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.SessionCompleted, view.Status)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.mgr.GetSession("missing")
	assert.True(t, coorderr.Is(err, coorderr.KindSessionNotFound))
	_, err = f.mgr.CreateTask("missing", "task", nil, nil, 0)
	assert.True(t, coorderr.Is(err, coorderr.KindSessionNotFound))
	_, err = f.mgr.GetTask("missing", "t")
	assert.True(t, coorderr.Is(err, coorderr.KindSessionNotFound))
}

func TestTaskNotFound(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	_, err := f.mgr.GetTask(sess.ID, "missing")
	assert.True(t, coorderr.Is(err, coorderr.KindTaskNotFound))
}

func TestAssignRequiresPendingTask(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)

	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidTransition))
}

func TestNoCapableAgentLeavesTaskPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapDocumentation}, nil, 0)
	require.NoError(t, err)

	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	assert.True(t, coorderr.Is(err, coorderr.KindNoCapableAgent))

	view, err := f.mgr.GetTask(sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskPending, view.Status)
}

func TestListTasksInCreationOrder(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")

	var ids []string
	for _, desc := range []string{"first", "second", "third"} {
		task, err := f.mgr.CreateTask(sess.ID, desc, []proto.Capability{proto.CapReview}, nil, 0)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	tasks, err := f.mgr.ListTasks(sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, ids[i], task.ID)
	}
}

func TestManageFileLock(t *testing.T) {
	f := newFixture(t, time.Minute)

	status, err := f.mgr.ManageFileLock(LockActionLock, "docs/spec.txt", "user-1", "editing")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, "user-1", status.Holder)

	status, err = f.mgr.ManageFileLock(LockActionStatus, "docs/spec.txt", "", "")
	require.NoError(t, err)
	assert.True(t, status.Locked)

	_, err = f.mgr.ManageFileLock(LockActionUnlock, "docs/spec.txt", "user-2", "")
	assert.True(t, coorderr.Is(err, coorderr.KindNotHeld))

	status, err = f.mgr.ManageFileLock(LockActionUnlock, "docs/spec.txt", "user-1", "")
	require.NoError(t, err)
	assert.False(t, status.Locked)

	_, err = f.mgr.ManageFileLock(LockAction("steal"), "docs/spec.txt", "user-1", "")
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestPreferredAgentPassesThrough(t *testing.T) {
	f := newFixture(t, time.Minute)
	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)

	view, err := f.mgr.AssignTask(sess.ID, task.ID, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", view.AgentID)
}

func TestCreateSessionCarriesSpecFields(t *testing.T) {
	f := newFixture(t, time.Minute)

	sess, err := f.mgr.CreateSession(SessionSpec{
		Name:      "auth-revamp",
		Objective: "rework the login flow",
		Priority:  "high",
		Agents:    []string{"agent-a", "agent-b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "auth-revamp", sess.Name)
	assert.Equal(t, "rework the login flow", sess.Objective)
	assert.Equal(t, proto.PriorityHigh, sess.Priority)
	assert.Equal(t, []string{"agent-a", "agent-b"}, sess.Agents)

	// An omitted priority defaults to normal.
	sess = f.newSession(t, "goal")
	assert.Equal(t, proto.PriorityNormal, sess.Priority)

	_, err = f.mgr.CreateSession(SessionSpec{Priority: "urgent"})
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestMemberSetScopesAssignment(t *testing.T) {
	f := newFixture(t, time.Minute)

	sess, err := f.mgr.CreateSession(SessionSpec{
		Objective: "review only",
		Agents:    []string{"agent-a"},
	})
	require.NoError(t, err)

	// agent-b covers review but is not a member of this session.
	task, err := f.mgr.CreateTask(sess.ID, "task", []proto.Capability{proto.CapReview}, nil, 0)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	assert.True(t, coorderr.Is(err, coorderr.KindNoCapableAgent))

	// Naming the non-member as preferred agent does not bypass the set.
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "agent-b")
	assert.True(t, coorderr.Is(err, coorderr.KindNoCapableAgent))

	// Work the member covers assigns normally.
	task, err = f.mgr.CreateTask(sess.ID, "gen", []proto.Capability{proto.CapCodeGeneration}, nil, 0)
	require.NoError(t, err)
	view, err := f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", view.AgentID)
}

func TestArchivedSessionCarriesSpecFields(t *testing.T) {
	f := newFixture(t, time.Minute)

	sess, err := f.mgr.CreateSession(SessionSpec{
		Name:      "sprint-9",
		Objective: "close out the sprint",
		Priority:  "critical",
		Agents:    []string{"agent-b"},
	})
	require.NoError(t, err)
	_, err = f.mgr.CompleteSession(context.Background(), sess.ID)
	require.NoError(t, err)

	require.Len(t, f.archive.archived, 1)
	archived := f.archive.archived[0]
	assert.Equal(t, "sprint-9", archived.Name)
	assert.Equal(t, "close out the sprint", archived.Objective)
	assert.Equal(t, proto.PriorityCritical, archived.Priority)
	assert.Equal(t, []string{"agent-b"}, archived.Agents)
}

func TestTaskDeadlineOverridesManagerDefault(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.exec.Script(executor.MockOutcome{Delay: 10 * time.Second})

	sess := f.newSession(t, "goal")
	task, err := f.mgr.CreateTask(sess.ID, "task",
		[]proto.Capability{proto.CapCodeGeneration}, nil, 30*time.Millisecond)
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(sess.ID, task.ID, "")
	require.NoError(t, err)
	_, err = f.mgr.StartTask(context.Background(), sess.ID, task.ID)
	require.NoError(t, err)

	// The one-hour manager deadline would never fire inside this test; only
	// the per-task deadline can fail it.
	failed := requireTaskStatus(t, f, sess.ID, task.ID, proto.TaskFailed)
	assert.Contains(t, failed.Error, "deadline")
	assert.Equal(t, 0, agentLoad(t, f.agents, "agent-a"))
}
