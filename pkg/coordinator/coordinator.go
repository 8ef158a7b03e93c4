// Package coordinator assembles the coordination core and exposes its
// public API surface: sessions, task assignment, quality gates, file
// locks, metrics, optimization, and reports.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"coordinator/pkg/bus"
	"coordinator/pkg/config"
	"coordinator/pkg/coorderr"
	"coordinator/pkg/eventlog"
	"coordinator/pkg/executor"
	"coordinator/pkg/gates"
	"coordinator/pkg/lockmgr"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/persistence"
	"coordinator/pkg/pool"
	"coordinator/pkg/proto"
	"coordinator/pkg/report"
	"coordinator/pkg/session"
)

// Coordinator owns every coordination component and their lifecycles.
type Coordinator struct {
	cfg      config.Config
	events   *bus.Bus
	agents   *pool.Pool
	locks    *lockmgr.Manager
	gates    *gates.Runner
	sessions *session.Manager
	agg      *metrics.Aggregator
	reports  *report.Generator
	journal  *eventlog.Writer
	archive  *persistence.Store
	server   *Server
	logger   *logx.Logger
	cancel   context.CancelFunc
}

// Options tunes construction beyond the config file.
type Options struct {
	// Executor performs task work. Required.
	Executor executor.Executor
	// Recorder exports Prometheus metrics. Nil skips registration, which
	// tests rely on to avoid duplicate collectors.
	Recorder *metrics.PrometheusRecorder
}

// New builds a coordinator from configuration. Nothing runs until Start.
func New(cfg config.Config, opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, coorderr.New(coorderr.KindInvalidConfiguration, "executor is required")
	}

	c := &Coordinator{
		cfg:    cfg,
		events: bus.New(0),
		logger: logx.NewLogger("coordinator"),
	}

	agents, err := pool.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.agents = agents

	lockTTL := config.Duration(cfg.Locks.TTL, 30*time.Minute)
	c.locks = lockmgr.NewManager(lockTTL, c.events.Publish)
	c.gates = gates.NewRunnerFromConfig(cfg.Gates, c.events.Publish)

	if cfg.ArchiveDB != "" {
		store, err := persistence.Open(cfg.ArchiveDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive store: %w", err)
		}
		c.archive = store
	}

	var archiver session.Archiver
	if c.archive != nil {
		archiver = c.archive
	}
	deadline := config.Duration(cfg.Executor.Deadline, 10*time.Minute)
	c.sessions = session.NewManager(c.agents, c.locks, opts.Executor, archiver, c.events.Publish, deadline)

	c.agg = metrics.NewAggregator(opts.Recorder, cfg.Metrics.EWMAAlpha)
	c.events.Subscribe(c.agg.Handle)

	if cfg.EventLogDir != "" {
		journal, err := eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		c.journal = journal
		c.events.Subscribe(func(ev *proto.Event) {
			if err := c.journal.Write(ev); err != nil {
				c.logger.Error("Failed to journal event %s: %v", ev.ID, err)
			}
		})
	}

	var usage *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		usage, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus query service: %w", err)
		}
	}
	c.reports = report.NewGenerator(sessionSource{c.sessions}, c.agg, c.agents, usage)

	if cfg.ListenAddr != "" {
		c.server = NewServer(c, cfg.ListenAddr)
	}

	return c, nil
}

// Start launches the event bus, the lock sweeper, and the HTTP server.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.events.Start(runCtx)
	sweep := config.Duration(c.cfg.Locks.SweepInterval, time.Minute)
	c.locks.StartSweep(runCtx, sweep)

	if c.server != nil {
		if err := c.server.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	c.logger.Info("Coordinator started with %d agents", len(c.cfg.Agents))
	return nil
}

// Stop shuts everything down, draining queued events first.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.events.Stop()
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.logger.Error("Failed to close event log: %v", err)
		}
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			c.logger.Error("Failed to close archive store: %v", err)
		}
	}
	c.logger.Info("Coordinator stopped")
}

// CreateSession starts a new coordination session.
func (c *Coordinator) CreateSession(spec session.SessionSpec) (session.SessionView, error) {
	return c.sessions.CreateSession(spec)
}

// PauseSession pauses an active session.
func (c *Coordinator) PauseSession(sessionID string) (session.SessionView, error) {
	return c.sessions.PauseSession(sessionID)
}

// ResumeSession resumes a paused session.
func (c *Coordinator) ResumeSession(sessionID string) (session.SessionView, error) {
	return c.sessions.ResumeSession(sessionID)
}

// CompleteSession terminates and archives a session.
func (c *Coordinator) CompleteSession(ctx context.Context, sessionID string) (session.SessionView, error) {
	return c.sessions.CompleteSession(ctx, sessionID)
}

// TaskSpec describes one unit of work to assign. A positive Deadline
// overrides the configured executor deadline for this task only.
type TaskSpec struct {
	Description    string             `json:"description"`
	PreferredAgent string             `json:"preferred_agent,omitempty"`
	Capabilities   []proto.Capability `json:"capabilities"`
	Files          []string           `json:"files,omitempty"`
	Deadline       time.Duration      `json:"deadline,omitempty"`
}

// AssignTask creates a task, assigns it to the best capable agent, and
// starts execution. The task record survives assignment failure in
// pending state so it can be retried with StartExistingTask.
func (c *Coordinator) AssignTask(ctx context.Context, sessionID string, spec TaskSpec) (session.TaskView, error) {
	view, err := c.sessions.CreateTask(sessionID, spec.Description, spec.Capabilities, spec.Files, spec.Deadline)
	if err != nil {
		return session.TaskView{}, err
	}
	started, err := c.startTask(ctx, sessionID, view.ID, spec.PreferredAgent)
	if err != nil {
		// The pending task record survives; hand its view back so the
		// caller can retry with StartExistingTask.
		if current, lookupErr := c.sessions.GetTask(sessionID, view.ID); lookupErr == nil {
			return current, err
		}
		return view, err
	}
	return started, nil
}

// StartExistingTask assigns and starts a task left pending by an earlier
// failed assignment or a lock-conflict rollback.
func (c *Coordinator) StartExistingTask(ctx context.Context, sessionID, taskID, preferredAgent string) (session.TaskView, error) {
	return c.startTask(ctx, sessionID, taskID, preferredAgent)
}

func (c *Coordinator) startTask(ctx context.Context, sessionID, taskID, preferredAgent string) (session.TaskView, error) {
	view, err := c.sessions.AssignTask(sessionID, taskID, preferredAgent)
	if err != nil {
		return view, err
	}
	return c.sessions.StartTask(ctx, sessionID, taskID)
}

// CancelTask cancels a task per the lifecycle rules.
func (c *Coordinator) CancelTask(sessionID, taskID string) (session.TaskView, error) {
	return c.sessions.CancelTask(sessionID, taskID)
}

// GetTask returns one task view.
func (c *Coordinator) GetTask(sessionID, taskID string) (session.TaskView, error) {
	return c.sessions.GetTask(sessionID, taskID)
}

// GetSession returns one session view.
func (c *Coordinator) GetSession(sessionID string) (session.SessionView, error) {
	return c.sessions.GetSession(sessionID)
}

// ListSessions returns views of every live session.
func (c *Coordinator) ListSessions() []session.SessionView {
	return c.sessions.ListSessions()
}

// ListTasks returns a session's tasks in creation order.
func (c *Coordinator) ListTasks(sessionID string) ([]session.TaskView, error) {
	return c.sessions.ListTasks(sessionID)
}

// GetAgentStatus returns agent snapshots; empty id means all agents.
func (c *Coordinator) GetAgentStatus(agentID string) (map[string]pool.Snapshot, error) {
	return c.agents.Status(agentID)
}

// RunQualityGate runs the named checks over files, optionally auto-fixing.
func (c *Coordinator) RunQualityGate(ctx context.Context, files, checkNames []string, autoFix bool) (*gates.GateResult, error) {
	return c.gates.Run(ctx, files, checkNames, autoFix)
}

// ManageFileLock performs an explicit lock operation.
func (c *Coordinator) ManageFileLock(action session.LockAction, path, holder, reason string) (lockmgr.Status, error) {
	return c.sessions.ManageFileLock(action, path, holder, reason)
}

// SessionMetrics pairs a session's lifetime totals with one rolling window.
type SessionMetrics struct {
	Session metrics.SessionStats `json:"session"`
	Window  metrics.WindowStats  `json:"window"`
}

// GetSessionMetrics returns metrics for one session over a named window
// (1h, 6h, 24h, 7d, 30d). An empty window defaults to 24h; an empty session
// ID returns the global window stats with no per-session totals.
func (c *Coordinator) GetSessionMetrics(sessionID, window string) (SessionMetrics, error) {
	if window == "" {
		window = metrics.Window24h
	}
	if _, ok := metrics.WindowSpan(window); !ok {
		return SessionMetrics{}, coorderr.New(coorderr.KindInvalidConfiguration, "unknown metrics window %q", window)
	}
	if sessionID == "" {
		return SessionMetrics{Window: c.agg.WindowStatsFor(window, "")}, nil
	}
	if _, err := c.sessions.GetSession(sessionID); err != nil {
		return SessionMetrics{}, err
	}
	stats, _ := c.agg.SessionStatsFor(sessionID)
	return SessionMetrics{
		Session: stats,
		Window:  c.agg.WindowStatsFor(window, sessionID),
	}, nil
}

// MetricsSnapshot returns the full aggregator snapshot.
func (c *Coordinator) MetricsSnapshot() metrics.Snapshot {
	return c.agg.Snapshot()
}

// OptimizeTeam returns ranked recommendations for the agent pool.
func (c *Coordinator) OptimizeTeam(optType pool.OptimizeType, includeHistory bool) ([]pool.Recommendation, error) {
	return c.agents.Optimize(optType, includeHistory)
}

// GenerateReport renders one report.
func (c *Coordinator) GenerateReport(ctx context.Context, reportType report.Type, sessionID string, format report.Format) (string, error) {
	return c.reports.Generate(ctx, reportType, sessionID, format)
}

// RegisterAgent adds an agent to the pool at runtime.
func (c *Coordinator) RegisterAgent(id string, provider proto.Provider, capabilities []proto.Capability, maxLoad int) error {
	return c.agents.Register(id, provider, capabilities, maxLoad)
}

// SetAgentStatus updates an agent's availability.
func (c *Coordinator) SetAgentStatus(id string, status proto.AgentStatus) error {
	return c.agents.SetStatus(id, status)
}

// RegisterCheck adds a quality gate check at runtime.
func (c *Coordinator) RegisterCheck(check gates.Check) {
	c.gates.Register(check)
}

// sessionSource adapts the session manager to the report generator.
type sessionSource struct {
	mgr *session.Manager
}

func (s sessionSource) Overview(sessionID string) (report.SessionOverview, error) {
	view, err := s.mgr.GetSession(sessionID)
	if err != nil {
		return report.SessionOverview{}, err
	}
	return toOverview(view), nil
}

func (s sessionSource) Overviews() []report.SessionOverview {
	views := s.mgr.ListSessions()
	overviews := make([]report.SessionOverview, len(views))
	for i, v := range views {
		overviews[i] = toOverview(v)
	}
	return overviews
}

func toOverview(v session.SessionView) report.SessionOverview {
	return report.SessionOverview{
		CreatedAt:      v.CreatedAt,
		UpdatedAt:      v.UpdatedAt,
		ID:             v.ID,
		Name:           v.Name,
		Objective:      v.Objective,
		Priority:       v.Priority,
		Agents:         v.Agents,
		Status:         v.Status,
		TasksTotal:     v.TasksTotal,
		TasksActive:    v.TasksActive,
		TasksCompleted: v.TasksCompleted,
		TasksFailed:    v.TasksFailed,
		TasksCancelled: v.TasksCancelled,
	}
}
