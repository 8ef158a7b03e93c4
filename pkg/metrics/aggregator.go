// Package metrics aggregates coordination events into rolling-window
// statistics and exports them to Prometheus.
package metrics

import (
	"sort"
	"sync"
	"time"

	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Window names accepted by Snapshot and GetSessionMetrics range filters.
const (
	Window1h  = "1h"
	Window6h  = "6h"
	Window24h = "24h"
	Window7d  = "7d"
	Window30d = "30d"
)

// windowDurations orders the supported windows from narrowest to widest.
// Samples older than the widest window are pruned.
var windowDurations = []struct {
	Name string
	Span time.Duration
}{
	{Window1h, time.Hour},
	{Window6h, 6 * time.Hour},
	{Window24h, 24 * time.Hour},
	{Window7d, 7 * 24 * time.Hour},
	{Window30d, 30 * 24 * time.Hour},
}

// WindowSpan resolves a window name, returning false for unknown names.
func WindowSpan(name string) (time.Duration, bool) {
	for _, w := range windowDurations {
		if w.Name == name {
			return w.Span, true
		}
	}
	return 0, false
}

// sample is one event reduced to the fields the windows aggregate over.
type sample struct {
	at        time.Time
	eventType proto.EventType
	sessionID string
	agentID   string
	duration  time.Duration
	tokens    int64
	costUSD   float64
	passed    bool
}

// WindowStats summarizes activity inside one rolling window.
type WindowStats struct {
	Window          string        `json:"window"`
	TasksCompleted  int64         `json:"tasks_completed"`
	TasksFailed     int64         `json:"tasks_failed"`
	TasksCancelled  int64         `json:"tasks_cancelled"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	GateRuns        int64         `json:"gate_runs"`
	GatesPassed     int64         `json:"gates_passed"`
	LockConflicts   int64         `json:"lock_conflicts"`
	Tokens          int64         `json:"tokens"`
	CostUSD         float64       `json:"cost_usd"`
}

// AgentStats accumulates lifetime totals for one agent.
type AgentStats struct {
	AgentID         string        `json:"agent_id"`
	TasksCompleted  int64         `json:"tasks_completed"`
	TasksFailed     int64         `json:"tasks_failed"`
	Tokens          int64         `json:"tokens"`
	CostUSD         float64       `json:"cost_usd"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// SessionStats accumulates lifetime totals for one session.
type SessionStats struct {
	SessionID      string  `json:"session_id"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	TasksCancelled int64   `json:"tasks_cancelled"`
	GateRuns       int64   `json:"gate_runs"`
	GatesPassed    int64   `json:"gates_passed"`
	LockConflicts  int64   `json:"lock_conflicts"`
	Tokens         int64   `json:"tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

// Snapshot is a point-in-time copy of everything the aggregator knows.
type Snapshot struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	Windows          map[string]WindowStats  `json:"windows"`
	Agents           map[string]AgentStats   `json:"agents"`
	Sessions         map[string]SessionStats `json:"sessions"`
	EWMAResponseTime time.Duration           `json:"ewma_response_time"`
	TotalEvents      int64                   `json:"total_events"`
}

type agentTotals struct {
	completed     int64
	failed        int64
	tokens        int64
	costUSD       float64
	responseSum   time.Duration
	responseCount int64
}

type sessionTotals struct {
	completed     int64
	failed        int64
	cancelled     int64
	gateRuns      int64
	gatesPassed   int64
	lockConflicts int64
	tokens        int64
	costUSD       float64
}

// Aggregator consumes coordination events and maintains rolling-window
// and lifetime statistics. All methods are safe for concurrent use.
type Aggregator struct {
	samples  []sample
	agents   map[string]*agentTotals
	sessions map[string]*sessionTotals
	recorder *PrometheusRecorder
	logger   *logx.Logger
	ewma     time.Duration
	alpha    float64
	total    int64
	mu       sync.Mutex
}

// NewAggregator creates an aggregator. The recorder is optional; pass nil
// to skip Prometheus export. Alpha is the EWMA smoothing factor.
func NewAggregator(recorder *PrometheusRecorder, alpha float64) *Aggregator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Aggregator{
		agents:   make(map[string]*agentTotals),
		sessions: make(map[string]*sessionTotals),
		recorder: recorder,
		logger:   logx.NewLogger("metrics"),
		alpha:    alpha,
	}
}

// Handle ingests one event. It satisfies bus.Subscriber.
func (a *Aggregator) Handle(ev *proto.Event) {
	if ev == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.prune(proto.Now())

	switch ev.Type {
	case proto.EventTaskCompleted, proto.EventTaskFailed:
		a.ingestTerminalTask(ev)
	case proto.EventTaskCancelled:
		a.appendSample(ev, sample{eventType: ev.Type})
		a.sessionFor(ev.SessionID).cancelled++
	case proto.EventQualityGateRun:
		passed, _ := ev.GetBool(proto.KeyPassed)
		a.appendSample(ev, sample{eventType: ev.Type, passed: passed})
		sess := a.sessionFor(ev.SessionID)
		sess.gateRuns++
		if passed {
			sess.gatesPassed++
		}
		if a.recorder != nil {
			a.recorder.ObserveGateRun(ev.SessionID, passed)
		}
	case proto.EventLockConflict:
		a.appendSample(ev, sample{eventType: ev.Type})
		a.sessionFor(ev.SessionID).lockConflicts++
		if a.recorder != nil {
			a.recorder.IncLockConflict(ev.SessionID)
		}
	default:
		// Lifecycle events not aggregated into windows still count
		// toward the total for queue-health visibility.
	}
}

func (a *Aggregator) ingestTerminalTask(ev *proto.Event) {
	durationMs, _ := ev.GetFloat(proto.KeyDurationMs)
	tokensF, _ := ev.GetFloat(proto.KeyTokens)
	cost, _ := ev.GetFloat(proto.KeyCostUSD)
	duration := time.Duration(durationMs) * time.Millisecond
	tokens := int64(tokensF)

	a.appendSample(ev, sample{
		eventType: ev.Type,
		duration:  duration,
		tokens:    tokens,
		costUSD:   cost,
	})

	ag := a.agentFor(ev.AgentID)
	sess := a.sessionFor(ev.SessionID)
	status := "completed"
	if ev.Type == proto.EventTaskCompleted {
		ag.completed++
		sess.completed++
	} else {
		status = "failed"
		ag.failed++
		sess.failed++
	}
	ag.tokens += tokens
	ag.costUSD += cost
	sess.tokens += tokens
	sess.costUSD += cost
	if duration > 0 {
		ag.responseSum += duration
		ag.responseCount++
		if a.ewma == 0 {
			a.ewma = duration
		} else {
			a.ewma = time.Duration(a.alpha*float64(duration) + (1-a.alpha)*float64(a.ewma))
		}
	}

	if a.recorder != nil {
		a.recorder.ObserveTask(ev.SessionID, ev.AgentID, status, tokens, cost, duration)
	}
}

func (a *Aggregator) appendSample(ev *proto.Event, s sample) {
	s.at = ev.Timestamp
	if s.at.IsZero() {
		s.at = proto.Now()
	}
	s.sessionID = ev.SessionID
	s.agentID = ev.AgentID
	a.samples = append(a.samples, s)
}

// prune drops samples older than the widest window. Samples arrive in
// near-chronological order, so a sorted cut keeps this cheap.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-windowDurations[len(windowDurations)-1].Span)
	idx := sort.Search(len(a.samples), func(i int) bool {
		return a.samples[i].at.After(cutoff)
	})
	if idx > 0 {
		a.samples = append([]sample(nil), a.samples[idx:]...)
	}
}

func (a *Aggregator) agentFor(id string) *agentTotals {
	t, ok := a.agents[id]
	if !ok {
		t = &agentTotals{}
		a.agents[id] = t
	}
	return t
}

func (a *Aggregator) sessionFor(id string) *sessionTotals {
	t, ok := a.sessions[id]
	if !ok {
		t = &sessionTotals{}
		a.sessions[id] = t
	}
	return t
}

// Snapshot returns a copy of all windows and lifetime totals.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := proto.Now()
	snap := Snapshot{
		GeneratedAt:      now,
		Windows:          make(map[string]WindowStats, len(windowDurations)),
		Agents:           make(map[string]AgentStats, len(a.agents)),
		Sessions:         make(map[string]SessionStats, len(a.sessions)),
		EWMAResponseTime: a.ewma,
		TotalEvents:      a.total,
	}

	for _, w := range windowDurations {
		snap.Windows[w.Name] = a.windowStats(w.Name, now.Add(-w.Span), "")
	}
	for id, t := range a.agents {
		stats := AgentStats{
			AgentID:        id,
			TasksCompleted: t.completed,
			TasksFailed:    t.failed,
			Tokens:         t.tokens,
			CostUSD:        t.costUSD,
		}
		if t.responseCount > 0 {
			stats.AvgResponseTime = t.responseSum / time.Duration(t.responseCount)
		}
		snap.Agents[id] = stats
	}
	for id, t := range a.sessions {
		snap.Sessions[id] = SessionStats{
			SessionID:      id,
			TasksCompleted: t.completed,
			TasksFailed:    t.failed,
			TasksCancelled: t.cancelled,
			GateRuns:       t.gateRuns,
			GatesPassed:    t.gatesPassed,
			LockConflicts:  t.lockConflicts,
			Tokens:         t.tokens,
			CostUSD:        t.costUSD,
		}
	}
	return snap
}

// WindowStatsFor computes one window, optionally filtered to a session.
// Unknown window names yield a zero-valued result named after the input.
func (a *Aggregator) WindowStatsFor(window, sessionID string) WindowStats {
	span, ok := WindowSpan(window)
	if !ok {
		return WindowStats{Window: window}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStats(window, proto.Now().Add(-span), sessionID)
}

// SessionStatsFor returns lifetime totals for one session and whether the
// session has produced any aggregated events.
func (a *Aggregator) SessionStatsFor(sessionID string) (SessionStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.sessions[sessionID]
	if !ok {
		return SessionStats{SessionID: sessionID}, false
	}
	return SessionStats{
		SessionID:      sessionID,
		TasksCompleted: t.completed,
		TasksFailed:    t.failed,
		TasksCancelled: t.cancelled,
		GateRuns:       t.gateRuns,
		GatesPassed:    t.gatesPassed,
		LockConflicts:  t.lockConflicts,
		Tokens:         t.tokens,
		CostUSD:        t.costUSD,
	}, true
}

// windowStats assumes the caller holds the mutex.
func (a *Aggregator) windowStats(name string, cutoff time.Time, sessionID string) WindowStats {
	stats := WindowStats{Window: name}
	var durationSum time.Duration
	var durationCount int64

	for i := range a.samples {
		s := &a.samples[i]
		if !s.at.After(cutoff) {
			continue
		}
		if sessionID != "" && s.sessionID != sessionID {
			continue
		}
		switch s.eventType {
		case proto.EventTaskCompleted:
			stats.TasksCompleted++
			stats.Tokens += s.tokens
			stats.CostUSD += s.costUSD
			if s.duration > 0 {
				durationSum += s.duration
				durationCount++
			}
		case proto.EventTaskFailed:
			stats.TasksFailed++
			stats.Tokens += s.tokens
			stats.CostUSD += s.costUSD
			if s.duration > 0 {
				durationSum += s.duration
				durationCount++
			}
		case proto.EventTaskCancelled:
			stats.TasksCancelled++
		case proto.EventQualityGateRun:
			stats.GateRuns++
			if s.passed {
				stats.GatesPassed++
			}
		case proto.EventLockConflict:
			stats.LockConflicts++
		}
	}

	if terminal := stats.TasksCompleted + stats.TasksFailed; terminal > 0 {
		stats.SuccessRate = float64(stats.TasksCompleted) / float64(terminal)
	}
	if durationCount > 0 {
		stats.AvgResponseTime = durationSum / time.Duration(durationCount)
	}
	return stats
}
