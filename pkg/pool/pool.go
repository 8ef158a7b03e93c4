// Package pool implements the agent pool: capability and load tracking,
// performance history, and the task assignment algorithm. All agent state is
// owned by the pool and mutated only under its table mutex.
package pool

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"coordinator/pkg/config"
	"coordinator/pkg/coorderr"
	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Requirements describes what a task needs from an agent.
type Requirements struct {
	Capabilities   []proto.Capability // all must be covered by the agent
	PreferredAgent string             // honored when capable, online, and under capacity
	AllowedAgents  []string           // non-empty restricts candidates to these IDs
	Description    string             // free-form, echoed in reasoning
}

// allows reports whether id is eligible under the member restriction. An
// empty AllowedAgents set admits every agent.
func (r Requirements) allows(id string) bool {
	if len(r.AllowedAgents) == 0 {
		return true
	}
	return slices.Contains(r.AllowedAgents, id)
}

// Assignment is the result of a successful pool assignment. The chosen
// agent's load has already been incremented when an Assignment is returned.
type Assignment struct {
	AgentID       string         `json:"agent_id"`
	Provider      proto.Provider `json:"provider"`
	Reasoning     string         `json:"reasoning"`
	Score         float64        `json:"score"`
	EstimatedTime time.Duration  `json:"estimated_time"`
}

// Snapshot is a read-only copy of one agent's state.
type Snapshot struct {
	LastCompleted   time.Time          `json:"last_completed,omitzero"`
	RegisteredAt    time.Time          `json:"registered_at"`
	ID              string             `json:"id"`
	Provider        proto.Provider     `json:"provider"`
	Status          proto.AgentStatus  `json:"status"`
	Capabilities    []proto.Capability `json:"capabilities"`
	Load            int                `json:"load"`
	MaxLoad         int                `json:"max_load"`
	CompletedTasks  int64              `json:"completed_tasks"`
	FailedTasks     int64              `json:"failed_tasks"`
	SuccessRate     float64            `json:"success_rate"`
	AvgResponseTime time.Duration      `json:"avg_response_time"`
	TotalTokens     int64              `json:"total_tokens"`
	TotalCostUSD    float64            `json:"total_cost_usd"`
}

type agentRecord struct {
	lastCompleted  time.Time
	registeredAt   time.Time
	id             string
	provider       proto.Provider
	status         proto.AgentStatus
	capabilities   map[proto.Capability]bool
	seq            int // registration order, tie-break of last resort
	load           int
	maxLoad        int
	completedTasks int64
	failedTasks    int64
	successRate    float64 // EWMA, starts optimistic at 1.0
	avgResponse    time.Duration
	totalTokens    int64
	totalCostUSD   float64
	hasHistory     bool
}

// Pool owns the agent table.
type Pool struct {
	agents  map[string]*agentRecord
	logger  *logx.Logger
	weights config.AssignmentConfig
	alpha   float64 // EWMA smoothing for perf history
	nextSeq int
	mu      sync.Mutex
}

// New creates an empty pool with the given scoring weights.
func New(weights config.AssignmentConfig, ewmaAlpha float64) *Pool {
	if ewmaAlpha <= 0 || ewmaAlpha > 1 {
		ewmaAlpha = 0.2
	}
	return &Pool{
		agents:  make(map[string]*agentRecord),
		logger:  logx.NewLogger("pool"),
		weights: weights,
		alpha:   ewmaAlpha,
	}
}

// NewFromConfig creates a pool pre-populated with the configured agents.
func NewFromConfig(cfg config.Config) (*Pool, error) {
	p := New(cfg.Assignment, cfg.Metrics.EWMAAlpha)
	for i := range cfg.Agents {
		ac := &cfg.Agents[i]
		caps := make([]proto.Capability, 0, len(ac.Capabilities))
		for _, c := range ac.Capabilities {
			cap, err := proto.ParseCapability(c)
			if err != nil {
				return nil, err
			}
			caps = append(caps, cap)
		}
		if err := p.Register(ac.ID, proto.Provider(ac.Provider), caps, ac.MaxLoad); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register adds an agent to the pool. Registration order is remembered for
// deterministic tie-breaking.
func (p *Pool) Register(id string, provider proto.Provider, capabilities []proto.Capability, maxLoad int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[id]; exists {
		return coorderr.New(coorderr.KindInvalidConfiguration, "agent %q already registered", id)
	}

	caps := make(map[proto.Capability]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	p.agents[id] = &agentRecord{
		id:           id,
		provider:     provider,
		status:       proto.AgentIdle,
		capabilities: caps,
		seq:          p.nextSeq,
		maxLoad:      maxLoad,
		successRate:  1.0,
		registeredAt: time.Now().UTC(),
	}
	p.nextSeq++

	p.logger.Info("Registered agent %s (provider=%s, capabilities=%d)", id, provider, len(caps))
	return nil
}

// Deregister removes an agent from the pool.
func (p *Pool) Deregister(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[id]; !exists {
		return coorderr.New(coorderr.KindAgentOffline, "agent %q not registered", id).
			WithContext("agent", id)
	}
	delete(p.agents, id)
	p.logger.Info("Deregistered agent %s", id)
	return nil
}

// SetStatus updates an agent's status. Load-derived busy/idle is recomputed
// on the next load change, so SetStatus is primarily for offline/error.
func (p *Pool) SetStatus(id string, status proto.AgentStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.agents[id]
	if !exists {
		return coorderr.New(coorderr.KindAgentOffline, "agent %q not registered", id)
	}
	rec.status = status
	return nil
}

func (r *agentRecord) covers(caps []proto.Capability) bool {
	for _, c := range caps {
		if !r.capabilities[c] {
			return false
		}
	}
	return true
}

// atCapacity reports whether the agent has reached its concurrent task
// limit. A maxLoad of zero means unlimited.
func (r *agentRecord) atCapacity() bool {
	return r.maxLoad > 0 && r.load >= r.maxLoad
}

func (p *Pool) score(r *agentRecord, now time.Time) float64 {
	penalty := p.weights.LoadPenaltyPerTask * float64(r.load)
	if cap := p.weights.LoadPenaltyCap; cap > 0 && penalty > cap {
		penalty = cap
	}

	bonus := 0.0
	window := config.Duration(p.weights.RecencyWindow, 10*time.Minute)
	if !r.lastCompleted.IsZero() && window > 0 {
		elapsed := now.Sub(r.lastCompleted)
		if elapsed < window {
			bonus = p.weights.RecencyBonus * (1 - float64(elapsed)/float64(window))
		}
	}

	return r.successRate - penalty + bonus
}

// Assign picks the best capable agent for req and atomically increments its
// load. Scoring and the load increment happen in one critical section so
// concurrent assignments cannot overcommit an agent.
func (p *Pool) Assign(req Requirements) (*Assignment, error) {
	if len(req.Capabilities) == 0 {
		return nil, coorderr.New(coorderr.KindInvalidConfiguration, "assignment requires at least one capability")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()

	// Preference is honored when the named agent is capable and online. A
	// preferred agent at capacity falls through to normal scoring instead of
	// failing the assignment.
	if req.PreferredAgent != "" && req.allows(req.PreferredAgent) {
		if rec, ok := p.agents[req.PreferredAgent]; ok && rec.covers(req.Capabilities) {
			if rec.status == proto.AgentOffline {
				return nil, coorderr.New(coorderr.KindAgentOffline, "preferred agent %q is offline", req.PreferredAgent).
					WithContext("agent", req.PreferredAgent)
			}
			if !rec.atCapacity() {
				return p.commit(rec, req, fmt.Sprintf("preferred agent %s requested and capable", rec.id), now), nil
			}
		}
	}

	var (
		best      *agentRecord
		bestScore float64
		capable   int
		saturated int
	)
	for _, rec := range p.agents {
		if !req.allows(rec.id) {
			continue
		}
		if !rec.covers(req.Capabilities) {
			continue
		}
		capable++
		if rec.status == proto.AgentOffline {
			continue
		}
		if rec.atCapacity() {
			saturated++
			continue
		}
		score := p.score(rec, now)
		if best == nil || better(score, rec, bestScore, best) {
			best, bestScore = rec, score
		}
	}

	if best == nil {
		if saturated > 0 {
			return nil, coorderr.New(coorderr.KindAgentOffline, "all agents capable of %s are at max load", capList(req.Capabilities)).
				WithContext(proto.KeyCapability, capList(req.Capabilities))
		}
		if capable > 0 {
			return nil, coorderr.New(coorderr.KindAgentOffline, "all agents capable of %s are offline", capList(req.Capabilities)).
				WithContext(proto.KeyCapability, capList(req.Capabilities))
		}
		return nil, coorderr.New(coorderr.KindNoCapableAgent, "no agent covers capability %s", capList(req.Capabilities)).
			WithContext(proto.KeyCapability, capList(req.Capabilities))
	}

	reasoning := fmt.Sprintf("agent %s scored %.3f (success=%.2f, load=%d) for %s",
		best.id, bestScore, best.successRate, best.load, capList(req.Capabilities))
	return p.commit(best, req, reasoning, now), nil
}

// better applies the tie-break chain: higher score, then lower load, then
// registration order.
func better(score float64, rec *agentRecord, bestScore float64, best *agentRecord) bool {
	if score != bestScore {
		return score > bestScore
	}
	if rec.load != best.load {
		return rec.load < best.load
	}
	return rec.seq < best.seq
}

// commit increments load and derives the assignment. Callers hold p.mu.
func (p *Pool) commit(rec *agentRecord, req Requirements, reasoning string, now time.Time) *Assignment {
	rec.load++
	if rec.status == proto.AgentIdle {
		rec.status = proto.AgentBusy
	}

	eta := rec.avgResponse
	if eta == 0 {
		eta = time.Minute // no history yet; a neutral default
	}
	// Queued work behind this assignment stretches the estimate.
	eta *= time.Duration(rec.load)

	p.logger.Debug("Assigned %s: %s", rec.id, reasoning)
	return &Assignment{
		AgentID:       rec.id,
		Provider:      rec.provider,
		Reasoning:     reasoning,
		Score:         p.score(rec, now),
		EstimatedTime: eta,
	}
}

func capList(caps []proto.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ReleaseLoad decrements an agent's load on task terminal states. Releasing
// an agent already at zero load is a silent no-op.
func (p *Pool) ReleaseLoad(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.agents[id]
	if !exists || rec.load == 0 {
		return
	}
	rec.load--
	if rec.load == 0 && rec.status == proto.AgentBusy {
		rec.status = proto.AgentIdle
	}
}

// RecordResult folds one task outcome into the agent's performance history.
func (p *Pool) RecordResult(id string, success bool, duration time.Duration, tokens int64, costUSD float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.agents[id]
	if !exists {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		rec.completedTasks++
		rec.lastCompleted = time.Now().UTC()
	} else {
		rec.failedTasks++
	}

	if !rec.hasHistory {
		rec.successRate = outcome
		rec.avgResponse = duration
		rec.hasHistory = true
	} else {
		rec.successRate = p.alpha*outcome + (1-p.alpha)*rec.successRate
		rec.avgResponse = time.Duration(p.alpha*float64(duration) + (1-p.alpha)*float64(rec.avgResponse))
	}

	rec.totalTokens += tokens
	rec.totalCostUSD += costUSD
}

// Status returns read-only snapshots, either for one agent or for the whole
// pool when id is empty. Status never blocks behind an in-flight assignment
// longer than the table mutex hold.
func (p *Pool) Status(id string) (map[string]Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[string]Snapshot)
	if id != "" {
		rec, exists := p.agents[id]
		if !exists {
			return nil, coorderr.New(coorderr.KindAgentOffline, "agent %q not registered", id)
		}
		result[id] = rec.snapshot()
		return result, nil
	}

	for agentID, rec := range p.agents {
		result[agentID] = rec.snapshot()
	}
	return result, nil
}

func (r *agentRecord) snapshot() Snapshot {
	caps := make([]proto.Capability, 0, len(r.capabilities))
	for c := range r.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	return Snapshot{
		ID:              r.id,
		Provider:        r.provider,
		Status:          r.status,
		Capabilities:    caps,
		Load:            r.load,
		MaxLoad:         r.maxLoad,
		CompletedTasks:  r.completedTasks,
		FailedTasks:     r.failedTasks,
		SuccessRate:     r.successRate,
		AvgResponseTime: r.avgResponse,
		TotalTokens:     r.totalTokens,
		TotalCostUSD:    r.totalCostUSD,
		LastCompleted:   r.lastCompleted,
		RegisteredAt:    r.registeredAt,
	}
}
