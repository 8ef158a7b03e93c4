// Package executor defines the boundary between the coordination core and
// whatever actually performs task work. The core never runs model inference
// itself; it hands an assigned task to an Executor and consumes the result.
package executor

import (
	"context"
	"time"

	"coordinator/pkg/proto"
)

// Request carries everything an executor needs to perform one task.
type Request struct {
	SessionID    string             `json:"session_id"`
	TaskID       string             `json:"task_id"`
	AgentID      string             `json:"agent_id"`
	Provider     proto.Provider     `json:"provider"`
	Description  string             `json:"description"`
	Capabilities []proto.Capability `json:"capabilities"`
	Files        []string           `json:"files"`
}

// Result is the outcome of one task execution. Err of nil means success.
type Result struct {
	Err      error         `json:"-"`
	Diff     string        `json:"diff,omitempty"`
	Tokens   int64         `json:"tokens"`
	CostUSD  float64       `json:"cost_usd"`
	Duration time.Duration `json:"duration"`
}

// Executor performs task work. Execute blocks until the task finishes or
// ctx is cancelled; implementations must honor ctx and return promptly
// after cancellation. The returned error reports executor-level failures
// (transport, crash); task-level failures travel in Result.Err.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req *Request) (*Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}
