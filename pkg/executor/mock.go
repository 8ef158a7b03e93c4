package executor

import (
	"context"
	"sync"
	"time"
)

// MockExecutor is a scriptable executor for tests and demos. Each Execute
// call pops the next scripted outcome; when the script is exhausted it
// returns the default outcome (instant success).
type MockExecutor struct {
	script  []MockOutcome
	calls   []Request
	mu      sync.Mutex
	nextIdx int
}

// MockOutcome scripts one Execute call.
type MockOutcome struct {
	Result *Result
	Err    error
	Delay  time.Duration
}

// NewMockExecutor creates an empty mock. Use Script to enqueue outcomes.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Script appends outcomes to be returned in order.
func (m *MockExecutor) Script(outcomes ...MockOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, outcomes...)
}

// Execute implements Executor. Delay is interruptible by ctx.
func (m *MockExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, *req)
	outcome := MockOutcome{Result: &Result{Duration: time.Millisecond}}
	if m.nextIdx < len(m.script) {
		outcome = m.script[m.nextIdx]
		m.nextIdx++
	}
	m.mu.Unlock()

	if outcome.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(outcome.Delay):
		}
	}
	return outcome.Result, outcome.Err
}

// Calls returns a copy of every request seen so far.
func (m *MockExecutor) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
