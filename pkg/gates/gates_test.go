package gates

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/proto"
)

// fakeCheck is a scriptable check: each Run pops the next outcome.
type fakeCheck struct {
	name     string
	outcomes []Outcome
	runErr   error
	fixErr   error
	fixable  bool
	mu       sync.Mutex
	runs     int
	fixes    int
}

func (f *fakeCheck) Name() string { return f.name }

func (f *fakeCheck) Run(_ context.Context, _ []string) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return Outcome{}, f.runErr
	}
	idx := f.runs
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.runs++
	return f.outcomes[idx], nil
}

func (f *fakeCheck) SupportsFix() bool { return f.fixable }

func (f *fakeCheck) Fix(_ context.Context, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes++
	return f.fixErr
}

func TestRunAllPassing(t *testing.T) {
	r := NewRunner(0, nil)
	r.Register(&fakeCheck{name: "typescript", outcomes: []Outcome{{Passed: true}}})
	r.Register(&fakeCheck{name: "eslint", outcomes: []Outcome{{Passed: true}}})

	result, err := r.Run(context.Background(), []string{"a.ts"}, []string{"typescript", "eslint"}, false)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Len(t, result.Checks, 2)
	assert.Zero(t, result.TotalIssues)
}

func TestRunRequiresChecks(t *testing.T) {
	r := NewRunner(0, nil)
	_, err := r.Run(context.Background(), nil, nil, false)
	assert.Error(t, err)
}

func TestPassedIsANDOfChecks(t *testing.T) {
	r := NewRunner(0, nil)
	r.Register(&fakeCheck{name: "good", outcomes: []Outcome{{Passed: true}}})
	r.Register(&fakeCheck{name: "bad", outcomes: []Outcome{{Passed: false, Issues: 2}}})

	result, err := r.Run(context.Background(), nil, []string{"good", "bad"}, false)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, 2, result.TotalIssues)

	// Results come back in request order.
	assert.Equal(t, "good", result.Checks[0].Name)
	assert.Equal(t, "bad", result.Checks[1].Name)
}

func TestAutoFixResolvesAllIssues(t *testing.T) {
	// Three fixable findings; after the fix pass the re-validation is clean.
	eslint := &fakeCheck{
		name:    "eslint",
		fixable: true,
		outcomes: []Outcome{
			{Passed: false, Issues: 3, Message: "3 problems"},
			{Passed: true, Issues: 0},
		},
	}
	r := NewRunner(0, nil)
	r.Register(eslint)

	result, err := r.Run(context.Background(), []string{"a.ts"}, []string{"eslint"}, true)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 3, result.TotalIssues, "issues report the first pass")
	assert.Equal(t, 3, result.FixedIssues)
	assert.True(t, result.Checks[0].Fixed)
	assert.Equal(t, 1, eslint.fixes)
	assert.Equal(t, 2, eslint.runs, "exactly one fix-and-recheck cycle")
}

func TestAutoFixPartial(t *testing.T) {
	check := &fakeCheck{
		name:    "lint",
		fixable: true,
		outcomes: []Outcome{
			{Passed: false, Issues: 5},
			{Passed: false, Issues: 2},
		},
	}
	r := NewRunner(0, nil)
	r.Register(check)

	result, err := r.Run(context.Background(), nil, []string{"lint"}, true)
	require.NoError(t, err)
	assert.False(t, result.Passed, "remaining issues still fail the gate")
	assert.Equal(t, 5, result.TotalIssues)
	assert.Equal(t, 3, result.FixedIssues)
}

func TestAutoFixSkippedWhenUnsupported(t *testing.T) {
	check := &fakeCheck{name: "security", outcomes: []Outcome{{Passed: false, Issues: 1}}}
	r := NewRunner(0, nil)
	r.Register(check)

	result, err := r.Run(context.Background(), nil, []string{"security"}, true)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Zero(t, check.fixes)
	assert.Equal(t, 1, check.runs)
}

func TestCheckCrashIsIsolated(t *testing.T) {
	r := NewRunner(0, nil)
	r.Register(&fakeCheck{name: "crashy", runErr: errors.New("tool not found")})
	r.Register(&fakeCheck{name: "healthy", outcomes: []Outcome{{Passed: true}}})

	result, err := r.Run(context.Background(), nil, []string{"crashy", "healthy"}, false)
	require.NoError(t, err, "a crashing check must not abort the gate run")
	assert.False(t, result.Passed)
	assert.False(t, result.Checks[0].Passed)
	assert.Contains(t, result.Checks[0].Message, "tool not found")
	assert.True(t, result.Checks[1].Passed)
}

func TestUnregisteredCheckFails(t *testing.T) {
	r := NewRunner(0, nil)
	result, err := r.Run(context.Background(), nil, []string{"nonexistent"}, false)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Checks[0].Message, "not registered")
}

func TestGateEventPublished(t *testing.T) {
	var mu sync.Mutex
	var events []*proto.Event
	r := NewRunner(0, func(ev *proto.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	r.Register(&fakeCheck{name: "lint", outcomes: []Outcome{{Passed: false, Issues: 4}}})

	_, err := r.Run(context.Background(), nil, []string{"lint"}, false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventQualityGateRun, events[0].Type)
	passed, ok := events[0].GetBool(proto.KeyPassed)
	require.True(t, ok)
	assert.False(t, passed)
	issues, ok := events[0].GetFloat(proto.KeyTotalIssues)
	require.True(t, ok)
	assert.InDelta(t, 4, issues, 0.001)
}

func TestParallelismBound(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	mk := func(name string) *fakeCheck {
		return &fakeCheck{name: name, outcomes: []Outcome{{Passed: true}}}
	}
	r := NewRunner(2, nil)
	for _, name := range []string{"a", "b", "c", "d"} {
		c := mk(name)
		r.Register(&concurrencyProbe{inner: c, mu: &mu, active: &active, peak: &peak})
	}

	result, err := r.Run(context.Background(), nil, []string{"a", "b", "c", "d"}, false)
	require.NoError(t, err)
	assert.True(t, result.Passed)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

type concurrencyProbe struct {
	inner  *fakeCheck
	mu     *sync.Mutex
	active *int
	peak   *int
}

func (c *concurrencyProbe) Name() string { return c.inner.Name() }

func (c *concurrencyProbe) Run(ctx context.Context, files []string) (Outcome, error) {
	c.mu.Lock()
	*c.active++
	if *c.active > *c.peak {
		*c.peak = *c.active
	}
	c.mu.Unlock()

	out, err := c.inner.Run(ctx, files)

	c.mu.Lock()
	*c.active--
	c.mu.Unlock()
	return out, err
}

func (c *concurrencyProbe) SupportsFix() bool { return c.inner.SupportsFix() }

func (c *concurrencyProbe) Fix(ctx context.Context, files []string) error {
	return c.inner.Fix(ctx, files)
}
