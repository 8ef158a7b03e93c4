// Package gates implements the quality gate runner: a configurable set of
// named checks executed against a file set with bounded parallelism and a
// single, bounded auto-fix cycle per check.
package gates

import (
	"context"
	"sync"
	"time"

	"coordinator/pkg/config"
	"coordinator/pkg/coorderr"
	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Publisher delivers gate lifecycle events to subscribers.
type Publisher func(ev *proto.Event)

// Outcome is one validation pass of a check.
type Outcome struct {
	Message string
	Issues  int
	Passed  bool
}

// Check is a pluggable quality gate check. Run reports findings; a non-nil
// error means the check itself failed to execute (tool crash, I/O), which is
// distinct from the check finding issues.
type Check interface {
	Name() string
	Run(ctx context.Context, files []string) (Outcome, error)
	SupportsFix() bool
	Fix(ctx context.Context, files []string) error
}

// CheckResult is the final per-check record. Issues counts findings from the
// first validation pass; FixedIssues counts how many the fix pass resolved;
// Passed reflects the post-fix status.
type CheckResult struct {
	Name        string        `json:"name"`
	Message     string        `json:"message,omitempty"`
	Issues      int           `json:"issues"`
	FixedIssues int           `json:"fixed_issues"`
	Duration    time.Duration `json:"duration"`
	Passed      bool          `json:"passed"`
	Fixed       bool          `json:"fixed"`
}

// GateResult is the aggregate outcome of one runner invocation. Passed is
// the logical AND of every check's final status.
type GateResult struct {
	Checks        []CheckResult `json:"checks"`
	TotalIssues   int           `json:"total_issues"`
	FixedIssues   int           `json:"fixed_issues"`
	ExecutionTime time.Duration `json:"execution_time"`
	Passed        bool          `json:"passed"`
}

// Runner executes registered checks.
type Runner struct {
	registry    map[string]Check
	publish     Publisher
	logger      *logx.Logger
	parallelism int // 0 = one slot per requested check
	mu          sync.RWMutex
}

// NewRunner creates an empty runner.
func NewRunner(parallelism int, publish Publisher) *Runner {
	return &Runner{
		registry:    make(map[string]Check),
		publish:     publish,
		logger:      logx.NewLogger("gates"),
		parallelism: parallelism,
	}
}

// NewRunnerFromConfig creates a runner with the configured command checks
// registered.
func NewRunnerFromConfig(cfg config.GatesConfig, publish Publisher) *Runner {
	r := NewRunner(cfg.Parallelism, publish)
	for i := range cfg.Checks {
		r.Register(NewCommandCheck(&cfg.Checks[i]))
	}
	return r
}

// Register adds or replaces a check by name.
func (r *Runner) Register(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[check.Name()] = check
}

// Registered returns whether a check name is known.
func (r *Runner) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registry[name]
	return ok
}

// Run executes the requested checks against files. Checks run concurrently
// up to the configured parallelism; each check's failure or crash is
// isolated from its siblings, and a crash is recorded as a failed result
// carrying the execution error. With autoFix, a failing check that supports
// fixing gets exactly one fix-and-recheck cycle.
func (r *Runner) Run(ctx context.Context, files, checkNames []string, autoFix bool) (*GateResult, error) {
	if len(checkNames) == 0 {
		return nil, coorderr.New(coorderr.KindInvalidConfiguration, "at least one check is required")
	}

	start := time.Now()

	slots := r.parallelism
	if slots <= 0 {
		slots = len(checkNames)
	}
	sem := make(chan struct{}, slots)

	results := make([]CheckResult, len(checkNames))
	var wg sync.WaitGroup
	for i, name := range checkNames {
		wg.Add(1)
		go func(idx int, checkName string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = r.runOne(ctx, checkName, files, autoFix)
		}(i, name)
	}
	wg.Wait()

	gate := &GateResult{
		Checks:        results,
		Passed:        true,
		ExecutionTime: time.Since(start),
	}
	for i := range results {
		gate.TotalIssues += results[i].Issues
		gate.FixedIssues += results[i].FixedIssues
		if !results[i].Passed {
			gate.Passed = false
		}
	}

	r.logger.Info("Gate run: %d checks, passed=%t, issues=%d, fixed=%d, took %s",
		len(results), gate.Passed, gate.TotalIssues, gate.FixedIssues, gate.ExecutionTime)

	if r.publish != nil {
		r.publish(proto.NewEvent(proto.EventQualityGateRun).
			Set(proto.KeyPassed, gate.Passed).
			Set(proto.KeyTotalIssues, gate.TotalIssues).
			Set(proto.KeyFixedIssues, gate.FixedIssues).
			Set(proto.KeyDurationMs, gate.ExecutionTime.Milliseconds()))
	}
	return gate, nil
}

func (r *Runner) runOne(ctx context.Context, name string, files []string, autoFix bool) CheckResult {
	start := time.Now()

	r.mu.RLock()
	check, ok := r.registry[name]
	r.mu.RUnlock()

	if !ok {
		err := coorderr.New(coorderr.KindCheckExecutionError, "check %q is not registered", name)
		return CheckResult{
			Name:     name,
			Passed:   false,
			Message:  err.Error(),
			Issues:   1,
			Duration: time.Since(start),
		}
	}

	outcome, err := check.Run(ctx, files)
	if err != nil {
		// Execution failure: recorded as failed with the error message,
		// never retried, never aborting sibling checks.
		wrapped := coorderr.Wrap(coorderr.KindCheckExecutionError, err, "check %q crashed", name)
		r.logger.Warn("%s", wrapped.Error())
		return CheckResult{
			Name:     name,
			Passed:   false,
			Message:  wrapped.Error(),
			Issues:   1,
			Duration: time.Since(start),
		}
	}

	result := CheckResult{
		Name:    name,
		Passed:  outcome.Passed,
		Message: outcome.Message,
		Issues:  outcome.Issues,
	}

	if !outcome.Passed && autoFix && check.SupportsFix() {
		if fixErr := check.Fix(ctx, files); fixErr != nil {
			r.logger.Warn("Check %q fix pass failed: %v", name, fixErr)
		} else if revalidated, reErr := check.Run(ctx, files); reErr != nil {
			r.logger.Warn("Check %q re-validation crashed: %v", name, reErr)
		} else {
			// One fix cycle only; whatever the re-validation says is final.
			result.Fixed = true
			result.Passed = revalidated.Passed
			result.Message = revalidated.Message
			if fixed := outcome.Issues - revalidated.Issues; fixed > 0 {
				result.FixedIssues = fixed
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}
