package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ccbridge/control-plane/internal/bridgeerr"
	"github.com/ccbridge/control-plane/resilience"
)

// ErrNoPlanMatches is returned when no registered plan's predicate
// matches the given error.
var ErrNoPlanMatches = errors.New("recovery: no plan matches the error")

// ErrConcurrencyLimit is the reason string used in Result.Reason when
// the active-execution cap is reached; Execute never blocks for a slot.
const ErrConcurrencyLimit = "concurrent_limit"

// StepState is the lifecycle of one step within an Execution.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepResult records one step's final state within an Execution.
type StepResult struct {
	Strategy bridgeerr.Strategy
	State    StepState
	Attempts int
	Err      error
}

// Status is the terminal or in-flight state of an Execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Execution is one run of a Plan against one error.
type Execution struct {
	ID       string
	PlanID   string
	Status   Status
	Steps    []StepResult
	StartedAt time.Time
	EndedAt   time.Time
}

// Result is what Execute returns to the caller, including the
// non-blocking rejection path when the concurrency cap is reached.
type Result struct {
	Execution Execution
	Rejected  bool
	Reason    string
}

// Orchestrator maintains a plan registry and a bounded set of active
// executions.
type Orchestrator struct {
	mu       sync.RWMutex
	plans    []Plan
	handlers HandlerSet
	sem      *semaphore.Weighted

	onOutcome func(strategy bridgeerr.Strategy, succeeded bool)
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithOutcomeRecorder registers a callback invoked after every step
// attempt, letting the classifier's Stats.RecordOutcome stay in sync with
// recovery results so the smoothed per-strategy success rate reflects
// what actually happened in production.
func WithOutcomeRecorder(fn func(strategy bridgeerr.Strategy, succeeded bool)) Option {
	return func(o *Orchestrator) { o.onOutcome = fn }
}

// New creates an Orchestrator with the given concurrency cap K and
// strategy handlers.
func New(maxConcurrent int64, handlers HandlerSet, opts ...Option) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	o := &Orchestrator{
		handlers: handlers,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterPlan adds a plan to the registry.
func (o *Orchestrator) RegisterPlan(p Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, p)
}

// Plans returns a snapshot of the registered plans.
func (o *Orchestrator) Plans() []Plan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Plan, len(o.plans))
	copy(out, o.plans)
	return out
}

// selectPlan picks the best-matching plan: predicate match, tie-break by
// priority then specificity.
func (o *Orchestrator) selectPlan(err *bridgeerr.Error) (Plan, bool) {
	o.mu.RLock()
	candidates := make([]Plan, 0, len(o.plans))
	for _, p := range o.plans {
		if p.Predicate != nil && p.Predicate(err) {
			candidates = append(candidates, p)
		}
	}
	o.mu.RUnlock()

	if len(candidates) == 0 {
		return Plan{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].specificity() > candidates[j].specificity()
	})

	return candidates[0], true
}

// Execute runs the best-matching plan against err. If the concurrency cap
// is reached, it returns immediately with Result.Rejected=true rather than
// blocking.
func (o *Orchestrator) Execute(ctx context.Context, err *bridgeerr.Error) (Result, error) {
	plan, ok := o.selectPlan(err)
	if !ok {
		return Result{}, ErrNoPlanMatches
	}

	if !o.sem.TryAcquire(1) {
		return Result{Rejected: true, Reason: ErrConcurrencyLimit}, nil
	}
	defer o.sem.Release(1)

	execCtx := ctx
	var cancel context.CancelFunc
	if plan.Deadline > 0 {
		execCtx, cancel = context.WithTimeout(ctx, plan.Deadline)
		defer cancel()
	}

	exec := Execution{
		ID:        err.Context.CorrelationID,
		PlanID:    plan.ID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	for _, step := range plan.Steps {
		select {
		case <-execCtx.Done():
			exec.Status = StatusCancelled
			exec.EndedAt = time.Now()
			return Result{Execution: exec}, nil
		default:
		}

		if !step.matches(err) {
			exec.Steps = append(exec.Steps, StepResult{Strategy: step.Strategy, State: StepSkipped})
			continue
		}

		result := o.runStep(execCtx, step, err)
		exec.Steps = append(exec.Steps, result)

		action := step.OnFailure
		if result.State == StepCompleted {
			action = step.OnSuccess
		}

		switch action {
		case ActionComplete:
			exec.Status = StatusCompleted
			exec.EndedAt = time.Now()
			return Result{Execution: exec}, nil
		case ActionStop:
			exec.Status = StatusFailed
			exec.EndedAt = time.Now()
			return Result{Execution: exec}, nil
		case ActionEscalate, ActionContinue, "":
			// fall through to the next step
		}
	}

	if exec.Status == "" || exec.Status == StatusRunning {
		exec.Status = lastStepStatus(exec.Steps)
	}
	exec.EndedAt = time.Now()
	return Result{Execution: exec}, nil
}

func lastStepStatus(steps []StepResult) Status {
	if len(steps) == 0 {
		return StatusCompleted
	}
	switch steps[len(steps)-1].State {
	case StepCompleted, StepSkipped:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// runStep executes one step's strategy handler under the step's timeout,
// retrying up to MaxAttempts with multiplicative jittered backoff via
// resilience.Retry — this is exactly the primitive that type exists for.
func (o *Orchestrator) runStep(ctx context.Context, step Step, err *bridgeerr.Error) StepResult {
	handler, ok := o.handlers[step.Strategy]
	if !ok {
		handler = func(_ context.Context, e *bridgeerr.Error) (bool, error) {
			return false, e
		}
	}

	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts: maxAttempts,
		Strategy:    resilience.BackoffExponential,
		Jitter:      true,
	})

	attempts := 0
	var lastErr error
	var succeeded bool

	runErr := retry.Execute(ctx, func(stepCtx context.Context) error {
		attempts++
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		handled, attemptErr := func() (bool, error) {
			opCtx, cancel := context.WithTimeout(stepCtx, timeout)
			defer cancel()
			return handler(opCtx, err)
		}()

		err.RecordAttempt(step.Strategy, attempts, handled, detailOf(attemptErr))
		if o.onOutcome != nil {
			o.onOutcome(step.Strategy, handled)
		}

		if handled {
			succeeded = true
			return nil
		}
		lastErr = attemptErr
		if attemptErr == nil {
			// No error but not handled (e.g. plain "retry" signal):
			// force another attempt via a sentinel.
			return errRetrySignal
		}
		return attemptErr
	})

	if succeeded {
		return StepResult{Strategy: step.Strategy, State: StepCompleted, Attempts: attempts}
	}
	if runErr == nil {
		runErr = lastErr
	}
	return StepResult{Strategy: step.Strategy, State: StepFailed, Attempts: attempts, Err: runErr}
}

var errRetrySignal = errors.New("recovery: retry requested")

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
