package recovery

import (
	"context"

	"github.com/ccbridge/control-plane/internal/bridgeerr"
)

// Handler implements the semantics of one strategy tag for one step
// attempt. It returns (handled, err): handled mirrors the strategy's own
// success notion (e.g. "retry" always returns handled=false to force the loop to
// retry upstream; "circuit_breaker" returns handled=true after tripping
// the circuit), and err is the attempt's outcome for history recording.
type Handler func(ctx context.Context, err *bridgeerr.Error) (handled bool, attemptErr error)

// HandlerSet is the strategy-tag dispatch table an Orchestrator uses.
// Callers supply implementations for strategies whose semantics require
// access to other components (restart needs the bridge supervisor,
// escalate needs an out-of-band notifier); defaults below cover the three
// strategies with no external dependency.
type HandlerSet map[bridgeerr.Strategy]Handler

// DefaultHandlers returns handlers for the strategies that need no
// collaborator: retry (signals the caller to loop), ignore (records and
// succeeds), manual (returns the error unhandled). Callers must supply
// circuit_breaker, fallback, restart, graceful_degradation and escalate
// themselves; Orchestrator
// falls back to a manual-park behavior for any strategy missing from the
// set so an unwired strategy never panics.
func DefaultHandlers() HandlerSet {
	return HandlerSet{
		bridgeerr.StrategyRetry: func(_ context.Context, _ *bridgeerr.Error) (bool, error) {
			// The orchestrator's own retry loop (via resilience.Retry)
			// owns the backoff; this handler only signals "not yet done".
			return false, nil
		},
		bridgeerr.StrategyIgnore: func(_ context.Context, _ *bridgeerr.Error) (bool, error) {
			return true, nil
		},
		bridgeerr.StrategyManual: func(_ context.Context, err *bridgeerr.Error) (bool, error) {
			return false, err
		},
	}
}

// Merge layers override on top of base, returning a new set. Used to
// compose DefaultHandlers() with collaborator-specific handlers supplied
// at construction.
func Merge(base, override HandlerSet) HandlerSet {
	out := make(HandlerSet, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
