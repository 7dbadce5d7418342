// Package recovery implements named recovery plans composed of ordered
// steps, executed by a concurrency-bounded executor.
package recovery

import (
	"time"

	"github.com/ccbridge/control-plane/internal/bridgeerr"
)

// Priority orders plan selection when more than one plan's predicate
// matches the same error.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Action is the outcome wiring between steps: what happens after a step
// succeeds or fails.
type Action string

const (
	ActionContinue Action = "continue"
	ActionStop     Action = "stop"
	ActionEscalate Action = "escalate"
	ActionComplete Action = "complete"
)

// Condition is an optional predicate evaluated against the error and its
// context before a step runs. A nil Condition always matches.
type Condition func(err *bridgeerr.Error) bool

// Step is one entry in a recovery Plan.
type Step struct {
	Strategy    bridgeerr.Strategy
	MaxAttempts int
	Timeout     time.Duration
	Condition   Condition
	OnSuccess   Action
	OnFailure   Action
}

// matches reports whether the step's condition is satisfied. An unset
// condition always matches; specificity (used for plan tie-breaking) is
// the count of steps across the plan that declare a non-nil condition.
func (s Step) matches(err *bridgeerr.Error) bool {
	if s.Condition == nil {
		return true
	}
	return s.Condition(err)
}

// Predicate decides whether a Plan applies to a given error.
type Predicate func(err *bridgeerr.Error) bool

// Plan is a named, ordered sequence of recovery strategies triggered by
// an error predicate.
type Plan struct {
	ID        string
	Predicate Predicate
	Priority  Priority
	Deadline  time.Duration
	Steps     []Step
}

// specificity counts how many steps declare a condition; used as the
// plan-selection tie-breaker after priority.
func (p Plan) specificity() int {
	n := 0
	for _, s := range p.Steps {
		if s.Condition != nil {
			n++
		}
	}
	return n
}
