// Package event defines the canonical event record produced by the
// dispatch pipeline and consumed by the spool, the bridge worker, and the
// classifier.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is a closed set of event tags plus TypeExtension, the escape hatch
// for kinds outside the enum. Nothing in this package converts an unknown
// tag to TypeExtension, and dispatch rejects an event whose Type is not
// known.
type Type string

const (
	TypeTaskStarted     Type = "task_started"
	TypeTaskProgress    Type = "task_progress"
	TypeTaskCompleted   Type = "task_completed"
	TypeTaskFailed      Type = "task_failed"
	TypeTaskCancelled   Type = "task_cancelled"
	TypeTaskPaused      Type = "task_paused"
	TypeTaskResumed     Type = "task_resumed"

	TypeBuildStarted  Type = "build_started"
	TypeBuildProgress Type = "build_progress"
	TypeBuildFailed   Type = "build_failed"
	TypeBuildCompleted Type = "build_completed"

	TypeTestSuiteStarted Type = "test_suite_started"
	TypeTestPassed       Type = "test_passed"
	TypeTestFailed       Type = "test_failed"
	TypeTestSuiteSummary Type = "test_suite_summary"

	TypeCodeGeneration    Type = "code_generation"
	TypeCodeAnalysis      Type = "code_analysis"
	TypeCodeRefactoring   Type = "code_refactoring"
	TypeCodeReview        Type = "code_review"

	TypeGitCommit   Type = "git_commit"
	TypeGitPush     Type = "git_push"
	TypeGitMerge    Type = "git_merge"
	TypePullRequest Type = "pull_request"

	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"

	TypePerformanceAlert  Type = "performance_alert"
	TypePerformanceUpdate Type = "performance_update"

	TypeSecurityAlert  Type = "security_alert"
	TypeErrorOccurred  Type = "error_occurred"
	TypeWarningRaised  Type = "warning_raised"

	TypeResourceUsage    Type = "resource_usage"
	TypeResourceAlert    Type = "resource_alert"

	TypeInfoMessage  Type = "info_message"
	TypeInfoNotification Type = "info_notification"

	TypeUserResponse Type = "user_response"

	TypeSystemHealth  Type = "system_health"
	TypeSystemStartup Type = "system_startup"
	TypeSystemShutdown Type = "system_shutdown"

	TypeWorkflowStarted   Type = "workflow_started"
	TypeWorkflowCompleted Type = "workflow_completed"
	TypeWorkflowFailed    Type = "workflow_failed"

	TypeFileCreated  Type = "file_created"
	TypeFileModified Type = "file_modified"
	TypeFileDeleted  Type = "file_deleted"

	TypeDependencyUpdate Type = "dependency_update"

	// TypeExtension is used for forward-compatible, not-yet-enumerated
	// tags.
	TypeExtension Type = "extension"
)

// knownTypes backs IsKnown and Types without reflection.
var knownTypes = map[Type]struct{}{
	TypeTaskStarted: {}, TypeTaskProgress: {}, TypeTaskCompleted: {}, TypeTaskFailed: {},
	TypeTaskCancelled: {}, TypeTaskPaused: {}, TypeTaskResumed: {},
	TypeBuildStarted: {}, TypeBuildProgress: {}, TypeBuildFailed: {}, TypeBuildCompleted: {},
	TypeTestSuiteStarted: {}, TypeTestPassed: {}, TypeTestFailed: {}, TypeTestSuiteSummary: {},
	TypeCodeGeneration: {}, TypeCodeAnalysis: {}, TypeCodeRefactoring: {}, TypeCodeReview: {},
	TypeGitCommit: {}, TypeGitPush: {}, TypeGitMerge: {}, TypePullRequest: {},
	TypeApprovalRequest: {}, TypeApprovalResponse: {},
	TypePerformanceAlert: {}, TypePerformanceUpdate: {},
	TypeSecurityAlert: {}, TypeErrorOccurred: {}, TypeWarningRaised: {},
	TypeResourceUsage: {}, TypeResourceAlert: {},
	TypeInfoMessage: {}, TypeInfoNotification: {},
	TypeUserResponse: {},
	TypeSystemHealth: {}, TypeSystemStartup: {}, TypeSystemShutdown: {},
	TypeWorkflowStarted: {}, TypeWorkflowCompleted: {}, TypeWorkflowFailed: {},
	TypeFileCreated: {}, TypeFileModified: {}, TypeFileDeleted: {},
	TypeDependencyUpdate: {},
}

// IsKnown reports whether t is one of the closed enum values.
// TypeExtension is considered known; it is the designated escape hatch.
func IsKnown(t Type) bool {
	if t == TypeExtension {
		return true
	}
	_, ok := knownTypes[t]
	return ok
}

// Types returns all known event types, excluding TypeExtension.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Severity is the closed severity enum shared between events and the
// error taxonomy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Data is the typed attribute bag carried by an Event. Known fields are
// promoted to struct fields for callers that want them without a map
// lookup; Extension preserves anything the producer set that this
// revision does not know about, so a round trip through an older reader
// never silently drops data.
type Data struct {
	Status           string         `json:"status,omitempty"`
	Severity         Severity       `json:"severity,omitempty"`
	Current          float64        `json:"current,omitempty"`
	Threshold        float64        `json:"threshold,omitempty"`
	ResponseOptions  []string       `json:"response_options,omitempty"`
	TimeoutMinutes   int            `json:"timeout_minutes,omitempty"`
	AffectedFiles    []string       `json:"affected_files,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds,omitempty"`
	Extension        map[string]any `json:"extension,omitempty"`
}

// Event is the canonical record produced by the dispatch pipeline and
// owned exclusively by it until handoff to the spool.
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Data        Data      `json:"data"`
}

// New constructs an Event, assigning a UUID when id is empty and the
// current time when ts is zero. This is the single place that fills in
// the "assigns missing fields" step of dispatch's validation contract.
func New(id string, typ Type, source string, ts time.Time) Event {
	if id == "" {
		id = uuid.NewString()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		ID:        id,
		Type:      typ,
		Source:    source,
		Timestamp: ts,
	}
}

// Response is the callback record produced by the webhook.
type Response struct {
	CallbackData  string    `json:"callback_data"`
	Action        string    `json:"action"`
	TaskID        string    `json:"task_id"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ParseCallbackData splits a callback string of the form "{action}_{task_id}"
// into its two parts. task_id may itself contain underscores, so the split
// happens on the first underscore only; an input with no underscore yields
// action="unknown".
func ParseCallbackData(raw string) (action, taskID string) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '_' {
			return raw[:i], raw[i+1:]
		}
	}
	return "unknown", raw
}
