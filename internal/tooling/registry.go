// Package tooling exposes the control plane's operation surface as a
// transport-agnostic registry: a name maps to a Handler, every Handler
// accepts a raw JSON payload and returns a success or error envelope.
// Nothing here speaks any wire protocol; a transport adapter (outside
// this module's scope) drives Registry.Invoke.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ccbridge/control-plane/cache"
	"github.com/ccbridge/control-plane/internal/bridge"
	"github.com/ccbridge/control-plane/internal/bridgeerr"
	"github.com/ccbridge/control-plane/internal/dispatch"
	"github.com/ccbridge/control-plane/internal/event"
)

// statusCachePolicy governs caching of read-only status/listing
// operations; short-lived since bridge state changes frequently. Invoke
// bypasses the cache for any operation cache.DefaultSkipRule rejects, so
// send_*/start_*/stop_* operations — tagged "mutation" below — are never
// served stale.
var statusCachePolicy = cache.Policy{DefaultTTL: 2 * time.Second, MaxTTL: 10 * time.Second}

// Result is the success envelope every handler returns.
type Result struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error is the structured error envelope returned on failure.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Handler executes one named operation against a raw JSON input payload.
type Handler func(ctx context.Context, raw json.RawMessage) (Result, *Error)

// Registry is the name → Handler lookup table the tool-protocol
// transport (not built here) drives. Read-only operations are fronted
// by a short-TTL cache so a burst of status polling from the
// orchestrator doesn't re-walk the spool or re-stat the bridge process
// on every call.
type Registry struct {
	handlers  map[string]Handler
	tags      map[string][]string
	resources map[string]ResourceHandler
	store     cache.Cache
	keyer     cache.Keyer
	policy    cache.Policy
}

// NewRegistry builds a Registry with every supported operation, wired
// against pipeline, supervisor, and the spool's task index.
func NewRegistry(pipeline *dispatch.Pipeline, supervisor *bridge.Supervisor, taskIndex TaskIndex) *Registry {
	r := &Registry{handlers: make(map[string]Handler), tags: make(map[string][]string)}

	r.register("send_event", handleSendEvent(pipeline), "mutation")
	r.register("send_message", handleSendMessage(pipeline), "mutation")
	r.register("send_task_completion", handleSendTaskCompletion(pipeline), "mutation")
	r.register("send_performance_alert", handleSendPerformanceAlert(pipeline), "mutation")
	r.register("send_approval_request", handleSendApprovalRequest(pipeline), "mutation")
	r.register("get_responses", handleGetResponses(pipeline), "read")
	r.register("process_pending_responses", handleProcessPendingResponses(pipeline), "mutation")
	r.register("clear_old_responses", handleClearOldResponses(pipeline), "mutation")
	r.register("get_bridge_status", handleGetBridgeStatus(supervisor), "read")
	r.register("start_bridge", handleStartBridge(supervisor), "mutation")
	r.register("stop_bridge", handleStopBridge(supervisor), "mutation")
	r.register("restart_bridge", handleRestartBridge(supervisor), "mutation")
	r.register("ensure_bridge_running", handleEnsureBridgeRunning(supervisor), "mutation")
	r.register("check_bridge_process", handleCheckBridgeProcess(supervisor), "read")
	r.register("list_event_types", handleListEventTypes(), "read")
	r.register("get_task_status", handleGetTaskStatus(taskIndex), "read")
	r.register("todo", handleTodo(taskIndex), "read")

	r.store = cache.NewMemoryCache(statusCachePolicy)
	r.keyer = cache.NewDefaultKeyer()
	r.policy = statusCachePolicy
	r.registerResources(pipeline, supervisor)

	return r
}

func (r *Registry) register(name string, h Handler, tags ...string) {
	r.handlers[name] = h
	r.tags[name] = tags
}

// Names returns every registered operation name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Invoke looks up name and runs it against raw. Returns an UNKNOWN_OPERATION
// error if name isn't registered.
//
// Operations tagged "read" are fronted by a short-TTL cache, following
// cache.CacheMiddleware's skip-rule/policy contract (cache.DefaultSkipRule,
// statusCachePolicy) without adopting its []byte-in/[]byte-out executor
// shape: a fresh call still returns the handler's natively typed Result
// (a bridge.Status, an []event.Type, ...) rather than a JSON-decoded
// map[string]any, which only a genuine cache hit produces. A transport
// adapter serializes the envelope to wire JSON anyway, so this only
// matters for in-process callers.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) (Result, *Error) {
	h, ok := r.handlers[name]
	if !ok {
		return Result{}, &Error{Code: "UNKNOWN_OPERATION", Message: "no such operation: " + name}
	}

	cacheable := r.store != nil && r.policy.ShouldCache() && !cache.DefaultSkipRule(name, r.tags[name])
	var key string
	if cacheable {
		if k, keyErr := r.keyer.Key(name, string(raw)); keyErr == nil {
			key = k
			if cached, hit := r.store.Get(ctx, key); hit {
				var res Result
				if json.Unmarshal(cached, &res) == nil {
					return res, nil
				}
			}
		} else {
			cacheable = false
		}
	}

	res, callErr := h(ctx, raw)
	if callErr != nil {
		return Result{}, callErr
	}

	if cacheable {
		if encoded, err := json.Marshal(res); err == nil {
			_ = r.store.Set(ctx, key, encoded, r.policy.EffectiveTTL(0))
		}
	}

	return res, nil
}

// TaskIndex answers get_task_status and todo from whatever tracks
// outstanding approval-request events by task id. Implemented by a thin
// adapter over dispatch.Pipeline's response history plus the spool's
// events, filtered by task id in the adapter, since neither one alone
// carries a full task lifecycle view.
type TaskIndex interface {
	// PendingApprovals returns approval-request events still awaiting a
	// response for taskID ("" means all tasks).
	PendingApprovals(taskID string) []event.Event
	// Status reports the most recently observed state for taskID: the
	// last response action if one was recorded, otherwise "pending".
	Status(taskID string) (status string, lastResponse *event.Response)
}

func decode[T any](raw json.RawMessage, dst *T) *Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &Error{Code: bridgeerr.CodeValidationFailed, Message: "malformed input: " + err.Error()}
	}
	return nil
}

func fromDispatchErr(err error) *Error {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		return &Error{Code: bridgeerr.CodeValidationFailed, Message: err.Error()}
	case errors.Is(err, dispatch.ErrSizeLimit):
		return &Error{Code: bridgeerr.CodeSizeLimitExceeded, Message: err.Error()}
	case errors.Is(err, dispatch.ErrBackpressure):
		return &Error{Code: bridgeerr.CodeBackpressure, Message: err.Error()}
	default:
		return &Error{Code: bridgeerr.CodeProcessingError, Message: err.Error()}
	}
}

type sendEventInput struct {
	Type   event.Type `json:"type"`
	Source string     `json:"source"`
	TaskID string     `json:"task_id,omitempty"`
	Title  string     `json:"title,omitempty"`
	Desc   string     `json:"description,omitempty"`
	Data   event.Data `json:"data,omitempty"`
}

func handleSendEvent(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in sendEventInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.Type == "" || in.Source == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "type and source are required"}
		}
		evt := event.New("", in.Type, in.Source, time.Time{})
		evt.TaskID = in.TaskID
		evt.Title = in.Title
		evt.Description = in.Desc
		evt.Data = in.Data

		res, sendErr := p.SendEvent(ctx, evt)
		if sendErr != nil {
			return Result{}, fromDispatchErr(sendErr)
		}
		return Result{Success: true, EventID: res.EventID}, nil
	}
}

type sendMessageInput struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func handleSendMessage(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in sendMessageInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.Text == "" || in.Source == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "text and source are required"}
		}
		res, sendErr := p.SendMessage(ctx, in.Text, in.Source)
		if sendErr != nil {
			return Result{}, fromDispatchErr(sendErr)
		}
		return Result{Success: true, EventID: res.EventID}, nil
	}
}

type taskEventInput struct {
	TaskID string     `json:"task_id"`
	Source string     `json:"source"`
	Data   event.Data `json:"data,omitempty"`
}

func handleSendTaskCompletion(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in taskEventInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.TaskID == "" || in.Source == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "task_id and source are required"}
		}
		res, sendErr := p.SendTaskCompletion(ctx, in.TaskID, in.Source, in.Data)
		if sendErr != nil {
			return Result{}, fromDispatchErr(sendErr)
		}
		return Result{Success: true, EventID: res.EventID}, nil
	}
}

type sourceDataInput struct {
	Source string     `json:"source"`
	Data   event.Data `json:"data,omitempty"`
}

func handleSendPerformanceAlert(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in sourceDataInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.Source == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "source is required"}
		}
		res, sendErr := p.SendPerformanceAlert(ctx, in.Source, in.Data)
		if sendErr != nil {
			return Result{}, fromDispatchErr(sendErr)
		}
		return Result{Success: true, EventID: res.EventID}, nil
	}
}

func handleSendApprovalRequest(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in taskEventInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.TaskID == "" || in.Source == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "task_id and source are required"}
		}
		res, sendErr := p.SendApprovalRequest(ctx, in.TaskID, in.Source, in.Data)
		if sendErr != nil {
			return Result{}, fromDispatchErr(sendErr)
		}
		return Result{Success: true, EventID: res.EventID}, nil
	}
}

type limitInput struct {
	Limit int `json:"limit"`
}

func handleGetResponses(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in limitInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Payload: p.GetResponses(in.Limit)}, nil
	}
}

type sinceInput struct {
	Since time.Time `json:"since"`
}

func handleProcessPendingResponses(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in sinceInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Payload: p.ProcessPendingResponses(in.Since)}, nil
	}
}

type olderThanInput struct {
	OlderThan time.Time `json:"older_than"`
}

func handleClearOldResponses(p *dispatch.Pipeline) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in olderThanInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		n := p.ClearOldResponses(in.OlderThan)
		return Result{Success: true, Payload: map[string]int{"cleared": n}}, nil
	}
}

func handleGetBridgeStatus(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		return Result{Success: true, Payload: sv.Status()}, nil
	}
}

func handleStartBridge(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		if err := sv.Start(ctx); err != nil {
			return Result{}, bridgeErrToTooling(err)
		}
		return Result{Success: true, Message: "bridge started"}, nil
	}
}

func handleStopBridge(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		if err := sv.Stop(ctx); err != nil {
			return Result{}, bridgeErrToTooling(err)
		}
		return Result{Success: true, Message: "bridge stopped"}, nil
	}
}

func handleRestartBridge(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		if err := sv.Restart(ctx); err != nil {
			return Result{}, bridgeErrToTooling(err)
		}
		return Result{Success: true, Message: "bridge restarted"}, nil
	}
}

func handleEnsureBridgeRunning(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		if err := sv.EnsureRunning(ctx); err != nil {
			return Result{}, bridgeErrToTooling(err)
		}
		return Result{Success: true, Message: "bridge running"}, nil
	}
}

func handleCheckBridgeProcess(sv *bridge.Supervisor) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		status := sv.Status()
		return Result{Success: true, Payload: map[string]any{
			"running": status.State == bridge.StateRunning,
			"state":   status.State,
			"pid":     status.PID,
		}}, nil
	}
}

func handleListEventTypes() Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		return Result{Success: true, Payload: event.Types()}, nil
	}
}

type taskIDInput struct {
	TaskID string `json:"task_id"`
}

func handleGetTaskStatus(idx TaskIndex) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in taskIDInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		if in.TaskID == "" {
			return Result{}, &Error{Code: bridgeerr.CodeValidationFailed, Message: "task_id is required"}
		}
		status, last := idx.Status(in.TaskID)
		return Result{Success: true, Payload: map[string]any{
			"task_id":       in.TaskID,
			"status":        status,
			"last_response": last,
		}}, nil
	}
}

func handleTodo(idx TaskIndex) Handler {
	return func(ctx context.Context, raw json.RawMessage) (Result, *Error) {
		var in taskIDInput
		if err := decode(raw, &in); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Payload: idx.PendingApprovals(in.TaskID)}, nil
	}
}

func bridgeErrToTooling(err error) *Error {
	switch {
	case errors.Is(err, bridge.ErrStartupTimeout):
		return &Error{Code: bridgeerr.CodeStartupTimeout, Message: err.Error()}
	case errors.Is(err, bridge.ErrCircuitOpen):
		return &Error{Code: bridgeerr.CodeCircuitOpen, Message: err.Error()}
	case errors.Is(err, bridge.ErrNotRunning):
		return &Error{Code: bridgeerr.CodeBridgeNotRunning, Message: err.Error()}
	default:
		return &Error{Code: bridgeerr.CodeBridgeNotRunning, Message: err.Error()}
	}
}
