package tooling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ccbridge/control-plane/internal/bridge"
	"github.com/ccbridge/control-plane/internal/dispatch"
	"github.com/ccbridge/control-plane/internal/event"
)

type fakeSpool struct {
	events []event.Event
}

func (f *fakeSpool) Append(ctx context.Context, evt event.Event) (string, error) {
	f.events = append(f.events, evt)
	return evt.ID, nil
}

func (f *fakeSpool) Iterate(cursor string) ([]event.Event, error) {
	return f.events, nil
}

type readyPinger struct{ ready bool }

func (p *readyPinger) Ping(ctx context.Context, endpoint string) error {
	if p.ready {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeProc struct{ done chan struct{} }

func (p *fakeProc) Wait() error { <-p.done; return nil }
func (p *fakeProc) Kill() error { return nil }
func (p *fakeProc) Pid() int    { return 4242 }

type fakeStarter struct{ proc *fakeProc }

func (s *fakeStarter) Start(ctx context.Context, command string, args []string) (bridge.Process, error) {
	return s.proc, nil
}

type noTasks struct{}

func (noTasks) PendingApprovals(taskID string) []event.Event   { return nil }
func (noTasks) Status(taskID string) (string, *event.Response) { return "pending", nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeSpool) {
	t.Helper()
	spool := &fakeSpool{}
	pipeline := dispatch.New(spool, dispatch.Config{}, nil)

	pinger := &readyPinger{ready: true}
	starter := &fakeStarter{proc: &fakeProc{done: make(chan struct{})}}
	sv := bridge.New(bridge.Config{
		Command:        "noop",
		HealthEndpoint: "http://example.invalid",
		PollInterval:   time.Millisecond,
		StartupDeadline: 50 * time.Millisecond,
	}, bridge.WithStarter(starter), bridge.WithHealthPinger(pinger))

	return NewRegistry(pipeline, sv, noTasks{}), spool
}

func TestInvoke_SendMessageHappyPath(t *testing.T) {
	reg, _ := newTestRegistry(t)

	raw, _ := json.Marshal(map[string]string{"text": "hello", "source": "cli"})
	res, toolErr := reg.Invoke(context.Background(), "send_message", raw)

	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	if !res.Success || res.EventID == "" {
		t.Errorf("res = %+v, want success with event_id", res)
	}
}

func TestInvoke_SendEventMissingFieldsFailsValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	raw, _ := json.Marshal(map[string]string{})
	_, toolErr := reg.Invoke(context.Background(), "send_event", raw)

	if toolErr == nil || toolErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("toolErr = %+v, want VALIDATION_FAILED", toolErr)
	}
}

func TestInvoke_UnknownOperation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, toolErr := reg.Invoke(context.Background(), "nonexistent", nil)
	if toolErr == nil || toolErr.Code != "UNKNOWN_OPERATION" {
		t.Fatalf("toolErr = %+v, want UNKNOWN_OPERATION", toolErr)
	}
}

func TestInvoke_GetBridgeStatusBeforeStart(t *testing.T) {
	reg, _ := newTestRegistry(t)

	res, toolErr := reg.Invoke(context.Background(), "get_bridge_status", nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	status, ok := res.Payload.(bridge.Status)
	if !ok || status.State != bridge.StateStopped {
		t.Errorf("payload = %+v, want stopped status", res.Payload)
	}
}

func TestInvoke_StartThenCheckBridgeProcess(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, toolErr := reg.Invoke(context.Background(), "start_bridge", nil)
	if toolErr != nil {
		t.Fatalf("start_bridge failed: %+v", toolErr)
	}

	res, toolErr := reg.Invoke(context.Background(), "check_bridge_process", nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok || payload["running"] != true {
		t.Errorf("payload = %+v, want running=true", res.Payload)
	}
}

func TestInvoke_ListEventTypesNonEmpty(t *testing.T) {
	reg, _ := newTestRegistry(t)

	res, toolErr := reg.Invoke(context.Background(), "list_event_types", nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	types, ok := res.Payload.([]event.Type)
	if !ok || len(types) == 0 {
		t.Errorf("payload = %+v, want non-empty type list", res.Payload)
	}
}

func TestInvoke_GetBridgeStatusIsCachedBriefly(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, toolErr := reg.Invoke(context.Background(), "get_bridge_status", nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	if _, ok := first.Payload.(bridge.Status); !ok {
		t.Fatalf("first call payload = %T, want bridge.Status (fresh, uncached)", first.Payload)
	}

	second, toolErr := reg.Invoke(context.Background(), "get_bridge_status", nil)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	if _, ok := second.Payload.(map[string]any); !ok {
		t.Fatalf("second call payload = %T, want map[string]any (served from cache)", second.Payload)
	}
}

func TestInvoke_SendMessageNeverCached(t *testing.T) {
	reg, _ := newTestRegistry(t)

	raw, _ := json.Marshal(map[string]string{"text": "hello", "source": "cli"})
	first, toolErr := reg.Invoke(context.Background(), "send_message", raw)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	second, toolErr := reg.Invoke(context.Background(), "send_message", raw)
	if toolErr != nil {
		t.Fatalf("unexpected error: %+v", toolErr)
	}
	if first.EventID == second.EventID {
		t.Errorf("send_message returned identical event ids across calls, want independent sends (mutation ops must skip the cache)")
	}
}

func TestInvoke_GetTaskStatusRequiresTaskID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	raw, _ := json.Marshal(map[string]string{})
	_, toolErr := reg.Invoke(context.Background(), "get_task_status", raw)
	if toolErr == nil || toolErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("toolErr = %+v, want VALIDATION_FAILED", toolErr)
	}
}
