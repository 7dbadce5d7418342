package healthhub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ccbridge/control-plane/health"
)

func TestCheckAll_OverallStatusIsWorstOf(t *testing.T) {
	hub := New()
	hub.RegisterLevel(LevelConnectivity, health.NewCheckerFunc(LevelConnectivity, func(ctx context.Context) health.Result {
		return health.Healthy("ok")
	}))
	hub.RegisterLevel(LevelService, health.NewCheckerFunc(LevelService, func(ctx context.Context) health.Result {
		return health.Degraded("worker absent")
	}))

	results, overall := hub.CheckAll(context.Background())

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if overall != health.StatusDegraded {
		t.Errorf("overall = %v, want degraded", overall)
	}
}

func TestConnectivityChecker_HealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := ConnectivityChecker(LevelConnectivity, srv.URL, nil)
	result := checker.Check(context.Background())

	if result.Status != health.StatusHealthy {
		t.Errorf("status = %v, want healthy", result.Status)
	}
}

func TestConnectivityChecker_UnhealthyOnUnreachable(t *testing.T) {
	checker := ConnectivityChecker(LevelConnectivity, "http://127.0.0.1:1", nil)
	result := checker.Check(context.Background())

	if result.Status != health.StatusUnhealthy {
		t.Errorf("status = %v, want unhealthy", result.Status)
	}
}

func TestServiceChecker_UnhealthyWhenConfigNotLoaded(t *testing.T) {
	checker := ServiceChecker(LevelService, func() bool { return true }, func() bool { return false })
	result := checker.Check(context.Background())

	if result.Status != health.StatusUnhealthy {
		t.Errorf("status = %v, want unhealthy", result.Status)
	}
}

func TestServiceChecker_DegradedWhenProcessAbsent(t *testing.T) {
	checker := ServiceChecker(LevelService, func() bool { return false }, func() bool { return true })
	result := checker.Check(context.Background())

	if result.Status != health.StatusDegraded {
		t.Errorf("status = %v, want degraded", result.Status)
	}
}

func TestIntegrationChecker_UnhealthyWhenToolListEmpty(t *testing.T) {
	dir := t.TempDir()
	checker := IntegrationChecker(LevelIntegration, func(ctx context.Context) error { return nil }, func() int { return 0 }, dir)
	result := checker.Check(context.Background())

	if result.Status != health.StatusUnhealthy {
		t.Errorf("status = %v, want unhealthy", result.Status)
	}
}

func TestDataIntegrityChecker_UnhealthyOnSpoolError(t *testing.T) {
	checker := DataIntegrityChecker(LevelDataIntegrity, func(ctx context.Context) error {
		return errors.New("checksum mismatch")
	}, "")
	result := checker.Check(context.Background())

	if result.Status != health.StatusUnhealthy {
		t.Errorf("status = %v, want unhealthy", result.Status)
	}
}

func TestMetrics_ObserveAndSnapshot(t *testing.T) {
	m := NewMetrics()
	m.Counters.Inc("events_processed", 3)
	m.Gauges.Set("queue_depth", 7)
	m.Observe("dispatch_latency_ms", 12.5)
	m.Observe("dispatch_latency_ms", 15.0)

	counters := m.Counters.Snapshot()
	if counters["events_processed"] != 3 {
		t.Errorf("events_processed = %d, want 3", counters["events_processed"])
	}
	gauges := m.Gauges.Snapshot()
	if gauges["queue_depth"] != 7 {
		t.Errorf("queue_depth = %v, want 7", gauges["queue_depth"])
	}
	samples := m.Histograms["dispatch_latency_ms"].Snapshot()
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
}

func TestRing_DropsOldestBeyondCapacity(t *testing.T) {
	r := NewRing(2)
	r.Add(1)
	r.Add(2)
	r.Add(3)

	got := r.Snapshot()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("snapshot = %v, want [2 3]", got)
	}
}
