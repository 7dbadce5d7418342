// Package healthhub composes a generic health.Aggregator into five
// named levels (connectivity, service, performance, integration, data
// integrity), plus the counter/gauge/histogram collection a dashboard
// or exporter pulls from.
package healthhub

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ccbridge/control-plane/health"
)

// Level names for the five-tier health check.
const (
	LevelConnectivity  = "l1_connectivity"
	LevelService       = "l2_service"
	LevelPerformance   = "l3_performance"
	LevelIntegration   = "l4_integration"
	LevelDataIntegrity = "l5_data_integrity"
)

// Ring is a small fixed-capacity ring buffer of float64 samples,
// backing a histogram's or gauge's subscriber-pull/stream access (spec
// §4.H "collector is ring-buffered with configurable retention").
type Ring struct {
	mu       sync.Mutex
	capacity int
	samples  []float64
}

// NewRing creates a Ring retaining at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{capacity: capacity}
}

// Add appends v, dropping the oldest sample once at capacity.
func (r *Ring) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, v)
	if len(r.samples) > r.capacity {
		r.samples = r.samples[len(r.samples)-r.capacity:]
	}
}

// Snapshot returns a copy of the retained samples, oldest first.
func (r *Ring) Snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}

// Counters holds named event-level counters.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Inc increments the named counter by delta.
func (c *Counters) Inc(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
}

// Snapshot returns a copy of every counter's current value.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Gauges holds point-in-time values (queue depth, active recoveries,
// heap MB).
type Gauges struct {
	mu     sync.Mutex
	values map[string]float64
}

// NewGauges creates an empty gauge set.
func NewGauges() *Gauges {
	return &Gauges{values: make(map[string]float64)}
}

// Set records the current value of the named gauge.
func (g *Gauges) Set(name string, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[name] = v
}

// Snapshot returns a copy of every gauge's current value.
func (g *Gauges) Snapshot() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// Metrics bundles counters, gauges, and histograms, each independently
// retrievable by a pull-based exporter.
type Metrics struct {
	Counters   *Counters
	Gauges     *Gauges
	Histograms map[string]*Ring

	mu sync.Mutex
}

// NewMetrics creates an empty Metrics bundle.
func NewMetrics() *Metrics {
	return &Metrics{
		Counters:   NewCounters(),
		Gauges:     NewGauges(),
		Histograms: make(map[string]*Ring),
	}
}

// Observe records v into the named histogram, creating its ring buffer
// on first use.
func (m *Metrics) Observe(name string, v float64) {
	m.mu.Lock()
	ring, ok := m.Histograms[name]
	if !ok {
		ring = NewRing(256)
		m.Histograms[name] = ring
	}
	m.mu.Unlock()
	ring.Add(v)
}

// Hub wraps health.Aggregator with the five named levels and the
// metrics bundle exporters and the dashboard pull from.
type Hub struct {
	agg     *health.Aggregator
	Metrics *Metrics
}

// New creates a Hub with an empty set of levels; register each with
// RegisterLevel.
func New() *Hub {
	return &Hub{
		agg:     health.NewAggregator(),
		Metrics: NewMetrics(),
	}
}

// RegisterLevel attaches a checker under one of the five named Level
// constants.
func (h *Hub) RegisterLevel(level string, checker health.Checker) {
	h.agg.Register(level, checker)
}

// CheckAll runs every registered level and returns both the per-level
// results and the worst-of aggregate status.
func (h *Hub) CheckAll(ctx context.Context) (map[string]health.Result, health.Status) {
	results := h.agg.CheckAll(ctx)
	return results, h.agg.OverallStatus(results)
}

// Aggregator exposes the underlying aggregator for callers that want
// health.RegisterHandlers wired directly.
func (h *Hub) Aggregator() *health.Aggregator { return h.agg }

// ConnectivityChecker builds the L1 checker: dials the bridge health
// endpoint and reports healthy only on a 200.
func ConnectivityChecker(name, endpoint string, client *http.Client) health.Checker {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return health.NewCheckerFunc(name, func(ctx context.Context) health.Result {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return health.Unhealthy("bad health endpoint url", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return health.Unhealthy("bridge health endpoint unreachable", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return health.Unhealthy(fmt.Sprintf("bridge health endpoint returned %d", resp.StatusCode), nil)
		}
		return health.Healthy("bridge health endpoint reachable")
	})
}

// ServiceChecker builds the L2 checker from a status function reporting
// whether the worker process is present and configuration is loaded.
func ServiceChecker(name string, processPresent func() bool, configLoaded func() bool) health.Checker {
	return health.NewCheckerFunc(name, func(ctx context.Context) health.Result {
		if !configLoaded() {
			return health.Unhealthy("configuration not loaded", nil)
		}
		if !processPresent() {
			return health.Degraded("worker process not present")
		}
		return health.Healthy("worker process present, configuration loaded")
	})
}

// IntegrationChecker builds the L4 checker: chat API reachability (via
// a caller-supplied probe that should already be wrapped by the
// resilience middleware so a broken chat API can't hang health checks),
// non-empty tool list, and filesystem writability on spoolDir.
func IntegrationChecker(name string, chatProbe func(ctx context.Context) error, toolCount func() int, spoolDir string) health.Checker {
	return health.NewCheckerFunc(name, func(ctx context.Context) health.Result {
		if err := chatProbe(ctx); err != nil {
			return health.Degraded("chat API unreachable: " + err.Error())
		}
		if toolCount() == 0 {
			return health.Unhealthy("tool list is empty", nil)
		}
		if err := checkWritable(spoolDir); err != nil {
			return health.Unhealthy("spool directory not writable", err)
		}
		return health.Healthy("chat API, tools, and spool directory OK")
	})
}

// DataIntegrityChecker builds the L5 checker: spool readability via a
// caller-supplied probe (internal/spool.Spool.Iterate is a natural fit)
// plus an optional backup-directory existence check.
func DataIntegrityChecker(name string, spoolReadable func(ctx context.Context) error, backupDir string) health.Checker {
	return health.NewCheckerFunc(name, func(ctx context.Context) health.Result {
		if err := spoolReadable(ctx); err != nil {
			return health.Unhealthy("spool unreadable or checksum mismatch", err)
		}
		if backupDir != "" {
			if err := checkExists(backupDir); err != nil {
				return health.Degraded("backup directory missing: " + backupDir)
			}
		}
		return health.Healthy("spool readable, records well-formed")
	})
}

func checkWritable(dir string) error {
	probe := dir + "/.write-probe"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func checkExists(path string) error {
	_, err := os.Stat(path)
	return err
}
