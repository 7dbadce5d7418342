// Package memmonitor periodically snapshots per-area memory/resource
// usage, classifies threshold breaches, and signals alerts with a
// cooldown — it never mutates other components directly.
package memmonitor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"
)

// Area is one of the monitored resource areas a snapshot reports on.
type Area string

const (
	AreaGlobal         Area = "global"
	AreaEventFiles     Area = "event_files"
	AreaRateLimiter    Area = "rate_limiter"
	AreaBridgeCache    Area = "bridge_cache"
	AreaConnectionPool Area = "connection_pool"
	AreaSecurityConfig Area = "security_config"
)

// AlertType is one of the breach classifications the monitor can emit.
type AlertType string

const (
	AlertThresholdBreach  AlertType = "threshold_breach"
	AlertGrowthRate       AlertType = "growth_rate"
	AlertFileAccumulation AlertType = "file_accumulation"
	AlertGCPressure       AlertType = "gc_pressure"
)

// Snapshot is one area's reading at a point in time.
type Snapshot struct {
	Area       Area
	HeapBytes  uint64
	ResidentBytes uint64
	Count      int // area-specific count, e.g. spooled file count
	Timestamp  time.Time
}

// Alert is emitted on a breach, carrying a recommended action for the
// caller (dashboard, logs) — the monitor itself never acts on another
// component beyond the Cleanup hook below.
type Alert struct {
	Type              AlertType
	Area              Area
	Snapshot          Snapshot
	RecommendedAction string
	At                time.Time
}

// Source produces area-specific snapshots. Implementations may read
// runtime.MemStats directly (global) or delegate to a collaborator that
// knows its own size (event_files → spool file count, bridge_cache →
// cache size).
type Source func(ctx context.Context) (Snapshot, error)

// Thresholds configures breach classification for one area.
type Thresholds struct {
	MaxHeapBytes   uint64
	GrowthPerMin   float64 // bytes/min
	MaxCount       int
}

// Config tunes the monitor.
type Config struct {
	SnapshotInterval time.Duration
	Cooldown         time.Duration
	HeapDumpsEnabled bool
	HeapDumpsDir     string
	HeapDumpsMax     int
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.HeapDumpsMax <= 0 {
		c.HeapDumpsMax = 5
	}
	if c.HeapDumpsDir == "" {
		c.HeapDumpsDir = "./heap-dumps"
	}
	return c
}

// Cleanup is invoked (never more than once per breach) to request that
// the caller prune/clear whatever the breaching area owns — e.g.
// dispatch.Pipeline.ClearOldResponses or spool.Prune.
type Cleanup func(ctx context.Context, area Area)

type alertKey struct {
	Type AlertType
	Area Area
}

// Monitor runs periodic snapshots per registered area/threshold pair and
// emits alerts on breach, honoring a per-(type,area) cooldown.
type Monitor struct {
	cfg      Config
	sources  map[Area]Source
	thresholds map[Area]Thresholds
	onAlert  func(Alert)
	cleanup  Cleanup

	mu             sync.Mutex
	lastAlertAt    map[alertKey]time.Time
	lastHeap       map[Area]uint64
	lastSampleAt   map[Area]time.Time
	lastGCPauseNs  uint64
	heapDumps      []string
}

// New creates a Monitor. onAlert is invoked for every emitted alert
// (after cooldown suppression); cleanup is called once per breach to
// request pruning, never to mutate state directly.
func New(cfg Config, onAlert func(Alert), cleanup Cleanup) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:          cfg,
		sources:      make(map[Area]Source),
		thresholds:   make(map[Area]Thresholds),
		onAlert:      onAlert,
		cleanup:      cleanup,
		lastAlertAt:  make(map[alertKey]time.Time),
		lastHeap:     make(map[Area]uint64),
		lastSampleAt: make(map[Area]time.Time),
	}
}

// Register adds a monitored area with its snapshot source and breach
// thresholds.
func (m *Monitor) Register(area Area, source Source, thresholds Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[area] = source
	m.thresholds[area] = thresholds
}

// DefaultGlobalSource reads process-wide memory stats via
// runtime.MemStats, the same primitive health.MemoryChecker uses.
func DefaultGlobalSource() Source {
	return func(ctx context.Context) (Snapshot, error) {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return Snapshot{
			Area:          AreaGlobal,
			HeapBytes:     stats.HeapAlloc,
			ResidentBytes: stats.Sys,
			Count:         runtime.NumGoroutine(),
			Timestamp:     time.Now(),
		}, nil
	}
}

// Run snapshots every registered area once per SnapshotInterval until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll runs every registered source once and classifies breaches.
// Exposed directly so tests and callers can drive it without a ticker.
func (m *Monitor) SnapshotAll(ctx context.Context) {
	m.mu.Lock()
	areas := make([]Area, 0, len(m.sources))
	for a := range m.sources {
		areas = append(areas, a)
	}
	m.mu.Unlock()

	for _, area := range areas {
		m.mu.Lock()
		source := m.sources[area]
		thresholds := m.thresholds[area]
		m.mu.Unlock()

		snap, err := source(ctx)
		if err != nil {
			continue
		}
		m.classify(ctx, area, snap, thresholds)
	}
}

func (m *Monitor) classify(ctx context.Context, area Area, snap Snapshot, th Thresholds) {
	m.mu.Lock()
	prevHeap, hadPrev := m.lastHeap[area]
	prevAt, hadAt := m.lastSampleAt[area]
	m.lastHeap[area] = snap.HeapBytes
	m.lastSampleAt[area] = snap.Timestamp
	m.mu.Unlock()

	if th.MaxHeapBytes > 0 && snap.HeapBytes > th.MaxHeapBytes {
		m.emit(ctx, AlertThresholdBreach, area, snap, "reduce load or raise memory.max_heap_mb")
	}

	if th.GrowthPerMin > 0 && hadPrev && hadAt {
		elapsed := snap.Timestamp.Sub(prevAt).Minutes()
		if elapsed > 0 {
			growth := float64(int64(snap.HeapBytes)-int64(prevHeap)) / elapsed
			if growth > th.GrowthPerMin {
				m.emit(ctx, AlertGrowthRate, area, snap, "investigate retained allocations; consider restart")
			}
		}
	}

	if th.MaxCount > 0 && snap.Count > th.MaxCount {
		m.emit(ctx, AlertFileAccumulation, area, snap, "prune the spool or lower retention TTL")
	}

	var gcStats runtime.MemStats
	runtime.ReadMemStats(&gcStats)
	m.mu.Lock()
	prevPause := m.lastGCPauseNs
	m.lastGCPauseNs = gcStats.PauseTotalNs
	m.mu.Unlock()
	// A single interval accumulating more than 10% of it in GC pause
	// time indicates the collector is under real pressure, not just
	// routine collection.
	if prevPause > 0 && gcStats.PauseTotalNs > prevPause {
		delta := time.Duration(gcStats.PauseTotalNs - prevPause)
		if delta > m.cfg.SnapshotInterval/10 {
			m.emit(ctx, AlertGCPressure, area, snap, "reduce allocation rate or raise heap target")
		}
	}
}

// emit checks the per-(type,area) cooldown, and if clear, fires the
// alert, optionally triggers a heap dump, and requests cleanup.
func (m *Monitor) emit(ctx context.Context, t AlertType, area Area, snap Snapshot, action string) {
	key := alertKey{Type: t, Area: area}

	m.mu.Lock()
	last, ok := m.lastAlertAt[key]
	if ok && snap.Timestamp.Sub(last) < m.cfg.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlertAt[key] = snap.Timestamp
	m.mu.Unlock()

	alert := Alert{Type: t, Area: area, Snapshot: snap, RecommendedAction: action, At: snap.Timestamp}

	if m.cfg.HeapDumpsEnabled && t == AlertThresholdBreach {
		if path, err := m.writeHeapDump(); err == nil {
			alert.RecommendedAction = fmt.Sprintf("%s (heap dump: %s)", action, path)
		}
	}

	if m.onAlert != nil {
		m.onAlert(alert)
	}
	if m.cleanup != nil {
		m.cleanup(ctx, area)
	}
}

// writeHeapDump captures a pprof heap profile, rotating the oldest file
// out once more than cfg.HeapDumpsMax are retained.
func (m *Monitor) writeHeapDump() (string, error) {
	if err := os.MkdirAll(m.cfg.HeapDumpsDir, 0o755); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	runtime.GC()
	if err := pprof.WriteHeapProfile(&buf); err != nil {
		return "", err
	}

	name := fmt.Sprintf("heap-%s.pprof", time.Now().UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(m.cfg.HeapDumpsDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.heapDumps = append(m.heapDumps, path)
	for len(m.heapDumps) > m.cfg.HeapDumpsMax {
		oldest := m.heapDumps[0]
		m.heapDumps = m.heapDumps[1:]
		_ = os.Remove(oldest)
	}
	m.mu.Unlock()

	return path, nil
}

// HeapDumps returns the retained heap-dump file paths, newest last.
func (m *Monitor) HeapDumps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.heapDumps))
	copy(out, m.heapDumps)
	return out
}
