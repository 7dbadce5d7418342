// Command controlplane is the orchestrator bridge control plane's
// process entrypoint: it loads configuration, wires every component
// (spool, dispatch pipeline, classifier, recovery orchestrator, bridge
// supervisor, webhook server, health hub, memory monitor), and runs
// until signalled, draining cooperatively on shutdown.
//
// Exit codes: 0 after a signalled, drained shutdown; 1 on startup failure.
// Faults after startup are logged and do not affect the exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccbridge/control-plane/auth"
	"github.com/ccbridge/control-plane/health"
	"github.com/ccbridge/control-plane/internal/bridge"
	"github.com/ccbridge/control-plane/internal/bridgeerr"
	"github.com/ccbridge/control-plane/internal/classifier"
	"github.com/ccbridge/control-plane/internal/config"
	"github.com/ccbridge/control-plane/internal/dispatch"
	"github.com/ccbridge/control-plane/internal/event"
	"github.com/ccbridge/control-plane/internal/healthhub"
	"github.com/ccbridge/control-plane/internal/memmonitor"
	"github.com/ccbridge/control-plane/internal/recovery"
	"github.com/ccbridge/control-plane/internal/spool"
	"github.com/ccbridge/control-plane/internal/tooling"
	"github.com/ccbridge/control-plane/internal/webhook"
	"github.com/ccbridge/control-plane/observe"
	"github.com/ccbridge/control-plane/resilience"
	"github.com/ccbridge/control-plane/secret"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("CCBRIDGE_CONFIG_FILE")
	resolver := secret.NewResolver(false)

	cfg, err := config.Load(configPath, resolver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: config load: %v\n", err)
		return 1
	}

	obs, err := observe.NewObserver(ctx, observe.Config{
		ServiceName: "ccbridge-control-plane",
		Version:     "dev",
		Logging:     observe.LoggingConfig{Enabled: true, Level: cfg.Log.Level},
		Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "stdout"},
		Tracing:     observe.TracingConfig{Enabled: false},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: observer init: %v\n", err)
		return 1
	}
	defer obs.Shutdown(context.Background())
	logger := obs.Logger().WithTool(observe.ToolMeta{Name: "controlplane"})

	sp, err := spool.Open(spool.Config{Dir: cfg.SpoolDir})
	if err != nil {
		logger.Error(ctx, "spool open failed", observe.Field{Key: "error", Value: err.Error()})
		return 1
	}
	defer sp.Close()

	pipeline := dispatch.New(sp, dispatch.Config{
		ChatTargetRate: resilience.RateLimiterConfig{
			Rate:  cfg.RateLimit.RatePerSecond,
			Burst: cfg.RateLimit.Burst,
		},
	}, func(sessionID string) {
		logger.Warn(ctx, "subscriber dropped for lag", observe.Field{Key: "session_id", Value: sessionID})
	})

	classif := classifier.New(classifier.DefaultPatterns()...)

	supervisor := bridge.New(bridge.Config{
		Command:         cfg.Bridge.Command,
		Args:            cfg.Bridge.Args,
		HealthEndpoint:  cfg.Bridge.HealthEndpoint,
		StartupDeadline: cfg.Bridge.StartupDeadlineMS,
		RestartBackoff: bridge.RestartBackoff{
			Base:       cfg.Bridge.RestartBackoff.BaseDelay,
			Multiplier: cfg.Bridge.RestartBackoff.Multiplier,
			Cap:        cfg.Bridge.RestartBackoff.Cap,
		},
		MaxRestartsInWindow: cfg.Bridge.MaxRestartsInWindow,
		RestartWindow:       cfg.Bridge.RestartWindow,
	})

	handlers := recovery.Merge(recovery.DefaultHandlers(), recovery.HandlerSet{
		bridgeerr.StrategyRestart: func(stepCtx context.Context, _ *bridgeerr.Error) (bool, error) {
			err := supervisor.Restart(stepCtx)
			return err == nil, err
		},
		bridgeerr.StrategyEscalate: func(_ context.Context, err *bridgeerr.Error) (bool, error) {
			logger.Error(ctx, "recovery escalated", observe.Field{Key: "code", Value: err.Code})
			return true, err
		},
	})
	recoveryOrch := recovery.New(4, handlers, recovery.WithOutcomeRecorder(func(strategy bridgeerr.Strategy, succeeded bool) {
		classif.Stats().RecordOutcome(strategy, succeeded)
	}))
	recoveryOrch.RegisterPlan(bridgeRestartPlan())

	hub := healthhub.New()
	hub.RegisterLevel(healthhub.LevelConnectivity, healthhub.ConnectivityChecker(
		healthhub.LevelConnectivity, cfg.Bridge.HealthEndpoint, nil))
	hub.RegisterLevel(healthhub.LevelService, healthhub.ServiceChecker(
		healthhub.LevelService,
		func() bool { return supervisor.Status().State == bridge.StateRunning },
		func() bool { return cfg.SpoolDir != "" },
	))
	hub.RegisterLevel(healthhub.LevelPerformance, health.NewMemoryChecker(health.MemoryCheckerConfig{}))
	hub.RegisterLevel(healthhub.LevelIntegration, healthhub.IntegrationChecker(
		healthhub.LevelIntegration,
		func(ctx context.Context) error { return nil },
		func() int { return len(event.Types()) },
		cfg.SpoolDir,
	))
	hub.RegisterLevel(healthhub.LevelDataIntegrity, healthhub.DataIntegrityChecker(
		healthhub.LevelDataIntegrity,
		func(ctx context.Context) error { _, err := sp.Iterate(""); return err },
		"",
	))

	monitor := memmonitor.New(memmonitor.Config{
		SnapshotInterval: cfg.Memory.SnapshotMS,
		HeapDumpsEnabled: cfg.HeapDumps.Enabled,
		HeapDumpsDir:     cfg.HeapDumps.Dir,
		HeapDumpsMax:     cfg.HeapDumps.Max,
	}, func(alert memmonitor.Alert) {
		logger.Warn(ctx, "memory alert", observe.Field{Key: "type", Value: string(alert.Type)}, observe.Field{Key: "area", Value: string(alert.Area)})
	}, func(_ context.Context, area memmonitor.Area) {
		if area == memmonitor.AreaEventFiles {
			_, _ = sp.Prune(time.Now().Add(-cfg.Memory.SnapshotMS))
		}
	})
	monitor.Register(memmonitor.AreaGlobal, memmonitor.DefaultGlobalSource(), memmonitor.Thresholds{
		MaxHeapBytes: uint64(cfg.Memory.MaxHeapMB * 1024 * 1024),
		GrowthPerMin: cfg.Memory.GrowthMBPerMin * 1024 * 1024,
	})

	var authenticator auth.Authenticator
	if cfg.Auth.Enable {
		store := auth.NewMemoryAPIKeyStore()
		_ = store.Add(&auth.APIKeyInfo{ID: "primary", KeyHash: auth.HashAPIKey(cfg.Auth.APIKey), Principal: "orchestrator"})
		authenticator = auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{}, store)
	}
	webhookLimiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Rate:  cfg.RateLimit.RatePerSecond,
		Burst: cfg.RateLimit.Burst,
	})
	webhookServer := webhook.New(webhook.Config{SessionID: "default"}, pipeline,
		noopAcknowledger{}, authenticator, cfg.Auth.Enable, webhookLimiter)

	httpSrv := &http.Server{Addr: ":8088", Handler: webhookServer}

	taskIndex := tooling.NewSpoolTaskIndex(sp, pipeline)
	registry := tooling.NewRegistry(pipeline, supervisor, taskIndex)
	_ = registry

	watcher, err := config.NewWatcher(configPath, func(p string) (config.Config, error) {
		return config.Load(p, resolver)
	})
	if err == nil {
		defer watcher.Close()
		go func() {
			for ev := range watcher.Subscribe() {
				if ev.Err != nil {
					logger.Warn(ctx, "config reload failed", observe.Field{Key: "error", Value: ev.Err.Error()})
					continue
				}
				logger.Info(ctx, "config reloaded")
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go monitor.Run(runCtx)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "webhook server error", observe.Field{Key: "error", Value: err.Error()})
		}
	}()

	if startErr := supervisor.EnsureRunning(ctx); startErr != nil {
		logger.Error(ctx, "bridge failed to start", observe.Field{Key: "error", Value: startErr.Error()})
		classified, _ := classif.Classify(startErr, bridgeerr.Context{Operation: "ensure_bridge_running", Component: "bridge"})
		result, recErr := recoveryOrch.Execute(ctx, classified)
		if recErr != nil || result.Execution.Status == recovery.StatusFailed {
			logger.Error(ctx, "bridge recovery did not resolve startup failure")
			return 1
		}
	}

	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	cancelRun()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = sp.Close()
	_ = supervisor.Stop(shutdownCtx)

	return 0
}

// bridgeRestartPlan mirrors the retry-then-restart-then-escalate recovery
// sequence: two retries, then three restart attempts, then escalation if
// the bridge is still down.
func bridgeRestartPlan() recovery.Plan {
	isBridgeDown := func(err *bridgeerr.Error) bool {
		return err.Category == bridgeerr.CategoryBridge
	}
	return recovery.Plan{
		ID:        "bridge_restart",
		Predicate: isBridgeDown,
		Priority:  recovery.PriorityHigh,
		Steps: []recovery.Step{
			{Strategy: bridgeerr.StrategyRetry, MaxAttempts: 2, OnSuccess: recovery.ActionComplete, OnFailure: recovery.ActionContinue},
			{Strategy: bridgeerr.StrategyRestart, MaxAttempts: 3, OnSuccess: recovery.ActionComplete, OnFailure: recovery.ActionContinue},
			{Strategy: bridgeerr.StrategyEscalate, MaxAttempts: 1, OnSuccess: recovery.ActionComplete, OnFailure: recovery.ActionEscalate},
		},
	}
}

type noopAcknowledger struct{}

func (noopAcknowledger) Acknowledge(ctx context.Context, taskID, action string) error { return nil }
