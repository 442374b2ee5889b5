// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/db"
	"github.com/AleutianAI/AleutianEdge/pkg/inference"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/pkg/tracing"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/loop"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/reboot"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/recovery"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/telemetry"
)

// Ladder windows. WA and WC are counting windows, not cadences, so they
// live here rather than in the environment.
const (
	failureWindow  = 10 * time.Minute
	criticalWindow = 30 * time.Minute
	criticalMax    = 3
	maxAttempts    = 3
	hardCooldown   = time.Hour
	staleSampleAge = 30 * time.Second
)

// dbMaintenance adapts the shared pool to the recovery executor's
// maintenance surface.
type dbMaintenance struct {
	pool          *sqlx.DB
	retentionDays int
}

func (m *dbMaintenance) PruneMetrics(ctx context.Context) error {
	_, err := m.pool.ExecContext(ctx, `SELECT prune_metrics($1)`, m.retentionDays)
	return err
}

func (m *dbMaintenance) Vacuum(ctx context.Context) error {
	return db.Vacuum(ctx, m.pool)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Service: "supervisor",
		JSON:    true,
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()

	shutdownTracer, err := tracing.Init("supervisor-service")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	metrics := observability.InitSupervisorMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("FATAL: database: %v", err)
	}
	defer pool.Close()

	failureLedger := ledger.New(pool, logger)

	// GPU health. The prober degrades to nvidia-smi and then to
	// "unavailable" on hosts without a GPU, so a nil check is not needed.
	prober := gpuhealth.NewProber(logger)
	defer prober.Shutdown()
	classifier := gpuhealth.NewClassifier(gpuhealth.DefaultThresholds())
	gpuState := &gpuhealth.State{}

	collector := probes.NewCollector(prober, logger)
	sampler := probes.NewSampler(collector, cfg.Telemetry.LiveInterval, logger)

	var sink telemetry.LiveSink
	if cfg.Influx.URL != "" {
		host, _ := os.Hostname()
		sink = telemetry.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token,
			cfg.Influx.Org, cfg.Influx.Bucket, host)
		logger.Info("influx live mirror enabled", "url", cfg.Influx.URL)
	}
	persister := telemetry.NewPersister(pool, sampler, sink, telemetry.Config{
		PersistInterval: cfg.Telemetry.PersistInterval,
		CleanupInterval: cfg.Telemetry.CleanupInterval,
		RetentionDays:   cfg.Telemetry.RetentionDays,
	}, logger, metrics)

	dockerAPI, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("FATAL: docker client: %v", err)
	}
	selfName := os.Getenv("SELF_CONTAINER_NAME")
	if selfName == "" {
		selfName = "edge-supervisor"
	}
	units := inspector.New(dockerAPI, inspector.NewAppStore(pool), selfName, logger)

	runtime, err := recovery.NewDockerRuntime(logger)
	if err != nil {
		log.Fatalf("FATAL: docker runtime: %v", err)
	}

	// The model manager is optional: OpenAI-compatible backends manage
	// their own residency and cache clears fall back to a restart.
	var models inference.ModelManager
	if llm, err := inference.New(cfg.Inference, logger); err != nil {
		logger.Warn("inference backend unavailable, cache clears fall back to restart", "error", err)
	} else if mm, ok := llm.(inference.ModelManager); ok {
		models = mm
	}

	marker := reboot.NewMarkerWatcher(cfg.Supervisor.UpdateMarkerPath, logger)
	gate := reboot.NewGate(failureLedger, pool, marker, sampler, units,
		reboot.NewWorkflowStore(pool), nil, logger)

	maint := &dbMaintenance{pool: pool, retentionDays: cfg.Telemetry.RetentionDays}
	executor := recovery.New(recovery.Config{
		Enabled:             cfg.Supervisor.Enabled,
		RebootEnabled:       cfg.Supervisor.RebootEnabled,
		FailureWindow:       failureWindow,
		CooldownWindow:      time.Duration(cfg.Supervisor.CooldownMinutes) * time.Minute,
		MaxAttempts:         maxAttempts,
		HardCooldown:        hardCooldown,
		CriticalWindow:      criticalWindow,
		CriticalMax:         criticalMax,
		RetentionDays:       cfg.Telemetry.RetentionDays,
		LogRoot:             cfg.Supervisor.DockerLogRoot,
		DiskWarnPercent:     cfg.Disk.WarningPercent,
		DiskCleanupPercent:  cfg.Disk.CleanupPercent,
		DiskCriticalPercent: cfg.Disk.CriticalPercent,
		DiskRebootPercent:   cfg.Disk.RebootPercent,
	}, runtime, failureLedger, maint, models, gate, nil, logger, metrics)

	healLoop := loop.New(loop.Config{
		Interval:         cfg.Supervisor.Interval,
		HeartbeatPath:    cfg.Supervisor.HeartbeatPath,
		MaxHeartbeatAge:  cfg.Supervisor.HeartbeatMaxAge,
		StaleSampleAfter: staleSampleAge,
		TelemetryUnit:    cfg.Supervisor.TelemetryUnit,
		RetentionDays:    cfg.Telemetry.RetentionDays,
	}, sampler, prober, classifier, gpuState, units, executor, failureLedger, logger, metrics)

	router := gin.Default()
	router.Use(otelgin.Middleware("supervisor-service"))
	router.GET("/health", healLoop.HealthHandler)
	router.GET("/metrics/prometheus", gin.WrapH(promhttp.Handler()))
	telemetry.NewHandlers(sampler, gpuState, persister).Register(router)

	srv := &http.Server{Addr: ":" + cfg.Supervisor.Port, Handler: router}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sampler.Run(groupCtx) })
	group.Go(func() error { return persister.Run(groupCtx) })
	group.Go(func() error { return marker.Run(groupCtx) })
	group.Go(func() error { return healLoop.Run(groupCtx) })
	group.Go(func() error {
		// One-shot: confirms (or fails) any reboot pending from before
		// this process started.
		validator := reboot.NewValidator(failureLedger, pool, units, sampler, prober, logger)
		if err := validator.Run(groupCtx); err != nil {
			logger.Error("post-reboot validation failed", "error", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("supervisor listening", "port", cfg.Supervisor.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor exited", "error", err)
	}
	if shutdownTracer != nil {
		shutdownTracer(context.Background())
	}
	logger.Info("supervisor stopped")
}
