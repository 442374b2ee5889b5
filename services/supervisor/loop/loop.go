// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop is the supervisor's control loop. Each tick it writes the
// heartbeat, reads telemetry, classifies the GPU, runs the disk ladder,
// and applies the recovery ladder to unhealthy units. A panicking cycle
// is recovered and counted; the loop itself must outlive everything it
// supervises.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/recovery"
)

// trimEvery trims the ledger every N cycles.
const trimEvery = 100

// consecutiveFailureCeiling raises a CRITICAL event when this many
// cycles fail back to back.
const consecutiveFailureCeiling = 3

// Config holds the loop knobs.
type Config struct {
	Interval         time.Duration // T_heal
	HeartbeatPath    string
	MaxHeartbeatAge  time.Duration // staleness ceiling for /health
	StaleSampleAfter time.Duration
	// TelemetryUnit is the container restarted once per staleness
	// episode when the live sample stops updating.
	TelemetryUnit string
	RetentionDays int
}

// SampleSource is the probes sampler surface the loop reads.
type SampleSource interface {
	Latest() (probes.Sample, bool)
}

// GPUProber reads one GPU snapshot.
type GPUProber interface {
	Snapshot(ctx context.Context) (gpuhealth.Snapshot, error)
}

// UnitLister enumerates managed units.
type UnitLister interface {
	Units(ctx context.Context) ([]inspector.Unit, error)
}

// EventRecorder is the ledger slice the loop writes.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event ledger.Event) error
	Trim(ctx context.Context, retentionDays int) error
}

// Heartbeat is the JSON document written to the heartbeat file and,
// in part, served by /health.
type Heartbeat struct {
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	CheckCount int64     `json:"check_count"`
	LastAction string    `json:"last_action,omitempty"`
}

// Loop drives the heal cycle.
type Loop struct {
	cfg        Config
	sampler    SampleSource
	prober     GPUProber
	classifier *gpuhealth.Classifier
	gpuState   *gpuhealth.State
	units      UnitLister
	executor   *recovery.Executor
	events     EventRecorder
	logger     *logging.Logger
	metrics    *observability.SupervisorMetrics

	mu            sync.Mutex
	checkCount    int64
	lastAction    string
	lastHeartbeat time.Time
	consecFails   int
	staleHandled  bool
}

// New wires the loop. prober may be nil on GPU-less hosts.
func New(cfg Config, sampler SampleSource, prober GPUProber, classifier *gpuhealth.Classifier, gpuState *gpuhealth.State, units UnitLister, executor *recovery.Executor, events EventRecorder, logger *logging.Logger, metrics *observability.SupervisorMetrics) *Loop {
	return &Loop{
		cfg:        cfg,
		sampler:    sampler,
		prober:     prober,
		classifier: classifier,
		gpuState:   gpuState,
		units:      units,
		executor:   executor,
		events:     events,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run executes heal cycles until ctx is cancelled, then writes a final
// stopping heartbeat.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			l.writeHeartbeat("stopping")
			return ctx.Err()
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// cycle runs one heal pass. Panics are recovered and counted as a
// failed cycle.
func (l *Loop) cycle(ctx context.Context) {
	start := time.Now()
	var failed bool

	func() {
		defer func() {
			if r := recover(); r != nil {
				failed = true
				l.logger.Error("heal cycle panicked", "panic", fmt.Sprint(r))
			}
		}()
		if err := l.runChecks(ctx); err != nil {
			failed = true
			l.logger.Error("heal cycle failed", "error", err.Error())
		}
	}()

	l.mu.Lock()
	l.checkCount++
	count := l.checkCount
	if failed {
		l.consecFails++
	} else {
		l.consecFails = 0
	}
	fails := l.consecFails
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordHealCycle(time.Since(start).Seconds(), !failed)
	}

	if fails == consecutiveFailureCeiling {
		l.logger.Error("consecutive heal cycles failing", "count", fails)
		if err := l.events.RecordEvent(ctx, ledger.Event{
			Type:        "supervisor_degraded",
			Severity:    ledger.SeverityCritical,
			Description: fmt.Sprintf("%d consecutive heal cycles failed", fails),
		}); err != nil {
			l.logger.Error("record degradation event failed", "error", err.Error())
		}
	}

	if count%trimEvery == 0 {
		if err := l.events.Trim(ctx, l.cfg.RetentionDays); err != nil {
			l.logger.Error("ledger trim failed", "error", err.Error())
		}
	}
}

// runChecks is the body of one heal pass in fixed order.
func (l *Loop) runChecks(ctx context.Context) error {
	l.writeHeartbeat("healthy")

	sample, ok := l.sampler.Latest()
	if ok {
		l.checkSampleStaleness(ctx, sample)
	}

	l.checkGPU(ctx)

	if ok {
		if err := l.executor.HandleDisk(ctx, sample.Disk.Percent); err != nil {
			l.logger.Error("disk ladder failed", "error", err.Error())
		}
	}

	units, err := l.units.Units(ctx)
	if err != nil {
		return fmt.Errorf("unit inspection: %w", err)
	}
	for _, unit := range units {
		if !unit.Restartable() {
			continue
		}
		if unit.Running() && unit.Health != "unhealthy" {
			continue
		}
		l.setLastAction("recover " + unit.Name)
		if err := l.executor.HandleUnitFailure(ctx, unit); err != nil {
			l.logger.Error("unit recovery failed", "unit", unit.Name, "error", err.Error())
		}
	}

	if ok {
		l.executor.HandleResourcePressure(ctx, sample)
	}
	return nil
}

// checkSampleStaleness restarts the telemetry unit once per staleness
// episode and raises one WARNING event; a fresh sample resets the
// latch so a later episode acts again.
func (l *Loop) checkSampleStaleness(ctx context.Context, sample probes.Sample) {
	age := time.Since(sample.Timestamp)
	if age <= l.cfg.StaleSampleAfter {
		l.mu.Lock()
		l.staleHandled = false
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	already := l.staleHandled
	l.staleHandled = true
	l.mu.Unlock()
	if already {
		return
	}

	l.logger.Warn("telemetry sample stale, restarting telemetry unit",
		"age_s", age.Seconds(), "unit", l.cfg.TelemetryUnit)
	if l.cfg.TelemetryUnit != "" {
		l.setLastAction("restart " + l.cfg.TelemetryUnit)
		if err := l.executor.RestartUnit(ctx, l.cfg.TelemetryUnit,
			fmt.Sprintf("telemetry sample %.0fs stale", age.Seconds())); err != nil {
			l.logger.Error("telemetry unit restart failed", "error", err.Error())
		}
	}
	if err := l.events.RecordEvent(ctx, ledger.Event{
		Type:        "telemetry_stale",
		Severity:    ledger.SeverityWarning,
		Description: fmt.Sprintf("latest sample is %.0fs old", age.Seconds()),
	}); err != nil {
		l.logger.Error("record staleness event failed", "error", err.Error())
	}
}

// checkGPU snapshots, classifies, publishes state, and acts on
// critical assessments.
func (l *Loop) checkGPU(ctx context.Context) {
	if l.prober == nil {
		return
	}

	snapshot, err := l.prober.Snapshot(ctx)
	if err != nil {
		l.logger.Warn("gpu snapshot failed", "error", err.Error())
		l.gpuState.Set(gpuhealth.Snapshot{}, gpuhealth.Assessment{
			Health: gpuhealth.Unavailable, Error: gpuhealth.ErrNVML, Message: err.Error(),
		})
		return
	}

	assessment := l.classifier.Classify(snapshot)
	l.gpuState.Set(snapshot, assessment)
	if l.metrics != nil {
		l.metrics.SetGPUHealth(string(assessment.Health))
	}

	if assessment.Health == gpuhealth.Critical || assessment.Health == gpuhealth.ErrorState {
		rec := gpuhealth.Recommend(assessment)
		l.setLastAction(string(rec))
		l.executor.ApplyGPURecommendation(ctx, rec, assessment.Message)
	}
}

// writeHeartbeat atomically replaces the heartbeat file.
func (l *Loop) writeHeartbeat(status string) {
	l.mu.Lock()
	hb := Heartbeat{
		Timestamp:  time.Now().UTC(),
		Status:     status,
		CheckCount: l.checkCount,
		LastAction: l.lastAction,
	}
	l.lastHeartbeat = hb.Timestamp
	l.mu.Unlock()

	raw, err := json.Marshal(hb)
	if err != nil {
		l.logger.Error("marshal heartbeat failed", "error", err.Error())
		return
	}

	tmp := l.cfg.HeartbeatPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		l.logger.Error("write heartbeat failed", "error", err.Error())
		return
	}
	if err := os.Rename(tmp, l.cfg.HeartbeatPath); err != nil {
		l.logger.Error("rename heartbeat failed", "error", err.Error())
	}
}

func (l *Loop) setLastAction(action string) {
	l.mu.Lock()
	l.lastAction = action
	l.mu.Unlock()
}

// Status returns the live fields served by /health.
func (l *Loop) Status() (heartbeatAge time.Duration, lastAction string, checkCount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastHeartbeat.IsZero() {
		return -1, l.lastAction, l.checkCount
	}
	return time.Since(l.lastHeartbeat), l.lastAction, l.checkCount
}

// MaxHeartbeatAge exposes the staleness ceiling for the health handler.
func (l *Loop) MaxHeartbeatAge() time.Duration {
	return l.cfg.MaxHeartbeatAge
}
