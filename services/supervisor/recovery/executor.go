// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery implements the tiered recovery ladder.
//
// # Description
//
// Category A restarts individual unhealthy units, escalating to
// Category C after repeated failures in a window. Category B relieves
// resource pressure from the live sample, one debounced action per
// overload dimension. Category C is the hard path: core restarts, disk
// cleanup, database vacuum, at most once per hour. Category D hands a
// reboot request to the safety gate, and only when reboots are enabled
// by configuration.
//
// Every attempt lands in the ledger with duration and outcome; the
// ladder's own escalation decisions are read back from those rows, so
// the executor is stateless across restarts except for debounce
// timestamps and the hard-recovery cooldown.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/inference"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

// inferenceUnit is the unit recycled by GPU-related primitives.
const inferenceUnit = "llm-inference"

// gpuUnits are the units restarted for a coordinated GPU recovery on
// hosts that cannot reset the device in isolation.
var gpuUnits = []string{"llm-inference", "embedding-server"}

// Ledger is the audit/counter surface the executor needs.
type Ledger interface {
	RecordFailure(ctx context.Context, service, failureType, healthStatus string) error
	FailureCount(ctx context.Context, service string, window time.Duration) (int, error)
	InCooldown(ctx context.Context, service string, window time.Duration) (bool, error)
	CriticalEventCount(ctx context.Context, window time.Duration) (int, error)
	RecordAction(ctx context.Context, action ledger.Action) error
	RecordEvent(ctx context.Context, event ledger.Event) error
	Trim(ctx context.Context, retentionDays int) error
}

// Maintenance covers the database-side hard-recovery steps.
type Maintenance interface {
	PruneMetrics(ctx context.Context) error
	Vacuum(ctx context.Context) error
}

// Rebooter is the Category D handoff. Executed reports whether the
// safety gate let the reboot proceed.
type Rebooter interface {
	Request(ctx context.Context, reason string) (executed bool, err error)
}

// CommandRunner executes a host command. Injected for tests; the
// default shells out.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Config holds the ladder thresholds and windows.
type Config struct {
	Enabled       bool
	RebootEnabled bool

	// Category A
	FailureWindow  time.Duration // WA
	CooldownWindow time.Duration
	MaxAttempts    int // MA

	// Category C
	HardCooldown   time.Duration
	CriticalWindow time.Duration // WC
	CriticalMax    int           // MC
	RetentionDays  int
	LogRoot        string

	// Disk ladder
	DiskWarnPercent     float64 // W1
	DiskCleanupPercent  float64 // W2
	DiskCriticalPercent float64 // W3
	DiskRebootPercent   float64 // W4
}

// Executor drives the recovery ladder.
type Executor struct {
	cfg      Config
	runtime  Runtime
	ledger   Ledger
	maint    Maintenance
	models   inference.ModelManager
	rebooter Rebooter
	run      CommandRunner
	logger   *logging.Logger
	metrics  *observability.SupervisorMetrics

	mu       sync.Mutex
	lastHard time.Time
	debounce map[string]time.Time

	sleep func(time.Duration)
}

// New builds an Executor. models and rebooter may be nil; the related
// primitives then degrade to their fallbacks or to log-only.
func New(cfg Config, runtime Runtime, lgr Ledger, maint Maintenance, models inference.ModelManager, rebooter Rebooter, run CommandRunner, logger *logging.Logger, metrics *observability.SupervisorMetrics) *Executor {
	if run == nil {
		run = execCommand
	}
	return &Executor{
		cfg:      cfg,
		runtime:  runtime,
		ledger:   lgr,
		maint:    maint,
		models:   models,
		rebooter: rebooter,
		run:      run,
		logger:   logger,
		metrics:  metrics,
		debounce: make(map[string]time.Time),
		sleep:    time.Sleep,
	}
}

// ============================================================================
// Category A — service-level
// ============================================================================

// HandleUnitFailure runs the Category A ladder for one unhealthy unit.
func (e *Executor) HandleUnitFailure(ctx context.Context, unit inspector.Unit) error {
	if !e.cfg.Enabled {
		return nil
	}

	failureType := "unit_down"
	if unit.Running() {
		failureType = "unit_unhealthy"
	}
	if err := e.ledger.RecordFailure(ctx, unit.Name, failureType, unit.Health); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ServiceFailuresTotal.WithLabelValues(unit.Name, failureType).Inc()
	}

	cooling, err := e.ledger.InCooldown(ctx, unit.Name, e.cfg.CooldownWindow)
	if err != nil {
		return err
	}
	if cooling {
		e.logger.Info("unit in recovery cooldown, skipping", "unit", unit.Name)
		return nil
	}

	n, err := e.ledger.FailureCount(ctx, unit.Name, e.cfg.FailureWindow)
	if err != nil {
		return err
	}

	switch {
	case n >= e.cfg.MaxAttempts:
		reason := fmt.Sprintf("%s failed %d times in %.0f minutes", unit.Name, n, e.cfg.FailureWindow.Minutes())
		e.logger.Warn("escalating to hard recovery", "unit", unit.Name, "failures", n)
		return e.HardRecovery(ctx, reason)
	case n == 2:
		return e.recordedAction(ctx, "A", ledger.Action{
			Type:    ledger.ActionServiceRestart,
			Service: unit.Name,
			Reason:  fmt.Sprintf("second failure in window, stop/start (%s)", failureType),
		}, func() error {
			if err := e.runtime.Stop(ctx, unit.Name); err != nil {
				return err
			}
			e.sleep(2 * time.Second)
			return e.runtime.Start(ctx, unit.Name)
		})
	default:
		return e.recordedAction(ctx, "A", ledger.Action{
			Type:    ledger.ActionServiceRestart,
			Service: unit.Name,
			Reason:  fmt.Sprintf("first failure in window, restart in place (%s)", failureType),
		}, func() error {
			return e.runtime.Restart(ctx, unit.Name)
		})
	}
}

// RestartUnit restarts one named unit outside the failure ladder,
// recording the attempt like any Category A action. The loop uses it
// for the one-shot telemetry restart on a stale sample.
func (e *Executor) RestartUnit(ctx context.Context, unit, reason string) error {
	if !e.cfg.Enabled {
		return nil
	}
	return e.recordedAction(ctx, "A", ledger.Action{
		Type:    ledger.ActionServiceRestart,
		Service: unit,
		Reason:  reason,
	}, func() error {
		return e.runtime.Restart(ctx, unit)
	})
}

// ============================================================================
// Category B — resource overload
// ============================================================================

// Category B thresholds.
const (
	cpuOverloadPercent  = 90.0
	ramOverloadPercent  = 90.0
	gpuOverloadPercent  = 95.0
	tempRestartCelsius  = 85.0
	tempThrottleCelsius = 83.0
)

// HandleResourcePressure runs the Category B table against the sample.
// Dimensions act independently, each behind its own debounce; a failed
// action is logged and recorded but never escalates from here.
func (e *Executor) HandleResourcePressure(ctx context.Context, sample probes.Sample) {
	if !e.cfg.Enabled {
		return
	}

	if sample.CPUPercent > cpuOverloadPercent && e.tryDebounce("cpu", 5*time.Minute) {
		e.actionLogged(ctx, "B", ledger.Action{
			Type:   ledger.ActionLLMCacheClear,
			Reason: fmt.Sprintf("cpu at %.1f%% above %.0f%%", sample.CPUPercent, cpuOverloadPercent),
		}, func() error { return e.llmCacheClear(ctx) })
	}

	if sample.RAMPercent > ramOverloadPercent && e.tryDebounce("ram", 5*time.Minute) {
		e.actionLogged(ctx, "B", ledger.Action{
			Type:    ledger.ActionServiceRestart,
			Service: "broker-host",
			Reason:  fmt.Sprintf("ram at %.1f%% above %.0f%%", sample.RAMPercent, ramOverloadPercent),
		}, func() error { return e.runtime.Restart(ctx, "broker-host") })
	}

	if sample.GPUPercent > gpuOverloadPercent && e.tryDebounce("gpu", 5*time.Minute) {
		e.actionLogged(ctx, "B", ledger.Action{
			Type:   ledger.ActionGPUSessionReset,
			Reason: fmt.Sprintf("gpu utilization at %.1f%% above %.0f%%", sample.GPUPercent, gpuOverloadPercent),
		}, func() error { return e.gpuSessionReset(ctx) })
	}

	// Thermal is one dimension with two tiers; the higher tier wins
	// and both share the longer debounce.
	switch {
	case sample.TemperatureC > tempRestartCelsius:
		if e.tryDebounce("thermal", 10*time.Minute) {
			e.actionLogged(ctx, "B", ledger.Action{
				Type:    ledger.ActionServiceRestart,
				Service: inferenceUnit,
				Reason:  fmt.Sprintf("temperature at %.1fC above %.0fC", sample.TemperatureC, tempRestartCelsius),
			}, func() error { return e.runtime.Restart(ctx, inferenceUnit) })
		}
	case sample.TemperatureC > tempThrottleCelsius:
		if e.tryDebounce("thermal", 10*time.Minute) {
			e.actionLogged(ctx, "B", ledger.Action{
				Type:   ledger.ActionGPUThrottle,
				Reason: fmt.Sprintf("temperature at %.1fC above %.0fC", sample.TemperatureC, tempThrottleCelsius),
			}, func() error { return e.gpuThrottle(ctx) })
		}
	}
}

// tryDebounce reports whether the dimension may act now, and if so
// stamps it.
func (e *Executor) tryDebounce(dimension string, window time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.debounce[dimension]; ok && time.Since(last) < window {
		return false
	}
	e.debounce[dimension] = time.Now()
	return true
}

// ============================================================================
// GPU recommendations
// ============================================================================

// ApplyGPURecommendation executes the primitive the classifier
// recommended. reason is the classifier's message and carries the
// numeric magnitude of the violation.
func (e *Executor) ApplyGPURecommendation(ctx context.Context, rec gpuhealth.Recommendation, reason string) {
	if !e.cfg.Enabled || rec == gpuhealth.RecommendNone {
		return
	}

	switch rec {
	case gpuhealth.RecommendUnloadModels:
		e.actionLogged(ctx, "B", ledger.Action{
			Type: ledger.ActionLLMCacheClear, Reason: reason,
		}, func() error { return e.llmCacheClear(ctx) })
	case gpuhealth.RecommendResetGPU:
		e.actionLogged(ctx, "B", ledger.Action{
			Type: ledger.ActionGPUReset, Reason: reason,
		}, func() error { return e.gpuReset(ctx) })
	case gpuhealth.RecommendThrottle, gpuhealth.RecommendReduceClocks:
		e.actionLogged(ctx, "B", ledger.Action{
			Type: ledger.ActionGPUThrottle, Reason: reason,
		}, func() error { return e.gpuThrottle(ctx) })
	case gpuhealth.RecommendStopInference:
		e.actionLogged(ctx, "B", ledger.Action{
			Type: ledger.ActionServiceRestart, Service: inferenceUnit, Reason: reason,
		}, func() error { return e.runtime.Stop(ctx, inferenceUnit) })
	case gpuhealth.RecommendRestartInference:
		e.actionLogged(ctx, "B", ledger.Action{
			Type: ledger.ActionServiceRestart, Service: inferenceUnit, Reason: reason,
		}, func() error { return e.runtime.Restart(ctx, inferenceUnit) })
	}
}

// ============================================================================
// Category C — hard recovery
// ============================================================================

// HardRecovery runs the full Category C sequence, at most once per
// HardCooldown. After the sequence it checks the critical-event count
// and escalates to Category D when the ceiling is crossed.
func (e *Executor) HardRecovery(ctx context.Context, reason string) error {
	e.mu.Lock()
	if time.Since(e.lastHard) < e.cfg.HardCooldown {
		e.mu.Unlock()
		e.logger.Warn("hard recovery suppressed by global cooldown", "reason", reason)
		return nil
	}
	e.lastHard = time.Now()
	e.mu.Unlock()

	e.logger.Warn("hard recovery starting", "reason", reason)
	if err := e.ledger.RecordEvent(ctx, ledger.Event{
		Type:        "hard_recovery",
		Severity:    ledger.SeverityCritical,
		Description: reason,
	}); err != nil {
		e.logger.Error("record hard recovery event failed", "error", err.Error())
	}

	// 1. Hard-restart every core unit.
	for _, unit := range inspector.CoreUnits() {
		unit := unit
		e.actionLogged(ctx, "C", ledger.Action{
			Type:    ledger.ActionServiceRestart,
			Service: unit,
			Reason:  "hard recovery: " + reason,
		}, func() error {
			if err := e.runtime.Stop(ctx, unit); err != nil {
				return err
			}
			e.sleep(5 * time.Second)
			return e.runtime.Start(ctx, unit)
		})
	}

	// 2. Comprehensive disk cleanup.
	e.actionLogged(ctx, "C", ledger.Action{
		Type:   ledger.ActionDiskCleanup,
		Reason: "hard recovery: " + reason,
	}, func() error { return e.diskCleanup(ctx) })

	// 3. Vacuum on a dedicated connection.
	e.actionLogged(ctx, "C", ledger.Action{
		Type:   ledger.ActionDBVacuum,
		Reason: "hard recovery: " + reason,
	}, func() error { return e.maint.Vacuum(ctx) })

	// 4. GPU-heavy units when the trigger was GPU-related.
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "gpu") || strings.Contains(lower, inferenceUnit) {
		for _, unit := range gpuUnits {
			unit := unit
			e.actionLogged(ctx, "C", ledger.Action{
				Type:    ledger.ActionServiceRestart,
				Service: unit,
				Reason:  "hard recovery gpu pass: " + reason,
			}, func() error {
				err := e.runtime.Restart(ctx, unit)
				e.sleep(5 * time.Second)
				return err
			})
		}
	}

	count, err := e.ledger.CriticalEventCount(ctx, e.cfg.CriticalWindow)
	if err != nil {
		return fmt.Errorf("critical event count after hard recovery: %w", err)
	}
	if count >= e.cfg.CriticalMax {
		return e.RequestReboot(ctx, fmt.Sprintf(
			"%d critical events in %.0f minutes after hard recovery (%s)",
			count, e.cfg.CriticalWindow.Minutes(), reason))
	}
	return nil
}

// ============================================================================
// Category D — reboot
// ============================================================================

// RequestReboot hands a reboot to the safety gate, or logs when reboots
// are disabled.
func (e *Executor) RequestReboot(ctx context.Context, reason string) error {
	if !e.cfg.RebootEnabled {
		e.logger.Warn("reboot requested but disabled by configuration", "reason", reason)
		return e.ledger.RecordEvent(ctx, ledger.Event{
			Type:        "reboot_suppressed",
			Severity:    ledger.SeverityCritical,
			Description: reason,
		})
	}

	executed, err := e.rebooter.Request(ctx, reason)
	if e.metrics != nil {
		outcome := "refused"
		if executed {
			outcome = "executed"
		}
		e.metrics.RebootAttemptsTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		return fmt.Errorf("reboot request: %w", err)
	}
	return nil
}

// ============================================================================
// Disk ladder
// ============================================================================

// HandleDisk runs the disk ladder against the current usage percent.
func (e *Executor) HandleDisk(ctx context.Context, percent float64) error {
	if !e.cfg.Enabled {
		return nil
	}

	switch {
	case percent >= e.cfg.DiskRebootPercent:
		return e.RequestReboot(ctx, fmt.Sprintf("disk at %.1f%% above reboot threshold %.0f%%",
			percent, e.cfg.DiskRebootPercent))
	case percent >= e.cfg.DiskCriticalPercent:
		if err := e.ledger.RecordEvent(ctx, ledger.Event{
			Type:        "disk_critical",
			Severity:    ledger.SeverityCritical,
			Description: fmt.Sprintf("disk at %.1f%% above critical threshold %.0f%%", percent, e.cfg.DiskCriticalPercent),
		}); err != nil {
			e.logger.Error("record disk critical event failed", "error", err.Error())
		}
		e.actionLogged(ctx, "C", ledger.Action{
			Type:   ledger.ActionDiskCleanup,
			Reason: fmt.Sprintf("disk at %.1f%% above critical threshold %.0f%%", percent, e.cfg.DiskCriticalPercent),
		}, func() error { return e.diskCleanup(ctx) })
	case percent >= e.cfg.DiskCleanupPercent:
		e.actionLogged(ctx, "C", ledger.Action{
			Type:   ledger.ActionDiskCleanup,
			Reason: fmt.Sprintf("disk at %.1f%% above cleanup threshold %.0f%%", percent, e.cfg.DiskCleanupPercent),
		}, func() error { return e.diskCleanup(ctx) })
	case percent >= e.cfg.DiskWarnPercent:
		e.logger.Warn("disk usage above warning threshold",
			"percent", percent, "threshold", e.cfg.DiskWarnPercent)
	}
	return nil
}

// ============================================================================
// Recording helpers
// ============================================================================

// recordedAction runs fn, records the attempt with duration and
// outcome, and returns fn's error.
func (e *Executor) recordedAction(ctx context.Context, category string, action ledger.Action, fn func() error) error {
	start := time.Now()
	err := fn()
	action.Duration = time.Since(start)
	action.Success = err == nil
	if err != nil {
		action.ErrMsg = err.Error()
	}

	if recErr := e.ledger.RecordAction(ctx, action); recErr != nil {
		e.logger.Error("record recovery action failed",
			"action", string(action.Type), "error", recErr.Error())
	}
	if e.metrics != nil {
		e.metrics.RecordRecoveryAction(category, string(action.Type), action.Success)
	}
	return err
}

// actionLogged is recordedAction for paths where a failed primitive is
// logged but must not abort the caller.
func (e *Executor) actionLogged(ctx context.Context, category string, action ledger.Action, fn func() error) {
	if err := e.recordedAction(ctx, category, action, fn); err != nil {
		e.logger.Error("recovery action failed",
			"action", string(action.Type), "service", action.Service, "error", err.Error())
	}
}
