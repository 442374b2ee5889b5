// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reboot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
)

// validatorDiskCeiling fails validation when the disk is still nearly
// full after the reboot; the reboot evidently did not help.
const validatorDiskCeiling = 95.0

// stabilization gives units time to come up before judging them.
const stabilization = 30 * time.Second

// ValidatorLedger is the ledger surface the validator needs.
type ValidatorLedger interface {
	FindPendingReboot(ctx context.Context) (*ledger.RebootEvent, error)
	CompleteReboot(ctx context.Context, id string, postState json.RawMessage, validationPassed bool) error
	RecordEvent(ctx context.Context, event ledger.Event) error
}

// GPUProber checks the GPU is queryable post-boot.
type GPUProber interface {
	Snapshot(ctx context.Context) (gpuhealth.Snapshot, error)
}

// postState is the validation outcome persisted into the reboot row.
type postState struct {
	Checks      map[string]bool `json:"checks"`
	DiskPercent float64         `json:"disk_percent"`
	ValidatedAt time.Time       `json:"validated_at"`
}

// Validator runs once on startup and closes any pending reboot row.
type Validator struct {
	ledger  ValidatorLedger
	db      Pinger
	units   UnitLister
	sampler SampleSource
	gpu     GPUProber
	logger  *logging.Logger

	sleep func(time.Duration)
}

// NewValidator wires the post-reboot validator. gpu may be nil on
// GPU-less hosts; the GPU check then passes vacuously.
func NewValidator(lgr ValidatorLedger, db Pinger, units UnitLister, sampler SampleSource, gpu GPUProber, logger *logging.Logger) *Validator {
	return &Validator{
		ledger:  lgr,
		db:      db,
		units:   units,
		sampler: sampler,
		gpu:     gpu,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Run waits for stabilization, finds the pending reboot row if any, and
// persists the validation verdict. No pending row means a normal start.
func (v *Validator) Run(ctx context.Context) error {
	v.sleep(stabilization)

	pending, err := v.ledger.FindPendingReboot(ctx)
	if err != nil {
		return fmt.Errorf("locate pending reboot: %w", err)
	}
	if pending == nil {
		return nil
	}

	v.logger.Info("validating completed reboot", "reboot_id", pending.ID, "reason", pending.Reason)

	checks := map[string]bool{
		"cores_running": v.coresRunning(ctx),
		"db_reachable":  v.db.PingContext(ctx) == nil,
		"gpu_queryable": v.gpuQueryable(ctx),
	}

	state := postState{Checks: checks, ValidatedAt: time.Now().UTC()}
	if sample, ok := v.sampler.Latest(); ok {
		checks["telemetry_live"] = true
		checks["disk_ok"] = sample.Disk.Percent < validatorDiskCeiling
		state.DiskPercent = sample.Disk.Percent
	} else {
		checks["telemetry_live"] = false
		checks["disk_ok"] = false
	}

	passed := true
	for _, ok := range checks {
		passed = passed && ok
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal post state: %w", err)
	}
	if err := v.ledger.CompleteReboot(ctx, pending.ID, raw, passed); err != nil {
		return err
	}

	severity := ledger.SeverityInfo
	if !passed {
		severity = ledger.SeverityCritical
	}
	return v.ledger.RecordEvent(ctx, ledger.Event{
		Type:        "post_reboot_validation",
		Severity:    severity,
		Description: fmt.Sprintf("reboot %s validation passed=%t (reason: %s)", pending.ID, passed, pending.Reason),
		Success:     &passed,
	})
}

// coresRunning verifies every core unit is present, running, and not
// reporting unhealthy.
func (v *Validator) coresRunning(ctx context.Context) bool {
	units, err := v.units.Units(ctx)
	if err != nil {
		v.logger.Warn("unit listing failed during validation", "error", err.Error())
		return false
	}

	byName := make(map[string]inspector.Unit, len(units))
	for _, unit := range units {
		byName[unit.Name] = unit
	}

	for _, name := range inspector.CoreUnits() {
		unit, ok := byName[name]
		if !ok || !unit.Running() || unit.Health == "unhealthy" {
			v.logger.Warn("core unit failed validation",
				"unit", name, "present", ok, "status", unit.Status, "health", unit.Health)
			return false
		}
	}
	return true
}

func (v *Validator) gpuQueryable(ctx context.Context) bool {
	if v.gpu == nil {
		return true
	}
	_, err := v.gpu.Snapshot(ctx)
	return err == nil
}
