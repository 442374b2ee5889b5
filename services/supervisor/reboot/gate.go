// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reboot gates host reboots behind safety predicates and
// validates the outcome after the machine comes back.
//
// A reboot is the most destructive primitive the supervisor owns. The
// gate exists to make it boringly hard to trigger: reboot storms,
// unreachable state storage, in-flight system updates, and full disks
// on unrelated triggers all refuse the request.
package reboot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

const (
	// maxRebootsPerHour guards against a reboot loop where the machine
	// comes back broken and immediately re-escalates.
	maxRebootsPerHour = 3

	// diskRefusalPercent refuses non-disk reboots on a nearly full
	// disk; the machine may not come back up with no space for boot
	// writes.
	diskRefusalPercent = 98.0

	workflowWindow = 5 * time.Minute
	workflowWait   = 30 * time.Second
	gracePeriod    = 10 * time.Second
)

// RebootLedger is the ledger surface the gate needs.
type RebootLedger interface {
	RecentRebootCount(ctx context.Context, window time.Duration) (int, error)
	CriticalEventCount(ctx context.Context, window time.Duration) (int, error)
	CreatePendingReboot(ctx context.Context, reason string, preState json.RawMessage) (string, error)
	RecordEvent(ctx context.Context, event ledger.Event) error
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SampleSource provides the last sample for the pre-reboot snapshot.
type SampleSource interface {
	Latest() (probes.Sample, bool)
}

// UnitLister enumerates units for the snapshot.
type UnitLister interface {
	Units(ctx context.Context) ([]inspector.Unit, error)
}

// WorkflowStore reports in-flight workflow activity.
type WorkflowStore interface {
	RunningCount(ctx context.Context, window time.Duration) (int, error)
}

// CommandRunner executes the host reboot command. Injected for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// preState is the snapshot persisted before rebooting.
type preState struct {
	Services      []inspector.Unit `json:"services"`
	LastSample    *probes.Sample   `json:"last_sample,omitempty"`
	DiskPercent   float64          `json:"disk_percent"`
	CriticalCount int              `json:"critical_count"`
	Reason        string           `json:"reason"`
	RequestedAt   time.Time        `json:"requested_at"`
}

// Gate evaluates the refusal predicates and executes gated reboots.
type Gate struct {
	ledger    RebootLedger
	db        Pinger
	marker    *MarkerWatcher
	sampler   SampleSource
	units     UnitLister
	workflows WorkflowStore
	run       CommandRunner
	logger    *logging.Logger

	sleep func(time.Duration)
}

// NewGate wires the gate. run defaults to shelling out to systemctl.
func NewGate(lgr RebootLedger, db Pinger, marker *MarkerWatcher, sampler SampleSource, units UnitLister, workflows WorkflowStore, run CommandRunner, logger *logging.Logger) *Gate {
	return &Gate{
		ledger:    lgr,
		db:        db,
		marker:    marker,
		sampler:   sampler,
		units:     units,
		workflows: workflows,
		run:       run,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// Request evaluates the predicates and, when all pass, snapshots state
// and reboots the host. It returns whether the reboot was executed.
func (g *Gate) Request(ctx context.Context, reason string) (bool, error) {
	if refusal := g.refuse(ctx, reason); refusal != "" {
		g.logger.Warn("reboot refused", "reason", reason, "refusal", refusal)
		if err := g.ledger.RecordEvent(ctx, ledger.Event{
			Type:        "reboot_refused",
			Severity:    ledger.SeverityWarning,
			Description: fmt.Sprintf("%s (trigger: %s)", refusal, reason),
		}); err != nil {
			g.logger.Error("record refusal event failed", "error", err.Error())
		}
		return false, nil
	}

	snapshot, err := g.snapshot(ctx, reason)
	if err != nil {
		return false, fmt.Errorf("pre-reboot snapshot: %w", err)
	}
	if _, err := g.ledger.CreatePendingReboot(ctx, reason, snapshot); err != nil {
		return false, fmt.Errorf("persist pending reboot: %w", err)
	}

	g.logger.Error("rebooting host", "reason", reason, "grace", gracePeriod.String())
	g.sleep(gracePeriod)

	if err := g.run(ctx, "systemctl", "reboot"); err != nil {
		return false, fmt.Errorf("reboot command: %w", err)
	}
	return true, nil
}

// refuse returns a non-empty refusal description when any predicate
// blocks the reboot.
func (g *Gate) refuse(ctx context.Context, reason string) string {
	count, err := g.ledger.RecentRebootCount(ctx, time.Hour)
	if err == nil && count >= maxRebootsPerHour {
		return fmt.Sprintf("%d reboots in the last hour", count)
	}

	// Without a reachable database, post-reboot validation is blind.
	if err := g.db.PingContext(ctx); err != nil {
		return "database unreachable for state save: " + err.Error()
	}

	if g.marker.Present() {
		return "system update in progress"
	}

	if sample, ok := g.sampler.Latest(); ok {
		if sample.Disk.Percent >= diskRefusalPercent && !diskRelated(reason) {
			return fmt.Sprintf("disk at %.1f%% with a non-disk trigger", sample.Disk.Percent)
		}
	}

	running, err := g.workflows.RunningCount(ctx, workflowWindow)
	if err == nil && running > 0 {
		g.logger.Info("workflows running, waiting once before reboot",
			"running", running, "wait", workflowWait.String())
		g.sleep(workflowWait)
	}

	return ""
}

// diskRelated reports whether a trigger reason names disk exhaustion.
func diskRelated(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "disk")
}

// snapshot assembles the pre-reboot state document.
func (g *Gate) snapshot(ctx context.Context, reason string) (json.RawMessage, error) {
	state := preState{
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}

	if units, err := g.units.Units(ctx); err == nil {
		state.Services = units
	} else {
		g.logger.Warn("unit listing failed for snapshot", "error", err.Error())
	}
	if sample, ok := g.sampler.Latest(); ok {
		state.LastSample = &sample
		state.DiskPercent = sample.Disk.Percent
	}
	if count, err := g.ledger.CriticalEventCount(ctx, 30*time.Minute); err == nil {
		state.CriticalCount = count
	}

	return json.Marshal(state)
}

// PostgresWorkflowStore reads workflow_activity.
type PostgresWorkflowStore struct {
	db *sqlx.DB
}

// NewWorkflowStore wraps the shared pool.
func NewWorkflowStore(db *sqlx.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// RunningCount counts workflows marked running within the window.
func (s *PostgresWorkflowStore) RunningCount(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM workflow_activity
		 WHERE status = 'running' AND updated_at > now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(window.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("running workflow count: %w", err)
	}
	return count, nil
}

var _ WorkflowStore = (*PostgresWorkflowStore)(nil)
