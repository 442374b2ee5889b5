// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the durable audit trail of the supervisor: every
// detected failure, every recovery attempt, every escalation event, and
// every reboot request lands in Postgres through this package. The
// recovery ladder decides escalation from the counts the ledger serves,
// so a lost write would also lose escalation state.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// ActionType enumerates the recovery primitives the executor may record.
// Values mirror the recovery_actions CHECK constraint.
type ActionType string

const (
	ActionServiceRestart  ActionType = "service_restart"
	ActionLLMCacheClear   ActionType = "llm_cache_clear"
	ActionGPUSessionReset ActionType = "gpu_session_reset"
	ActionGPUThrottle     ActionType = "gpu_throttle"
	ActionGPUReset        ActionType = "gpu_reset"
	ActionDiskCleanup     ActionType = "disk_cleanup"
	ActionDBVacuum        ActionType = "db_vacuum"
)

// Severity enumerates self-healing event severities.
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityWarning   Severity = "WARNING"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// Action is one executed recovery primitive.
type Action struct {
	Type     ActionType
	Service  string
	Reason   string
	Success  bool
	Duration time.Duration
	ErrMsg   string
	Metadata map[string]any
}

// Event is one self-healing lifecycle event.
type Event struct {
	Type        string
	Severity    Severity
	Description string
	ActionTaken string
	Service     string
	Success     *bool
}

// RebootEvent is one row of the reboot audit table.
type RebootEvent struct {
	ID               string          `db:"id"`
	Reason           string          `db:"reason"`
	PreState         json.RawMessage `db:"pre_state"`
	PostState        json.RawMessage `db:"post_state"`
	Completed        bool            `db:"reboot_completed"`
	ValidationPassed sql.NullBool    `db:"validation_passed"`
	CreatedAt        time.Time       `db:"created_at"`
}

// Ledger persists and queries the supervisor audit tables.
type Ledger struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// New wraps the shared pool.
func New(db *sqlx.DB, logger *logging.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// RecordFailure appends one detected failure for a service.
func (l *Ledger) RecordFailure(ctx context.Context, service, failureType, healthStatus string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO service_failures (service_name, failure_type, health_status)
		 VALUES ($1, $2, $3)`,
		service, failureType, healthStatus)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", service, err)
	}
	return nil
}

// FailureCount returns how many failures a service accumulated within
// the window. The recovery ladder keys its rung off this count.
func (l *Ledger) FailureCount(ctx context.Context, service string, window time.Duration) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count,
		`SELECT count(*) FROM service_failures
		 WHERE service_name = $1 AND created_at > now() - $2::interval`,
		service, pgInterval(window))
	if err != nil {
		return 0, fmt.Errorf("failure count for %s: %w", service, err)
	}
	return count, nil
}

// InCooldown reports whether a successful recovery action exists within
// the window. An empty service matches actions for any service, which is
// how the Category C global cooldown is evaluated.
func (l *Ledger) InCooldown(ctx context.Context, service string, window time.Duration) (bool, error) {
	query := `SELECT count(*) FROM recovery_actions
	          WHERE success AND created_at > now() - $1::interval`
	args := []any{pgInterval(window)}
	if service != "" {
		query += ` AND service_name = $2`
		args = append(args, service)
	}

	var count int
	if err := l.db.GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("cooldown query: %w", err)
	}
	return count > 0, nil
}

// CriticalEventCount counts CRITICAL and EMERGENCY events in the window.
func (l *Ledger) CriticalEventCount(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count,
		`SELECT count(*) FROM self_healing_events
		 WHERE severity IN ('CRITICAL', 'EMERGENCY')
		   AND created_at > now() - $1::interval`,
		pgInterval(window))
	if err != nil {
		return 0, fmt.Errorf("critical event count: %w", err)
	}
	return count, nil
}

// RecordAction appends one recovery attempt with its outcome.
func (l *Ledger) RecordAction(ctx context.Context, action Action) error {
	var metadata any
	if action.Metadata != nil {
		raw, err := json.Marshal(action.Metadata)
		if err != nil {
			return fmt.Errorf("marshal action metadata: %w", err)
		}
		metadata = raw
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO recovery_actions
		   (action_type, service_name, reason, success, duration_ms, error_message, metadata)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		string(action.Type), action.Service, action.Reason, action.Success,
		action.Duration.Milliseconds(), action.ErrMsg, metadata)
	if err != nil {
		return fmt.Errorf("record action %s: %w", action.Type, err)
	}
	return nil
}

// RecordEvent appends one self-healing event.
func (l *Ledger) RecordEvent(ctx context.Context, event Event) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO self_healing_events
		   (event_type, severity, description, action_taken, service_name, success)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
		event.Type, string(event.Severity), event.Description,
		event.ActionTaken, event.Service, event.Success)
	if err != nil {
		return fmt.Errorf("record event %s: %w", event.Type, err)
	}
	return nil
}

// Trim invokes the server-side prune_ledger function.
func (l *Ledger) Trim(ctx context.Context, retentionDays int) error {
	if _, err := l.db.ExecContext(ctx, `SELECT prune_ledger($1)`, retentionDays); err != nil {
		return fmt.Errorf("trim ledger: %w", err)
	}
	return nil
}

// RecentRebootCount counts reboot rows created within the window,
// completed or not. The safety gate refuses past a ceiling.
func (l *Ledger) RecentRebootCount(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count,
		`SELECT count(*) FROM reboot_events
		 WHERE created_at > now() - $1::interval`,
		pgInterval(window))
	if err != nil {
		return 0, fmt.Errorf("recent reboot count: %w", err)
	}
	return count, nil
}

// CreatePendingReboot inserts the pre-reboot snapshot row. The partial
// unique index guarantees at most one pending row; a second insert while
// one is pending fails, which is the desired behavior.
func (l *Ledger) CreatePendingReboot(ctx context.Context, reason string, preState json.RawMessage) (string, error) {
	var id string
	err := l.db.GetContext(ctx, &id,
		`INSERT INTO reboot_events (reason, pre_state) VALUES ($1, $2) RETURNING id`,
		reason, preState)
	if err != nil {
		return "", fmt.Errorf("create pending reboot: %w", err)
	}
	return id, nil
}

// FindPendingReboot returns the pending reboot row, or nil when none
// exists.
func (l *Ledger) FindPendingReboot(ctx context.Context) (*RebootEvent, error) {
	var event RebootEvent
	err := l.db.GetContext(ctx, &event,
		`SELECT id, reason, pre_state, post_state, reboot_completed, validation_passed, created_at
		 FROM reboot_events WHERE NOT reboot_completed`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending reboot: %w", err)
	}
	return &event, nil
}

// CompleteReboot closes a pending reboot row with the validation outcome.
func (l *Ledger) CompleteReboot(ctx context.Context, id string, postState json.RawMessage, validationPassed bool) error {
	result, err := l.db.ExecContext(ctx,
		`UPDATE reboot_events
		 SET reboot_completed = true, post_state = $2, validation_passed = $3
		 WHERE id = $1`,
		id, postState, validationPassed)
	if err != nil {
		return fmt.Errorf("complete reboot %s: %w", id, err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("complete reboot %s: no pending row", id)
	}
	return nil
}

// pgInterval renders a duration as a Postgres interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
