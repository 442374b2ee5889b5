// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() { db.Close() })

	logger := logging.New(logging.Config{Level: logging.LevelError, Service: "ledger-test", Quiet: true})
	t.Cleanup(func() { logger.Close() })
	return New(db, logger), mock
}

func TestRecordFailure(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec(`INSERT INTO service_failures`).
		WithArgs("llm-inference", "unit_down", "exited").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, l.RecordFailure(context.Background(), "llm-inference", "unit_down", "exited"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureCount(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM service_failures`).
		WithArgs("broker-host", "3600 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := l.FailureCount(context.Background(), "broker-host", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCooldownPerService(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM recovery_actions`).
		WithArgs("300 seconds", "llm-inference").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	cooling, err := l.InCooldown(context.Background(), "llm-inference", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, cooling)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCooldownGlobal(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM recovery_actions`).
		WithArgs("3600 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	cooling, err := l.InCooldown(context.Background(), "", time.Hour)
	require.NoError(t, err)
	assert.False(t, cooling)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAction(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec(`INSERT INTO recovery_actions`).
		WithArgs("service_restart", "llm-inference", "unit exited", true,
			int64(1500), "", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.RecordAction(context.Background(), Action{
		Type:     ActionServiceRestart,
		Service:  "llm-inference",
		Reason:   "unit exited",
		Success:  true,
		Duration: 1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordActionWithMetadata(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec(`INSERT INTO recovery_actions`).
		WithArgs("gpu_throttle", "", "gpu temperature 91.0C above critical threshold 90.0C",
			true, int64(0), "", []byte(`{"temperature_c":91}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.RecordAction(context.Background(), Action{
		Type:     ActionGPUThrottle,
		Reason:   "gpu temperature 91.0C above critical threshold 90.0C",
		Success:  true,
		Metadata: map[string]any{"temperature_c": 91},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvent(t *testing.T) {
	l, mock := newLedger(t)
	success := true
	mock.ExpectExec(`INSERT INTO self_healing_events`).
		WithArgs("escalation", "CRITICAL", "three consecutive failed heal cycles",
			"", "", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.RecordEvent(context.Background(), Event{
		Type:        "escalation",
		Severity:    SeverityCritical,
		Description: "three consecutive failed heal cycles",
		Success:     &success,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrim(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec(`SELECT prune_ledger`).
		WithArgs(30).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Trim(context.Background(), 30))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPendingRebootNone(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectQuery(`SELECT .* FROM reboot_events WHERE NOT reboot_completed`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	event, err := l.FindPendingReboot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPendingReboot(t *testing.T) {
	l, mock := newLedger(t)
	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "reason", "pre_state", "post_state", "reboot_completed", "validation_passed", "created_at",
	}).AddRow("a1b2", "gpu unrecoverable", []byte(`{}`), nil, false, nil, created)
	mock.ExpectQuery(`SELECT .* FROM reboot_events WHERE NOT reboot_completed`).
		WillReturnRows(rows)

	event, err := l.FindPendingReboot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "gpu unrecoverable", event.Reason)
	assert.False(t, event.Completed)
	assert.False(t, event.ValidationPassed.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRebootNoRow(t *testing.T) {
	l, mock := newLedger(t)
	mock.ExpectExec(`UPDATE reboot_events`).
		WithArgs("missing", []byte(`{}`), true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.CompleteReboot(context.Background(), "missing", []byte(`{}`), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgInterval(t *testing.T) {
	assert.Equal(t, "300 seconds", pgInterval(5*time.Minute))
	assert.Equal(t, "3600 seconds", pgInterval(time.Hour))
}
