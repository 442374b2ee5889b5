// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Service: "telemetry-test", Quiet: true})
	t.Cleanup(func() { logger.Close() })
	return logger
}

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

type fixedSource struct {
	sample probes.Sample
	ok     bool
}

func (f fixedSource) Latest() (probes.Sample, bool) { return f.sample, f.ok }

func testSample() probes.Sample {
	return probes.Sample{
		CPUPercent:   42.5,
		RAMPercent:   61.2,
		GPUPercent:   17.0,
		TemperatureC: 48.0,
		Disk: probes.DiskUsage{
			UsedBytes:  800,
			FreeBytes:  200,
			TotalBytes: 1000,
			Percent:    80,
		},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPersistOnceWritesAllTables(t *testing.T) {
	db, mock := mockDB(t)
	sample := testSample()

	mock.ExpectExec(`INSERT INTO metrics_cpu`).
		WithArgs(sample.Timestamp, sample.CPUPercent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metrics_ram`).
		WithArgs(sample.Timestamp, sample.RAMPercent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metrics_gpu`).
		WithArgs(sample.Timestamp, sample.GPUPercent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metrics_temperature`).
		WithArgs(sample.Timestamp, sample.TemperatureC).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metrics_disk`).
		WithArgs(sample.Timestamp, int64(800), int64(200), int64(1000), 80.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := NewPersister(db, fixedSource{sample, true}, nil,
		Config{PersistInterval: time.Second, CleanupInterval: time.Hour, RetentionDays: 30},
		testLogger(t), nil)

	require.NoError(t, p.persistOnce(context.Background(), sample))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(0), p.SlowPersists())
}

func TestPersistOnceStopsOnFirstError(t *testing.T) {
	db, mock := mockDB(t)
	sample := testSample()

	mock.ExpectExec(`INSERT INTO metrics_cpu`).
		WillReturnError(assert.AnError)

	p := NewPersister(db, fixedSource{sample, true}, nil,
		Config{PersistInterval: time.Second, CleanupInterval: time.Hour, RetentionDays: 30},
		testLogger(t), nil)

	require.Error(t, p.persistOnce(context.Background(), sample))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneOnce(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectExec(`SELECT prune_metrics`).
		WithArgs(14).
		WillReturnResult(sqlmock.NewResult(0, 0))

	p := NewPersister(db, fixedSource{}, nil,
		Config{PersistInterval: time.Second, CleanupInterval: time.Hour, RetentionDays: 14},
		testLogger(t), nil)

	require.NoError(t, p.pruneOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetricsNoSample(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, _ := mockDB(t)
	p := NewPersister(db, fixedSource{}, nil, Config{PersistInterval: time.Second, CleanupInterval: time.Hour}, testLogger(t), nil)
	h := NewHandlers(fixedSource{ok: false}, &gpuhealth.State{}, p)

	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetMetricsReturnsSample(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, _ := mockDB(t)
	sample := testSample()
	p := NewPersister(db, fixedSource{}, nil, Config{PersistInterval: time.Second, CleanupInterval: time.Hour}, testLogger(t), nil)
	h := NewHandlers(fixedSource{sample, true}, &gpuhealth.State{}, p)

	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got probes.Sample
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, sample.CPUPercent, got.CPUPercent)
	assert.Equal(t, sample.Disk.Percent, got.Disk.Percent)
}

func TestGetGPU(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, _ := mockDB(t)
	p := NewPersister(db, fixedSource{}, nil, Config{PersistInterval: time.Second, CleanupInterval: time.Hour}, testLogger(t), nil)

	state := &gpuhealth.State{}
	state.Set(
		gpuhealth.Snapshot{Name: "RTX 4090", TemperatureC: 72},
		gpuhealth.Assessment{Health: gpuhealth.Healthy, Error: gpuhealth.ErrNone},
	)
	h := NewHandlers(fixedSource{}, state, p)

	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/gpu", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "HEALTHY", body["health"])
}

func TestPing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, _ := mockDB(t)
	p := NewPersister(db, fixedSource{}, nil, Config{PersistInterval: time.Second, CleanupInterval: time.Hour}, testLogger(t), nil)
	h := NewHandlers(fixedSource{}, &gpuhealth.State{}, p)

	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/metrics/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
