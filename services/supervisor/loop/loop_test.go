// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/recovery"
)

// ----------------------------------------------------------------------------
// fakes
// ----------------------------------------------------------------------------

type stubRuntime struct{ calls []string }

func (s *stubRuntime) Restart(ctx context.Context, unit string) error {
	s.calls = append(s.calls, "restart:"+unit)
	return nil
}
func (s *stubRuntime) Stop(ctx context.Context, unit string) error {
	s.calls = append(s.calls, "stop:"+unit)
	return nil
}
func (s *stubRuntime) Start(ctx context.Context, unit string) error {
	s.calls = append(s.calls, "start:"+unit)
	return nil
}
func (s *stubRuntime) PruneImages(ctx context.Context) error { return nil }

type stubLedger struct {
	events       []ledger.Event
	actions      []ledger.Action
	trims        int
	failureCount int
}

func (s *stubLedger) RecordFailure(ctx context.Context, service, failureType, healthStatus string) error {
	return nil
}
func (s *stubLedger) FailureCount(ctx context.Context, service string, window time.Duration) (int, error) {
	return s.failureCount, nil
}
func (s *stubLedger) InCooldown(ctx context.Context, service string, window time.Duration) (bool, error) {
	return false, nil
}
func (s *stubLedger) CriticalEventCount(ctx context.Context, window time.Duration) (int, error) {
	return 0, nil
}
func (s *stubLedger) RecordAction(ctx context.Context, action ledger.Action) error {
	s.actions = append(s.actions, action)
	return nil
}
func (s *stubLedger) RecordEvent(ctx context.Context, event ledger.Event) error {
	s.events = append(s.events, event)
	return nil
}
func (s *stubLedger) Trim(ctx context.Context, retentionDays int) error {
	s.trims++
	return nil
}

type stubMaint struct{}

func (stubMaint) PruneMetrics(ctx context.Context) error { return nil }
func (stubMaint) Vacuum(ctx context.Context) error       { return nil }

type stubSampler struct {
	sample probes.Sample
	ok     bool
}

func (s stubSampler) Latest() (probes.Sample, bool) { return s.sample, s.ok }

// swapSampler lets a test move the sample timestamp between cycles.
type swapSampler struct {
	sample probes.Sample
}

func (s *swapSampler) Latest() (probes.Sample, bool) { return s.sample, true }

type stubUnits struct {
	units []inspector.Unit
	err   error
	panic bool
}

func (s stubUnits) Units(ctx context.Context) ([]inspector.Unit, error) {
	if s.panic {
		panic("inspector exploded")
	}
	return s.units, s.err
}

// ----------------------------------------------------------------------------
// fixture
// ----------------------------------------------------------------------------

type fixture struct {
	loop    *Loop
	runtime *stubRuntime
	ledger  *stubLedger
	hbPath  string
}

func newFixture(t *testing.T, sampler SampleSource, units stubUnits) *fixture {
	t.Helper()

	logger := logging.New(logging.Config{Level: logging.LevelError, Service: "loop-test", Quiet: true})
	t.Cleanup(func() { logger.Close() })

	runtime := &stubRuntime{}
	lgr := &stubLedger{failureCount: 1}

	exec := recovery.New(recovery.Config{
		Enabled:             true,
		FailureWindow:       10 * time.Minute,
		CooldownWindow:      5 * time.Minute,
		MaxAttempts:         3,
		HardCooldown:        time.Hour,
		CriticalWindow:      30 * time.Minute,
		CriticalMax:         3,
		RetentionDays:       30,
		LogRoot:             t.TempDir(),
		DiskWarnPercent:     80,
		DiskCleanupPercent:  90,
		DiskCriticalPercent: 95,
		DiskRebootPercent:   97,
	}, runtime, lgr, stubMaint{}, nil, nil,
		func(ctx context.Context, name string, args ...string) error { return nil },
		logger, nil)

	hbPath := filepath.Join(t.TempDir(), "heartbeat.json")
	l := New(Config{
		Interval:         time.Hour,
		HeartbeatPath:    hbPath,
		MaxHeartbeatAge:  time.Minute,
		StaleSampleAfter: time.Minute,
		TelemetryUnit:    "dashboard-backend",
		RetentionDays:    30,
	}, sampler, nil, gpuhealth.NewClassifier(gpuhealth.DefaultThresholds()),
		&gpuhealth.State{}, units, exec, lgr, logger, nil)

	return &fixture{loop: l, runtime: runtime, ledger: lgr, hbPath: hbPath}
}

func freshSample() stubSampler {
	return stubSampler{sample: probes.Sample{
		Timestamp: time.Now().UTC(),
		Disk:      probes.DiskUsage{Percent: 40},
	}, ok: true}
}

// ----------------------------------------------------------------------------
// tests
// ----------------------------------------------------------------------------

func TestCycleWritesHeartbeat(t *testing.T) {
	f := newFixture(t, freshSample(), stubUnits{})

	f.loop.cycle(context.Background())

	raw, err := os.ReadFile(f.hbPath)
	require.NoError(t, err)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(raw, &hb))
	assert.Equal(t, "healthy", hb.Status)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestCycleRecoversUnhealthyUnit(t *testing.T) {
	units := stubUnits{units: []inspector.Unit{
		{Name: "llm-inference", Status: "exited", Health: "unknown", Class: inspector.ClassCore},
		{Name: "dashboard-backend", Status: "running", Health: "healthy", Class: inspector.ClassCore},
	}}
	f := newFixture(t, freshSample(), units)

	f.loop.cycle(context.Background())

	assert.Equal(t, []string{"restart:llm-inference"}, f.runtime.calls,
		"only the unhealthy unit is acted on")
}

func TestCycleSkipsNonRestartableUnits(t *testing.T) {
	units := stubUnits{units: []inspector.Unit{
		{Name: "edge-supervisor", Status: "exited", Class: inspector.ClassSelf},
		{Name: "night-batch", Status: "exited", Class: inspector.ClassStoreManaged, IntendedState: "installed"},
	}}
	f := newFixture(t, freshSample(), units)

	f.loop.cycle(context.Background())

	assert.Empty(t, f.runtime.calls)
}

func TestCycleRecoversRunningButUnhealthyUnit(t *testing.T) {
	units := stubUnits{units: []inspector.Unit{
		{Name: "broker-host", Status: "running", Health: "unhealthy", Class: inspector.ClassCore},
	}}
	f := newFixture(t, freshSample(), units)

	f.loop.cycle(context.Background())

	assert.Equal(t, []string{"restart:broker-host"}, f.runtime.calls)
}

func TestPanicIsRecoveredAndCounted(t *testing.T) {
	f := newFixture(t, freshSample(), stubUnits{panic: true})

	for i := 0; i < consecutiveFailureCeiling; i++ {
		f.loop.cycle(context.Background())
	}

	var critical int
	for _, event := range f.ledger.events {
		if event.Type == "supervisor_degraded" {
			critical++
		}
	}
	assert.Equal(t, 1, critical, "exactly one CRITICAL at the ceiling")
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	f := newFixture(t, freshSample(), stubUnits{})
	failing := newFixture(t, freshSample(), stubUnits{panic: true})

	// Two failures, then emulate recovery by running the healthy
	// loop's check: the counter must reset rather than accumulate.
	failing.loop.cycle(context.Background())
	failing.loop.cycle(context.Background())
	f.loop.cycle(context.Background())

	assert.Empty(t, f.ledger.events)
}

func TestStaleSampleRaisesOneEventPerEpisode(t *testing.T) {
	stale := stubSampler{sample: probes.Sample{
		Timestamp: time.Now().Add(-5 * time.Minute),
		Disk:      probes.DiskUsage{Percent: 40},
	}, ok: true}
	f := newFixture(t, stale, stubUnits{})

	f.loop.cycle(context.Background())
	f.loop.cycle(context.Background())

	var staleEvents int
	for _, event := range f.ledger.events {
		if event.Type == "telemetry_stale" {
			staleEvents++
		}
	}
	assert.Equal(t, 1, staleEvents)
}

func TestStaleSampleRestartsTelemetryUnitOnce(t *testing.T) {
	stale := stubSampler{sample: probes.Sample{
		Timestamp: time.Now().Add(-5 * time.Minute),
		Disk:      probes.DiskUsage{Percent: 40},
	}, ok: true}
	f := newFixture(t, stale, stubUnits{})

	f.loop.cycle(context.Background())
	f.loop.cycle(context.Background())

	// One restart for the whole episode, recorded like any ladder action.
	assert.Equal(t, []string{"restart:dashboard-backend"}, f.runtime.calls)
	require.NotEmpty(t, f.ledger.actions)
	assert.Equal(t, "dashboard-backend", f.ledger.actions[0].Service)
}

func TestTelemetryRestartLatchResetsPerEpisode(t *testing.T) {
	s := &swapSampler{sample: probes.Sample{
		Timestamp: time.Now().Add(-5 * time.Minute),
		Disk:      probes.DiskUsage{Percent: 40},
	}}
	f := newFixture(t, s, stubUnits{})

	f.loop.cycle(context.Background())
	f.loop.cycle(context.Background())

	// A fresh sample ends the episode and resets the latch.
	s.sample.Timestamp = time.Now()
	f.loop.cycle(context.Background())

	s.sample.Timestamp = time.Now().Add(-5 * time.Minute)
	f.loop.cycle(context.Background())

	assert.Equal(t,
		[]string{"restart:dashboard-backend", "restart:dashboard-backend"},
		f.runtime.calls)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, freshSample(), stubUnits{})

	r := gin.New()
	r.GET("/health", f.loop.HealthHandler)

	// Before any cycle the heartbeat is missing: stale.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.loop.cycle(context.Background())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, float64(1), body["check_count"])
}

func TestTrimEveryHundredCycles(t *testing.T) {
	f := newFixture(t, freshSample(), stubUnits{})

	for i := 0; i < trimEvery; i++ {
		f.loop.cycle(context.Background())
	}

	assert.Equal(t, 1, f.ledger.trims)
}
