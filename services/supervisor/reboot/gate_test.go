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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/inspector"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/ledger"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

type fakeLedger struct {
	rebootCount   int
	criticalCount int
	pending       *ledger.RebootEvent
	created       []string
	createdStates []json.RawMessage
	completed     map[string]bool
	events        []ledger.Event
}

func (f *fakeLedger) RecentRebootCount(ctx context.Context, window time.Duration) (int, error) {
	return f.rebootCount, nil
}

func (f *fakeLedger) CriticalEventCount(ctx context.Context, window time.Duration) (int, error) {
	return f.criticalCount, nil
}

func (f *fakeLedger) CreatePendingReboot(ctx context.Context, reason string, preState json.RawMessage) (string, error) {
	f.created = append(f.created, reason)
	f.createdStates = append(f.createdStates, preState)
	return "reboot-1", nil
}

func (f *fakeLedger) FindPendingReboot(ctx context.Context) (*ledger.RebootEvent, error) {
	return f.pending, nil
}

func (f *fakeLedger) CompleteReboot(ctx context.Context, id string, postState json.RawMessage, validationPassed bool) error {
	if f.completed == nil {
		f.completed = map[string]bool{}
	}
	f.completed[id] = validationPassed
	return nil
}

func (f *fakeLedger) RecordEvent(ctx context.Context, event ledger.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

type fakeSampler struct {
	sample probes.Sample
	ok     bool
}

func (f fakeSampler) Latest() (probes.Sample, bool) { return f.sample, f.ok }

type fakeUnits struct {
	units []inspector.Unit
	err   error
}

func (f fakeUnits) Units(ctx context.Context) ([]inspector.Unit, error) { return f.units, f.err }

type fakeWorkflows struct{ running int }

func (f fakeWorkflows) RunningCount(ctx context.Context, window time.Duration) (int, error) {
	return f.running, nil
}

type gateFixture struct {
	gate   *Gate
	ledger *fakeLedger
	cmds   *[]string
	sleeps *[]time.Duration
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Service: "reboot-test", Quiet: true})
	t.Cleanup(func() { logger.Close() })
	return logger
}

func newGateFixture(t *testing.T, mutate func(*fakeLedger, *fakePinger, *fakeSampler, *fakeWorkflows)) *gateFixture {
	t.Helper()

	lgr := &fakeLedger{}
	pinger := &fakePinger{}
	sampler := &fakeSampler{sample: probes.Sample{Disk: probes.DiskUsage{Percent: 50}}, ok: true}
	workflows := &fakeWorkflows{}
	if mutate != nil {
		mutate(lgr, pinger, sampler, workflows)
	}

	logger := testLogger(t)
	marker := NewMarkerWatcher(filepath.Join(t.TempDir(), "update.marker"), logger)

	var cmds []string
	run := func(ctx context.Context, name string, args ...string) error {
		cmds = append(cmds, name+" "+strings.Join(args, " "))
		return nil
	}

	gate := NewGate(lgr, *pinger, marker, *sampler, fakeUnits{units: allCoresRunning()}, *workflows, run, logger)
	var sleeps []time.Duration
	gate.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	return &gateFixture{gate: gate, ledger: lgr, cmds: &cmds, sleeps: &sleeps}
}

func allCoresRunning() []inspector.Unit {
	units := make([]inspector.Unit, 0)
	for _, name := range inspector.CoreUnits() {
		units = append(units, inspector.Unit{
			Name: name, Status: "running", Health: "healthy", Class: inspector.ClassCore,
		})
	}
	return units
}

func TestGateExecutesWhenClear(t *testing.T) {
	f := newGateFixture(t, nil)

	executed, err := f.gate.Request(context.Background(), "gpu unrecoverable")
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, []string{"systemctl reboot"}, *f.cmds)
	require.Len(t, f.ledger.created, 1)

	var state preState
	require.NoError(t, json.Unmarshal(f.ledger.createdStates[0], &state))
	assert.Equal(t, "gpu unrecoverable", state.Reason)
	assert.Len(t, state.Services, len(inspector.CoreUnits()))
}

func TestGateRefusesRebootStorm(t *testing.T) {
	f := newGateFixture(t, func(l *fakeLedger, _ *fakePinger, _ *fakeSampler, _ *fakeWorkflows) {
		l.rebootCount = 3
	})

	executed, err := f.gate.Request(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Empty(t, *f.cmds)
	require.Len(t, f.ledger.events, 1)
	assert.Equal(t, "reboot_refused", f.ledger.events[0].Type)
	assert.Contains(t, f.ledger.events[0].Description, "3 reboots")
}

func TestGateRefusesWithoutDatabase(t *testing.T) {
	f := newGateFixture(t, func(_ *fakeLedger, p *fakePinger, _ *fakeSampler, _ *fakeWorkflows) {
		p.err = errors.New("connection refused")
	})

	executed, err := f.gate.Request(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Contains(t, f.ledger.events[0].Description, "unreachable")
}

func TestGateRefusesDuringUpdate(t *testing.T) {
	logger := testLogger(t)
	markerPath := filepath.Join(t.TempDir(), "update.marker")
	require.NoError(t, os.WriteFile(markerPath, nil, 0o644))

	lgr := &fakeLedger{}
	gate := NewGate(lgr, fakePinger{}, NewMarkerWatcher(markerPath, logger),
		fakeSampler{ok: true}, fakeUnits{}, fakeWorkflows{},
		func(ctx context.Context, name string, args ...string) error { return nil }, logger)
	gate.sleep = func(time.Duration) {}

	executed, err := gate.Request(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Contains(t, lgr.events[0].Description, "update in progress")
}

func TestGateDiskPredicate(t *testing.T) {
	t.Run("refuses non-disk trigger on full disk", func(t *testing.T) {
		f := newGateFixture(t, func(_ *fakeLedger, _ *fakePinger, s *fakeSampler, _ *fakeWorkflows) {
			s.sample.Disk.Percent = 98.5
		})

		executed, err := f.gate.Request(context.Background(), "gpu hang")
		require.NoError(t, err)
		assert.False(t, executed)
	})

	t.Run("allows disk trigger on full disk", func(t *testing.T) {
		f := newGateFixture(t, func(_ *fakeLedger, _ *fakePinger, s *fakeSampler, _ *fakeWorkflows) {
			s.sample.Disk.Percent = 98.5
		})

		executed, err := f.gate.Request(context.Background(), "disk at 98.5% above reboot threshold")
		require.NoError(t, err)
		assert.True(t, executed)
	})
}

func TestGateWaitsOnceForWorkflows(t *testing.T) {
	f := newGateFixture(t, func(_ *fakeLedger, _ *fakePinger, _ *fakeSampler, w *fakeWorkflows) {
		w.running = 2
	})

	executed, err := f.gate.Request(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, executed, "workflows delay the reboot but do not refuse it")
	// One workflow wait plus the grace period.
	require.Len(t, *f.sleeps, 2)
	assert.Equal(t, workflowWait, (*f.sleeps)[0])
	assert.Equal(t, gracePeriod, (*f.sleeps)[1])
}

func TestValidatorNoPendingRow(t *testing.T) {
	lgr := &fakeLedger{}
	v := NewValidator(lgr, fakePinger{}, fakeUnits{}, fakeSampler{}, nil, testLogger(t))
	v.sleep = func(time.Duration) {}

	require.NoError(t, v.Run(context.Background()))
	assert.Empty(t, lgr.completed)
	assert.Empty(t, lgr.events)
}

func TestValidatorPasses(t *testing.T) {
	lgr := &fakeLedger{pending: &ledger.RebootEvent{ID: "reboot-1", Reason: "gpu hang"}}
	sampler := fakeSampler{sample: probes.Sample{Disk: probes.DiskUsage{Percent: 40}}, ok: true}

	v := NewValidator(lgr, fakePinger{}, fakeUnits{units: allCoresRunning()}, sampler, nil, testLogger(t))
	v.sleep = func(time.Duration) {}

	require.NoError(t, v.Run(context.Background()))
	require.Contains(t, lgr.completed, "reboot-1")
	assert.True(t, lgr.completed["reboot-1"])
	require.Len(t, lgr.events, 1)
	assert.Equal(t, ledger.SeverityInfo, lgr.events[0].Severity)
}

func TestValidatorFailsWhenCoreMissing(t *testing.T) {
	lgr := &fakeLedger{pending: &ledger.RebootEvent{ID: "reboot-1", Reason: "disk"}}
	units := allCoresRunning()[1:] // drop one core

	v := NewValidator(lgr, fakePinger{}, fakeUnits{units: units},
		fakeSampler{sample: probes.Sample{Disk: probes.DiskUsage{Percent: 40}}, ok: true}, nil, testLogger(t))
	v.sleep = func(time.Duration) {}

	require.NoError(t, v.Run(context.Background()))
	assert.False(t, lgr.completed["reboot-1"])
	assert.Equal(t, ledger.SeverityCritical, lgr.events[0].Severity)
}

func TestValidatorFailsOnFullDisk(t *testing.T) {
	lgr := &fakeLedger{pending: &ledger.RebootEvent{ID: "reboot-1", Reason: "disk at 97%"}}

	v := NewValidator(lgr, fakePinger{}, fakeUnits{units: allCoresRunning()},
		fakeSampler{sample: probes.Sample{Disk: probes.DiskUsage{Percent: 96}}, ok: true}, nil, testLogger(t))
	v.sleep = func(time.Duration) {}

	require.NoError(t, v.Run(context.Background()))
	assert.False(t, lgr.completed["reboot-1"])
}

func TestValidatorGPUCheck(t *testing.T) {
	lgr := &fakeLedger{pending: &ledger.RebootEvent{ID: "reboot-1", Reason: "gpu"}}

	v := NewValidator(lgr, fakePinger{}, fakeUnits{units: allCoresRunning()},
		fakeSampler{sample: probes.Sample{Disk: probes.DiskUsage{Percent: 40}}, ok: true},
		failingGPU{}, testLogger(t))
	v.sleep = func(time.Duration) {}

	require.NoError(t, v.Run(context.Background()))
	assert.False(t, lgr.completed["reboot-1"])
}

type failingGPU struct{}

func (failingGPU) Snapshot(ctx context.Context) (gpuhealth.Snapshot, error) {
	return gpuhealth.Snapshot{}, errors.New("nvml init failed")
}

func TestMarkerWatcherTracksEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "update.marker")
	logger := testLogger(t)

	m := NewMarkerWatcher(path, logger)
	assert.False(t, m.Present())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	waitFor(t, func() bool { return m.Present() }, "marker creation not observed")

	require.NoError(t, os.Remove(path))
	waitFor(t, func() bool { return !m.Present() }, "marker removal not observed")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
