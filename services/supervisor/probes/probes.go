// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probes reads host telemetry: CPU, RAM, disk, temperature, and
// the GPU utilization reported by the gpuhealth prober.
//
// Every field is best-effort. A failed read yields zero for that field
// and a warning log; a sample is never aborted because one counter was
// unreadable. Long-running appliances see individual counters disappear
// (driver reloads, thermal zone renumbering) and the supervisor must
// keep sampling through that.
package probes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
)

// DiskUsage is the root filesystem stat carried on every sample.
type DiskUsage struct {
	UsedBytes  uint64  `json:"used"`
	FreeBytes  uint64  `json:"free"`
	TotalBytes uint64  `json:"total"`
	Percent    float64 `json:"percent"`
}

// Sample is one reading of all host telemetry.
type Sample struct {
	CPUPercent   float64   `json:"cpu_percent"`
	RAMPercent   float64   `json:"ram_percent"`
	GPUPercent   float64   `json:"gpu_percent"`
	TemperatureC float64   `json:"temperature_c"`
	Disk         DiskUsage `json:"disk"`
	Timestamp    time.Time `json:"timestamp"`
}

// GPUReader is the slice of the gpuhealth prober the sampler needs.
type GPUReader interface {
	Snapshot(ctx context.Context) (gpuhealth.Snapshot, error)
}

// Collector reads one Sample on demand.
type Collector struct {
	gpu        GPUReader
	logger     *logging.Logger
	rootPath   string
	thermalDir string
}

// NewCollector builds a Collector. gpu may be nil on GPU-less hosts.
func NewCollector(gpu GPUReader, logger *logging.Logger) *Collector {
	return &Collector{
		gpu:        gpu,
		logger:     logger,
		rootPath:   "/",
		thermalDir: "/sys/class/thermal",
	}
}

// Collect reads every field best-effort and never returns an error.
func (c *Collector) Collect(ctx context.Context) Sample {
	sample := Sample{Timestamp: time.Now().UTC()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else {
		c.logger.Warn("cpu probe failed", "error", errString(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.RAMPercent = vm.UsedPercent
	} else {
		c.logger.Warn("ram probe failed", "error", errString(err))
	}

	if usage, err := disk.UsageWithContext(ctx, c.rootPath); err == nil {
		sample.Disk = DiskUsage{
			UsedBytes:  usage.Used,
			FreeBytes:  usage.Free,
			TotalBytes: usage.Total,
			Percent:    usage.UsedPercent,
		}
	} else {
		c.logger.Warn("disk probe failed", "error", errString(err))
	}

	var gpuTemp float64
	if c.gpu != nil {
		if snap, err := c.gpu.Snapshot(ctx); err == nil {
			sample.GPUPercent = snap.UtilizationPercent
			gpuTemp = snap.TemperatureC
		} else {
			c.logger.Warn("gpu probe failed", "error", err.Error())
		}
	}

	if temp, err := readThermalZone(c.thermalDir); err == nil {
		sample.TemperatureC = temp
	} else if gpuTemp > 0 {
		// No host thermal zone; the GPU sensor is the best we have.
		sample.TemperatureC = gpuTemp
	} else {
		c.logger.Warn("temperature probe failed", "error", err.Error())
	}

	return sample
}

// readThermalZone returns the first readable thermal zone, in °C.
func readThermalZone(dir string) (float64, error) {
	zones, err := filepath.Glob(filepath.Join(dir, "thermal_zone*", "temp"))
	if err != nil || len(zones) == 0 {
		return 0, fmt.Errorf("no thermal zones under %s", dir)
	}
	sort.Strings(zones)

	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		return milli / 1000, nil
	}
	return 0, fmt.Errorf("no readable thermal zone under %s", dir)
}

func errString(err error) string {
	if err == nil {
		return "empty result"
	}
	return err.Error()
}

// Sampler runs the collector on a fixed period and holds the latest
// sample behind a mutex. The control loop and the HTTP handlers read a
// snapshot; only the sampler goroutine writes.
type Sampler struct {
	collector *Collector
	interval  time.Duration
	logger    *logging.Logger

	mu     sync.RWMutex
	latest Sample
	hasOne bool
}

// NewSampler wraps a Collector with periodic collection at interval.
func NewSampler(collector *Collector, interval time.Duration, logger *logging.Logger) *Sampler {
	return &Sampler{collector: collector, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled. The first sample is taken
// immediately so readers never wait a full interval at startup.
func (s *Sampler) Run(ctx context.Context) error {
	s.store(s.collector.Collect(ctx))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.store(s.collector.Collect(ctx))
		}
	}
}

func (s *Sampler) store(sample Sample) {
	s.mu.Lock()
	s.latest = sample
	s.hasOne = true
	s.mu.Unlock()
}

// Latest returns the most recent sample and whether one exists yet.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasOne
}
