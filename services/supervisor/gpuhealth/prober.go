// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gpuhealth

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// nvmlRecoverySleep separates shutdown and re-init when the library
// wedges; the driver needs a moment to release the handle.
const nvmlRecoverySleep = 2 * time.Second

// maxRecoveryFailures is how many consecutive failed recovery sequences
// the prober tolerates before reporting the GPU unavailable.
const maxRecoveryFailures = 2

// Prober reads GPU counters via NVML with an nvidia-smi fallback.
//
// NVML initialization is idempotent and recoverable: on a library error
// the prober shuts the library down, sleeps, and re-initializes; if that
// keeps failing it shells out to nvidia-smi, and after two consecutive
// failed recovery sequences it reports Unavailable until a probe
// succeeds again.
type Prober struct {
	logger *logging.Logger

	mu               sync.Mutex
	initialized      bool
	recoveryFailures int
}

// NewProber builds a Prober; NVML is initialized lazily on first probe.
func NewProber(logger *logging.Logger) *Prober {
	return &Prober{logger: logger}
}

// Snapshot reads the counters of GPU 0. Multi-GPU appliances are not a
// shipping SKU; index 0 is the inference GPU.
func (p *Prober) Snapshot(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.readNVML()
	if err == nil {
		p.recoveryFailures = 0
		return snap, nil
	}
	p.logger.Warn("NVML read failed, attempting recovery", "error", err.Error())

	if recErr := p.recoverNVML(); recErr == nil {
		if snap, err = p.readNVML(); err == nil {
			p.recoveryFailures = 0
			return snap, nil
		}
	}

	// Library is wedged; try the query tool before giving up.
	snap, smiErr := p.readSMI(ctx)
	if smiErr == nil {
		p.recoveryFailures = 0
		return snap, nil
	}

	p.recoveryFailures++
	if p.recoveryFailures >= maxRecoveryFailures {
		return Snapshot{}, fmt.Errorf("gpu unavailable after %d recovery failures: nvml: %v; nvidia-smi: %v",
			p.recoveryFailures, err, smiErr)
	}
	return Snapshot{}, fmt.Errorf("gpu probe failed: nvml: %v; nvidia-smi: %v", err, smiErr)
}

// Unavailable reports whether the prober has exhausted its recovery
// budget since the last successful probe.
func (p *Prober) Unavailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoveryFailures >= maxRecoveryFailures
}

// Shutdown releases the NVML library.
func (p *Prober) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		nvml.Shutdown()
		p.initialized = false
	}
}

func (p *Prober) ensureInit() error {
	if p.initialized {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	p.initialized = true
	return nil
}

func (p *Prober) recoverNVML() error {
	if p.initialized {
		nvml.Shutdown()
		p.initialized = false
	}
	time.Sleep(nvmlRecoverySleep)
	return p.ensureInit()
}

func (p *Prober) readNVML() (Snapshot, error) {
	if err := p.ensureInit(); err != nil {
		return Snapshot{}, err
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return Snapshot{}, fmt.Errorf("device handle: %s", nvml.ErrorString(ret))
	}

	snap := Snapshot{Index: 0, Timestamp: time.Now().UTC()}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		snap.Name = name
	}
	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		snap.TemperatureC = float64(temp)
	} else {
		return Snapshot{}, fmt.Errorf("temperature: %s", nvml.ErrorString(ret))
	}
	if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		snap.UtilizationPercent = float64(util.Gpu)
	} else {
		return Snapshot{}, fmt.Errorf("utilization: %s", nvml.ErrorString(ret))
	}
	if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		snap.MemoryUsedMB = float64(mem.Used) / (1024 * 1024)
		snap.MemoryTotalMB = float64(mem.Total) / (1024 * 1024)
	} else {
		return Snapshot{}, fmt.Errorf("memory info: %s", nvml.ErrorString(ret))
	}

	// Power, fan, and clocks are best-effort; embedded boards expose a
	// subset of these counters.
	if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		snap.PowerDrawW = float64(power) / 1000
	}
	if limit, ret := device.GetEnforcedPowerLimit(); ret == nvml.SUCCESS {
		snap.PowerLimitW = float64(limit) / 1000
	}
	if fan, ret := device.GetFanSpeed(); ret == nvml.SUCCESS {
		snap.FanPercent = float64(fan)
	}
	if clock, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		snap.GraphicsClockMHz = float64(clock)
	}
	if clock, ret := device.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		snap.MemoryClockMHz = float64(clock)
	}

	return snap, nil
}

// smiQueryFields is the nvidia-smi CSV query used by the fallback path.
const smiQueryFields = "index,name,temperature.gpu,utilization.gpu,memory.used,memory.total,power.draw,power.limit,fan.speed,clocks.gr,clocks.mem"

func (p *Prober) readSMI(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+smiQueryFields, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMILine(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
}

// parseSMILine parses one CSV line of the smiQueryFields query. Fields
// nvidia-smi reports as "[N/A]" become zero.
func parseSMILine(line string) (Snapshot, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 11 {
		return Snapshot{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	num := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}

	return Snapshot{
		Index:              int(num(fields[0])),
		Name:               fields[1],
		TemperatureC:       num(fields[2]),
		UtilizationPercent: num(fields[3]),
		MemoryUsedMB:       num(fields[4]),
		MemoryTotalMB:      num(fields[5]),
		PowerDrawW:         num(fields[6]),
		PowerLimitW:        num(fields[7]),
		FanPercent:         num(fields[8]),
		GraphicsClockMHz:   num(fields[9]),
		MemoryClockMHz:     num(fields[10]),
		Timestamp:          time.Now().UTC(),
	}, nil
}
