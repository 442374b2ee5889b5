// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gpuhealth reads GPU counters and maps them to a health state,
// an error class, and a recovery recommendation for the executor.
package gpuhealth

import (
	"fmt"
	"sync"
	"time"
)

// Health is the coarse GPU health state.
type Health string

const (
	Healthy     Health = "HEALTHY"
	Warning     Health = "WARNING"
	Critical    Health = "CRITICAL"
	ErrorState  Health = "ERROR"
	Unavailable Health = "UNAVAILABLE"
)

// ErrorClass categorizes what is wrong when health degrades.
type ErrorClass string

const (
	ErrNone    ErrorClass = "NONE"
	ErrOOM     ErrorClass = "CUDA_OOM"
	ErrHang    ErrorClass = "GPU_HANG"
	ErrThermal ErrorClass = "THERMAL_THROTTLE"
	ErrPower   ErrorClass = "POWER_LIMIT"
	ErrECC     ErrorClass = "ECC"
	ErrNVLink  ErrorClass = "NVLINK"
	ErrNVML    ErrorClass = "NVML_ERROR"
	ErrUnknown ErrorClass = "UNKNOWN"
)

// Snapshot is one reading of a single GPU's counters.
type Snapshot struct {
	Index              int       `json:"index"`
	Name               string    `json:"name"`
	TemperatureC       float64   `json:"temperature"`
	UtilizationPercent float64   `json:"utilization"`
	MemoryUsedMB       float64   `json:"memory_used_mb"`
	MemoryTotalMB      float64   `json:"memory_total_mb"`
	PowerDrawW         float64   `json:"power_draw_w"`
	PowerLimitW        float64   `json:"power_limit_w"`
	FanPercent         float64   `json:"fan_speed"`
	GraphicsClockMHz   float64   `json:"graphics_clock_mhz"`
	MemoryClockMHz     float64   `json:"memory_clock_mhz"`
	Timestamp          time.Time `json:"timestamp"`
}

// Assessment is the classifier verdict for one snapshot.
type Assessment struct {
	Health  Health     `json:"health"`
	Error   ErrorClass `json:"error"`
	Message string     `json:"error_message,omitempty"`

	// ShutdownRecommended is set at the highest thermal tier, where
	// throttling is no longer enough.
	ShutdownRecommended bool `json:"-"`
}

// Thresholds hold the classification boundaries. Memory limits are
// configuration because VRAM size varies across appliance SKUs.
type Thresholds struct {
	TempShutdownC float64
	TempCriticalC float64
	TempWarningC  float64

	MemShutdownMB float64
	MemCriticalMB float64
	MemWarningMB  float64

	// HangUtilPercent and HangChecks define sustained-utilization hang
	// detection: HangChecks consecutive readings at or above
	// HangUtilPercent utilization flag a hang.
	HangUtilPercent float64
	HangChecks      int
}

// DefaultThresholds match the reference appliance (48 GB-class GPU).
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempShutdownC:   90,
		TempCriticalC:   85,
		TempWarningC:    83,
		MemShutdownMB:   40000,
		MemCriticalMB:   38000,
		MemWarningMB:    36000,
		HangUtilPercent: 99,
		HangChecks:      30,
	}
}

// Classifier holds the thresholds plus the per-GPU hang counters. The
// counters are classifier-local state; they are reset explicitly on any
// reading below the utilization threshold, regardless of prior state.
type Classifier struct {
	thresholds Thresholds

	mu           sync.Mutex
	hangCounters map[int]int
}

// NewClassifier builds a Classifier.
func NewClassifier(thresholds Thresholds) *Classifier {
	return &Classifier{
		thresholds:   thresholds,
		hangCounters: make(map[int]int),
	}
}

// Classify maps a snapshot to an assessment. An inclusive lower bound
// chooses the more severe class when a value sits on a boundary.
func (c *Classifier) Classify(snap Snapshot) Assessment {
	t := c.thresholds

	// Hang detection runs on every reading so the counter keeps moving
	// even while another condition dominates the verdict.
	hang := c.trackHang(snap)

	switch {
	case snap.TemperatureC >= t.TempShutdownC:
		return Assessment{
			Health:              Critical,
			Error:               ErrThermal,
			Message:             fmt.Sprintf("GPU %d at %.0f°C, shutdown recommended", snap.Index, snap.TemperatureC),
			ShutdownRecommended: true,
		}
	case snap.TemperatureC >= t.TempCriticalC:
		return Assessment{
			Health:  Critical,
			Error:   ErrThermal,
			Message: fmt.Sprintf("GPU %d at %.0f°C", snap.Index, snap.TemperatureC),
		}
	}

	switch {
	case snap.MemoryUsedMB >= t.MemShutdownMB:
		return Assessment{
			Health:  Critical,
			Error:   ErrOOM,
			Message: fmt.Sprintf("GPU %d memory at %.0f MB (limit %.0f MB)", snap.Index, snap.MemoryUsedMB, t.MemShutdownMB),
		}
	case snap.MemoryUsedMB >= t.MemCriticalMB:
		return Assessment{
			Health:  Critical,
			Error:   ErrOOM,
			Message: fmt.Sprintf("GPU %d memory at %.0f MB", snap.Index, snap.MemoryUsedMB),
		}
	}

	if hang {
		return Assessment{
			Health:  Critical,
			Error:   ErrHang,
			Message: fmt.Sprintf("GPU %d pegged at %.0f%% utilization for %d checks", snap.Index, snap.UtilizationPercent, t.HangChecks),
		}
	}

	if snap.TemperatureC >= t.TempWarningC {
		return Assessment{
			Health:  Warning,
			Error:   ErrThermal,
			Message: fmt.Sprintf("GPU %d at %.0f°C", snap.Index, snap.TemperatureC),
		}
	}
	if snap.MemoryUsedMB >= t.MemWarningMB {
		return Assessment{
			Health:  Warning,
			Error:   ErrOOM,
			Message: fmt.Sprintf("GPU %d memory at %.0f MB", snap.Index, snap.MemoryUsedMB),
		}
	}

	return Assessment{Health: Healthy, Error: ErrNone}
}

// trackHang advances or resets the per-GPU counter and reports whether
// the hang threshold is reached.
func (c *Classifier) trackHang(snap Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.UtilizationPercent >= c.thresholds.HangUtilPercent {
		c.hangCounters[snap.Index]++
	} else {
		c.hangCounters[snap.Index] = 0
	}
	return c.hangCounters[snap.Index] >= c.thresholds.HangChecks
}

// ResetHangCounter clears one GPU's counter, called after a reset action
// so a recovered GPU does not immediately re-trip.
func (c *Classifier) ResetHangCounter(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangCounters[index] = 0
}

// Recommendation names the recovery primitive suited to an error class.
type Recommendation string

const (
	RecommendNone             Recommendation = "none"
	RecommendRestartInference Recommendation = "restart_inference"
	RecommendStopInference    Recommendation = "stop_inference"
	RecommendResetGPU         Recommendation = "reset_gpu"
	RecommendThrottle         Recommendation = "throttle"
	RecommendReduceClocks     Recommendation = "reduce_clocks"
	RecommendUnloadModels     Recommendation = "unload_models"
)

// Recommend maps an assessment to the primitive the executor should run.
func Recommend(a Assessment) Recommendation {
	switch a.Error {
	case ErrOOM:
		return RecommendUnloadModels
	case ErrHang:
		return RecommendResetGPU
	case ErrThermal:
		if a.ShutdownRecommended {
			return RecommendStopInference
		}
		return RecommendThrottle
	case ErrPower:
		return RecommendReduceClocks
	case ErrECC, ErrNVLink:
		return RecommendResetGPU
	case ErrUnknown, ErrNVML:
		return RecommendRestartInference
	default:
		return RecommendNone
	}
}
