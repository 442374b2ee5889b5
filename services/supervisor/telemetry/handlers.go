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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianEdge/services/supervisor/gpuhealth"
)

// Handlers serves the live metric endpoints.
type Handlers struct {
	source    SampleSource
	gpu       *gpuhealth.State
	persister *Persister
}

// NewHandlers builds the handler set.
func NewHandlers(source SampleSource, gpu *gpuhealth.State, persister *Persister) *Handlers {
	return &Handlers{source: source, gpu: gpu, persister: persister}
}

// Register attaches the metric routes to the router.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/metrics", h.GetMetrics)
	r.GET("/api/gpu", h.GetGPU)
	r.GET("/api/metrics/ping", h.Ping)
}

// GetMetrics returns the latest host sample.
func (h *Handlers) GetMetrics(c *gin.Context) {
	sample, ok := h.source.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sample collected yet"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// GetGPU returns the latest GPU snapshot with its health assessment.
func (h *Handlers) GetGPU(c *gin.Context) {
	snapshot, assessment, ok := h.gpu.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gpu assessment yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gpu":           snapshot,
		"health":        assessment.Health,
		"error":         assessment.Error,
		"error_message": assessment.Message,
	})
}

// Ping is a liveness probe for the metric surface.
func (h *Handlers) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"slow_persists": h.persister.SlowPersists(),
	})
}
