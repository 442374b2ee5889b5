// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the edge services.
//
// # Description
//
// One metrics struct per service, registered once at startup via the
// Init functions. The supervisor tracks heal cycles, recovery actions,
// telemetry persistence and GPU health; the indexer tracks document
// processing, chunking, and embedding throughput.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "edge"

const (
	supervisorSubsystem = "supervisor"
	indexerSubsystem    = "indexer"
)

// SupervisorMetrics holds all Prometheus metrics for the supervisor service.
//
// Initialize once at startup via InitSupervisorMetrics(); registering
// twice panics on duplicate registration.
type SupervisorMetrics struct {
	// HealCyclesTotal counts completed heal cycles.
	// Labels: status (ok, failed)
	HealCyclesTotal *prometheus.CounterVec

	// HealCycleDurationSeconds measures heal cycle wall time.
	HealCycleDurationSeconds prometheus.Histogram

	// ServiceFailuresTotal counts detected service failures.
	// Labels: service, failure_type
	ServiceFailuresTotal *prometheus.CounterVec

	// RecoveryActionsTotal counts executed recovery actions.
	// Labels: category (A, B, C, D), action, outcome (success, failure)
	RecoveryActionsTotal *prometheus.CounterVec

	// TelemetryPersistsTotal counts metric persist batches.
	// Labels: status (ok, failed)
	TelemetryPersistsTotal *prometheus.CounterVec

	// TelemetrySlowPersistsTotal counts persist batches slower than the
	// slow-persist threshold.
	TelemetrySlowPersistsTotal prometheus.Counter

	// GPUHealthState reports the current GPU health as a one-hot gauge.
	// Labels: health (HEALTHY, WARNING, CRITICAL, ERROR, UNAVAILABLE)
	GPUHealthState *prometheus.GaugeVec

	// RebootAttemptsTotal counts reboot requests by gate outcome.
	// Labels: outcome (executed, refused)
	RebootAttemptsTotal *prometheus.CounterVec
}

// SupervisorDefault is the singleton set by InitSupervisorMetrics().
var SupervisorDefault *SupervisorMetrics

// InitSupervisorMetrics registers the supervisor metrics with the default
// Prometheus registry and stores the singleton.
func InitSupervisorMetrics() *SupervisorMetrics {
	SupervisorDefault = &SupervisorMetrics{
		HealCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "heal_cycles_total",
				Help:      "Total heal cycles by status",
			},
			[]string{"status"},
		),

		HealCycleDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "heal_cycle_duration_seconds",
				Help:      "Heal cycle wall time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		ServiceFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "service_failures_total",
				Help:      "Detected service failures by service and type",
			},
			[]string{"service", "failure_type"},
		),

		RecoveryActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "recovery_actions_total",
				Help:      "Executed recovery actions by category, action, and outcome",
			},
			[]string{"category", "action", "outcome"},
		),

		TelemetryPersistsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "telemetry_persists_total",
				Help:      "Metric persist batches by status",
			},
			[]string{"status"},
		),

		TelemetrySlowPersistsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "telemetry_slow_persists_total",
				Help:      "Persist batches exceeding the slow-persist threshold",
			},
		),

		GPUHealthState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "gpu_health_state",
				Help:      "Current GPU health as a one-hot gauge",
			},
			[]string{"health"},
		),

		RebootAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: supervisorSubsystem,
				Name:      "reboot_attempts_total",
				Help:      "Reboot requests by gate outcome",
			},
			[]string{"outcome"},
		),
	}

	return SupervisorDefault
}

// RecordHealCycle records one completed heal cycle.
func (m *SupervisorMetrics) RecordHealCycle(seconds float64, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.HealCyclesTotal.WithLabelValues(status).Inc()
	m.HealCycleDurationSeconds.Observe(seconds)
}

// RecordRecoveryAction records one executed recovery action.
func (m *SupervisorMetrics) RecordRecoveryAction(category, action string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RecoveryActionsTotal.WithLabelValues(category, action, outcome).Inc()
}

// SetGPUHealth sets the one-hot GPU health gauge.
func (m *SupervisorMetrics) SetGPUHealth(health string) {
	for _, h := range []string{"HEALTHY", "WARNING", "CRITICAL", "ERROR", "UNAVAILABLE"} {
		v := 0.0
		if h == health {
			v = 1.0
		}
		m.GPUHealthState.WithLabelValues(h).Set(v)
	}
}

// IndexerMetrics holds all Prometheus metrics for the indexer service.
type IndexerMetrics struct {
	// DocumentsProcessedTotal counts documents leaving the pipeline.
	// Labels: status (indexed, failed, skipped)
	DocumentsProcessedTotal *prometheus.CounterVec

	// ChunksIndexedTotal counts chunks written per kind.
	// Labels: kind (parent, child)
	ChunksIndexedTotal *prometheus.CounterVec

	// EmbedBatchDurationSeconds measures embedding batch latency.
	EmbedBatchDurationSeconds prometheus.Histogram

	// ScanCyclesTotal counts completed bucket scans.
	ScanCyclesTotal prometheus.Counter

	// ExtractionErrorsTotal counts extraction failures by format.
	// Labels: format (pdf, docx, md, txt)
	ExtractionErrorsTotal *prometheus.CounterVec
}

// IndexerDefault is the singleton set by InitIndexerMetrics().
var IndexerDefault *IndexerMetrics

// InitIndexerMetrics registers the indexer metrics with the default
// Prometheus registry and stores the singleton.
func InitIndexerMetrics() *IndexerMetrics {
	IndexerDefault = &IndexerMetrics{
		DocumentsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: indexerSubsystem,
				Name:      "documents_processed_total",
				Help:      "Documents leaving the pipeline by status",
			},
			[]string{"status"},
		),

		ChunksIndexedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: indexerSubsystem,
				Name:      "chunks_indexed_total",
				Help:      "Chunks written per kind",
			},
			[]string{"kind"},
		),

		EmbedBatchDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: indexerSubsystem,
				Name:      "embed_batch_duration_seconds",
				Help:      "Embedding batch latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		ScanCyclesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: indexerSubsystem,
				Name:      "scan_cycles_total",
				Help:      "Completed object store scans",
			},
		),

		ExtractionErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: indexerSubsystem,
				Name:      "extraction_errors_total",
				Help:      "Extraction failures by source format",
			},
			[]string{"format"},
		),
	}

	return IndexerDefault
}
