// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry persists sampled host metrics to Postgres and serves
// the live metric HTTP surface.
//
// # Description
//
// The Persister reads the latest sample from the probes sampler on a
// fixed period and writes one row per metric kind. Timestamps are the
// primary key, so a replayed batch after a crash is a no-op via
// ON CONFLICT DO NOTHING. An hourly pass calls the server-side
// prune_metrics function. When an Influx endpoint is configured, live
// samples are mirrored there as a side sink; Influx failures never
// affect the Postgres path.
//
// # Thread Safety
//
// Run owns all writes. Handlers read only through the sampler and the
// GPU state holder.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

// slowPersistThreshold flags persist batches that took suspiciously long,
// usually a sign the database volume is on a failing disk.
const slowPersistThreshold = 500 * time.Millisecond

// SampleSource is the slice of the probes sampler the persister needs.
type SampleSource interface {
	Latest() (probes.Sample, bool)
}

// LiveSink receives live samples as a best-effort side channel.
type LiveSink interface {
	Write(ctx context.Context, sample probes.Sample) error
	Close()
}

// Config holds the persister timing knobs.
type Config struct {
	PersistInterval time.Duration
	CleanupInterval time.Duration
	RetentionDays   int
}

// Persister writes sampled metrics to Postgres on a fixed period.
type Persister struct {
	db      *sqlx.DB
	source  SampleSource
	sink    LiveSink
	cfg     Config
	logger  *logging.Logger
	metrics *observability.SupervisorMetrics

	slowPersists atomic.Int64
}

// NewPersister builds a Persister. sink may be nil when no Influx
// endpoint is configured; metrics may be nil in tests.
func NewPersister(db *sqlx.DB, source SampleSource, sink LiveSink, cfg Config, logger *logging.Logger, metrics *observability.SupervisorMetrics) *Persister {
	return &Persister{db: db, source: source, sink: sink, cfg: cfg, logger: logger, metrics: metrics}
}

// Run persists and prunes until ctx is cancelled.
func (p *Persister) Run(ctx context.Context) error {
	persist := time.NewTicker(p.cfg.PersistInterval)
	defer persist.Stop()
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			if p.sink != nil {
				p.sink.Close()
			}
			return ctx.Err()
		case <-persist.C:
			sample, ok := p.source.Latest()
			if !ok {
				continue
			}
			if err := p.persistOnce(ctx, sample); err != nil {
				p.logger.Error("metric persist failed", "error", err.Error())
				p.countPersist(false)
			} else {
				p.countPersist(true)
			}
			if p.sink != nil {
				if err := p.sink.Write(ctx, sample); err != nil {
					p.logger.Warn("live sink write failed", "error", err.Error())
				}
			}
		case <-cleanup.C:
			if err := p.pruneOnce(ctx); err != nil {
				p.logger.Error("metric prune failed", "error", err.Error())
			}
		}
	}
}

// persistOnce writes one row per metric table for the given sample.
func (p *Persister) persistOnce(ctx context.Context, sample probes.Sample) error {
	start := time.Now()

	statements := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO metrics_cpu (ts, value) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`,
			[]any{sample.Timestamp, sample.CPUPercent}},
		{`INSERT INTO metrics_ram (ts, value) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`,
			[]any{sample.Timestamp, sample.RAMPercent}},
		{`INSERT INTO metrics_gpu (ts, value) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`,
			[]any{sample.Timestamp, sample.GPUPercent}},
		{`INSERT INTO metrics_temperature (ts, value) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`,
			[]any{sample.Timestamp, sample.TemperatureC}},
		{`INSERT INTO metrics_disk (ts, used_bytes, free_bytes, total_bytes, percent)
		  VALUES ($1, $2, $3, $4, $5) ON CONFLICT (ts) DO NOTHING`,
			[]any{sample.Timestamp, int64(sample.Disk.UsedBytes), int64(sample.Disk.FreeBytes),
				int64(sample.Disk.TotalBytes), sample.Disk.Percent}},
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return err
		}
	}

	if elapsed := time.Since(start); elapsed > slowPersistThreshold {
		count := p.slowPersists.Add(1)
		p.logger.Warn("slow metric persist", "elapsed_ms", elapsed.Milliseconds(),
			"slow_count", count)
		if p.metrics != nil {
			p.metrics.TelemetrySlowPersistsTotal.Inc()
		}
	}
	return nil
}

// pruneOnce invokes the server-side prune function so deletion runs next
// to the data.
func (p *Persister) pruneOnce(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `SELECT prune_metrics($1)`, p.cfg.RetentionDays)
	return err
}

// SlowPersists reports how many persist batches exceeded the threshold.
func (p *Persister) SlowPersists() int64 {
	return p.slowPersists.Load()
}

func (p *Persister) countPersist(ok bool) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	p.metrics.TelemetryPersistsTotal.WithLabelValues(status).Inc()
}
