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

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianEdge/services/supervisor/probes"
)

// InfluxSink mirrors live samples into an InfluxDB bucket. It exists for
// operators who already graph appliance fleets in Grafana against Influx;
// Postgres remains the source of truth.
type InfluxSink struct {
	client influxdb2.Client
	write  influxapi.WriteAPIBlocking
	host   string
}

// NewInfluxSink connects to the given Influx endpoint.
func NewInfluxSink(url, token, org, bucket, host string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		host:   host,
	}
}

// Write sends one sample as a single measurement point.
func (s *InfluxSink) Write(ctx context.Context, sample probes.Sample) error {
	point := influxdb2.NewPoint(
		"host_metrics",
		map[string]string{"host": s.host},
		map[string]any{
			"cpu_percent":   sample.CPUPercent,
			"ram_percent":   sample.RAMPercent,
			"gpu_percent":   sample.GPUPercent,
			"temperature_c": sample.TemperatureC,
			"disk_percent":  sample.Disk.Percent,
			"disk_free":     int64(sample.Disk.FreeBytes),
		},
		sample.Timestamp,
	)
	return s.write.WritePoint(ctx, point)
}

// Close flushes and shuts down the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

var _ LiveSink = (*InfluxSink)(nil)
