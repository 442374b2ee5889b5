// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// Runtime executes unit-level actions against the container runtime.
// Success means the runtime accepted the command AND the unit was
// observed running within the bounded wait, not merely that the API
// call returned.
type Runtime interface {
	Restart(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	PruneImages(ctx context.Context) error
}

// dockerAPI is the slice of the Docker client the runtime needs.
type dockerAPI interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (types.ImagesPruneReport, error)
	BuildCachePrune(ctx context.Context, opts types.BuildCachePruneOptions) (*types.BuildCachePruneReport, error)
}

// DockerRuntime drives containers through the Docker API.
type DockerRuntime struct {
	api         dockerAPI
	logger      *logging.Logger
	stopTimeout int
	runningWait time.Duration
	pollEvery   time.Duration
}

// NewDockerRuntime connects to the local Docker socket.
func NewDockerRuntime(logger *logging.Logger) (*DockerRuntime, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerRuntime(api, logger), nil
}

func newDockerRuntime(api dockerAPI, logger *logging.Logger) *DockerRuntime {
	return &DockerRuntime{
		api:         api,
		logger:      logger,
		stopTimeout: 10,
		runningWait: 30 * time.Second,
		pollEvery:   time.Second,
	}
}

// Restart restarts the unit in place and waits for it to run.
func (r *DockerRuntime) Restart(ctx context.Context, unit string) error {
	timeout := r.stopTimeout
	if err := r.api.ContainerRestart(ctx, unit, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return r.waitRunning(ctx, unit)
}

// Stop stops the unit. It does not wait for a running state.
func (r *DockerRuntime) Stop(ctx context.Context, unit string) error {
	timeout := r.stopTimeout
	if err := r.api.ContainerStop(ctx, unit, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return nil
}

// Start starts the unit and waits for it to run.
func (r *DockerRuntime) Start(ctx context.Context, unit string) error {
	if err := r.api.ContainerStart(ctx, unit, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	return r.waitRunning(ctx, unit)
}

// PruneImages drops dangling images and the build cache.
func (r *DockerRuntime) PruneImages(ctx context.Context) error {
	report, err := r.api.ImagesPrune(ctx, filters.NewArgs())
	if err != nil {
		return fmt.Errorf("prune images: %w", err)
	}
	r.logger.Info("pruned images", "reclaimed_bytes", report.SpaceReclaimed)

	cache, err := r.api.BuildCachePrune(ctx, types.BuildCachePruneOptions{})
	if err != nil {
		return fmt.Errorf("prune build cache: %w", err)
	}
	r.logger.Info("pruned build cache", "reclaimed_bytes", cache.SpaceReclaimed)
	return nil
}

// waitRunning polls the unit state until it reports running or the
// bounded wait expires.
func (r *DockerRuntime) waitRunning(ctx context.Context, unit string) error {
	deadline := time.Now().Add(r.runningWait)
	for {
		info, err := r.api.ContainerInspect(ctx, unit)
		if err == nil && info.State != nil && info.State.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unit %s not running after %s", unit, r.runningWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollEvery):
		}
	}
}

var _ Runtime = (*DockerRuntime)(nil)
