// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inspector observes the managed container units and classifies
// them for the recovery executor: core services the appliance cannot run
// without, store-managed apps whose intended state lives in the database,
// and the supervisor itself, which is never restarted from inside.
package inspector

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// Class partitions units by how the supervisor may act on them.
type Class string

const (
	// ClassCore units are always expected to run and are always
	// restartable.
	ClassCore Class = "core"
	// ClassStoreManaged units follow the intended state recorded in
	// installed_apps.
	ClassStoreManaged Class = "store_managed"
	// ClassSelf is the supervisor's own container. Never restarted.
	ClassSelf Class = "self"
	// ClassUnknown units are observed but never acted on.
	ClassUnknown Class = "unknown"
)

// coreUnitOrder is the closed allowlist of units the appliance cannot
// run without, in dependency order: coordinated restarts and
// post-reboot checks walk it front to back. Membership is fixed at
// build time; store apps are added at runtime through installed_apps.
var coreUnitOrder = []string{
	"broker-host",
	"llm-inference",
	"embedding-server",
	"dashboard-backend",
	"dashboard-frontend",
}

var coreUnits = make(map[string]bool, len(coreUnitOrder))

func init() {
	for _, name := range coreUnitOrder {
		coreUnits[name] = true
	}
}

// Unit is one observed container with its classification.
type Unit struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Health        string `json:"health"`
	Class         Class  `json:"class"`
	IntendedState string `json:"intended_state,omitempty"`
}

// Running reports whether the unit's container state is running.
func (u Unit) Running() bool {
	return u.Status == "running"
}

// Restartable reports whether the recovery ladder may restart this unit.
// Store apps whose intended state is "installed" are deliberately
// stopped and must not be resurrected.
func (u Unit) Restartable() bool {
	switch u.Class {
	case ClassCore:
		return true
	case ClassStoreManaged:
		return u.IntendedState == "running"
	default:
		return false
	}
}

// ContainerAPI is the slice of the Docker client the inspector needs.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// AppStore resolves intended states for store-managed units.
type AppStore interface {
	IntendedStates(ctx context.Context) (map[string]string, error)
}

// Inspector lists and classifies container units.
type Inspector struct {
	docker   ContainerAPI
	apps     AppStore
	selfName string
	logger   *logging.Logger
}

// New builds an Inspector. selfName is the supervisor's own container
// name, matched exactly.
func New(docker ContainerAPI, apps AppStore, selfName string, logger *logging.Logger) *Inspector {
	return &Inspector{docker: docker, apps: apps, selfName: selfName, logger: logger}
}

// Units lists all containers, including stopped ones, and classifies
// each. A failed inspect degrades that unit's health to "unknown"
// rather than failing the listing.
func (i *Inspector) Units(ctx context.Context) ([]Unit, error) {
	containers, err := i.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	intended, err := i.apps.IntendedStates(ctx)
	if err != nil {
		// The store table being unreachable must not blind the
		// supervisor to core units.
		i.logger.Warn("installed_apps unreachable, store apps unclassified", "error", err.Error())
		intended = map[string]string{}
	}

	units := make([]Unit, 0, len(containers))
	for _, c := range containers {
		unit := Unit{
			ID:     c.ID,
			Name:   containerName(c),
			Status: c.State,
			Health: "unknown",
		}

		if info, err := i.docker.ContainerInspect(ctx, c.ID); err == nil {
			if info.State != nil && info.State.Health != nil {
				unit.Health = info.State.Health.Status
			}
		} else {
			i.logger.Warn("container inspect failed", "unit", unit.Name, "error", err.Error())
		}

		unit.Class = i.classify(unit.Name, intended)
		if unit.Class == ClassStoreManaged {
			unit.IntendedState = intended[unit.Name]
		}
		units = append(units, unit)
	}
	return units, nil
}

func (i *Inspector) classify(name string, intended map[string]string) Class {
	switch {
	case name == i.selfName:
		return ClassSelf
	case coreUnits[name]:
		return ClassCore
	default:
		if _, ok := intended[name]; ok {
			return ClassStoreManaged
		}
		return ClassUnknown
	}
}

// containerName strips the leading slash Docker prepends to names.
func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID[:12]
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// CoreUnits returns the allowlist in dependency order for callers that
// restart or verify the set as a whole.
func CoreUnits() []string {
	names := make([]string, len(coreUnitOrder))
	copy(names, coreUnitOrder)
	return names
}

// PostgresAppStore reads installed_apps.
type PostgresAppStore struct {
	db *sqlx.DB
}

// NewAppStore wraps the shared pool.
func NewAppStore(db *sqlx.DB) *PostgresAppStore {
	return &PostgresAppStore{db: db}
}

// IntendedStates returns name → intended_state for every installed app.
func (s *PostgresAppStore) IntendedStates(ctx context.Context) (map[string]string, error) {
	rows := []struct {
		Name          string `db:"name"`
		IntendedState string `db:"intended_state"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT name, intended_state FROM installed_apps`)
	if err != nil {
		return nil, fmt.Errorf("read installed_apps: %w", err)
	}

	states := make(map[string]string, len(rows))
	for _, row := range rows {
		states[row.Name] = row.IntendedState
	}
	return states, nil
}

var _ AppStore = (*PostgresAppStore)(nil)
