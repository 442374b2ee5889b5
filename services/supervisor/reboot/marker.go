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
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// MarkerWatcher tracks the update-in-progress marker file. The installer
// drops the marker before rewriting images and removes it when done; a
// reboot while it exists can brick a half-written update.
//
// The watcher keeps a cached presence bit fed by fsnotify so the gate's
// hot path never blocks on the filesystem, but Present always confirms
// with a stat: a missed event must fail toward refusing the reboot.
type MarkerWatcher struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher
	present atomic.Bool
}

// NewMarkerWatcher stats the marker once and begins watching its parent
// directory. A watch setup failure degrades to stat-only operation.
func NewMarkerWatcher(path string, logger *logging.Logger) *MarkerWatcher {
	m := &MarkerWatcher{path: path, logger: logger}
	m.present.Store(m.stat())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("marker watch unavailable, falling back to stat", "error", err.Error())
		return m
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("marker directory not watchable, falling back to stat",
			"dir", filepath.Dir(path), "error", err.Error())
		watcher.Close()
		return m
	}
	m.watcher = watcher
	return m
}

// Run consumes watch events until ctx is cancelled. No-op in stat-only
// mode.
func (m *MarkerWatcher) Run(ctx context.Context) error {
	if m.watcher == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	defer m.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name == m.path {
				m.present.Store(m.stat())
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("marker watch error", "error", err.Error())
		}
	}
}

// Present reports whether the marker exists: the watched bit when the
// watch is active, a direct stat otherwise.
func (m *MarkerWatcher) Present() bool {
	if m.watcher == nil {
		return m.stat()
	}
	return m.present.Load()
}

func (m *MarkerWatcher) stat() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
