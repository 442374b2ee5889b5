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
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// logRetention is how long container logs survive a cleanup pass.
const logRetention = 7 * 24 * time.Hour

// execCommand is the production CommandRunner.
func execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(output))
	}
	return nil
}

// llmCacheClear asks the inference service to evict every resident
// model. When the backend has no management surface, or eviction fails,
// the fallback is a plain restart of the inference unit.
func (e *Executor) llmCacheClear(ctx context.Context) error {
	if e.models == nil {
		e.logger.Info("no model manager, falling back to inference restart")
		return e.runtime.Restart(ctx, inferenceUnit)
	}

	loaded, err := e.models.LoadedModels(ctx)
	if err != nil {
		e.logger.Warn("listing loaded models failed, falling back to restart", "error", err.Error())
		return e.runtime.Restart(ctx, inferenceUnit)
	}

	for _, model := range loaded {
		if err := e.models.Unload(ctx, model.Name); err != nil {
			e.logger.Warn("model unload failed, falling back to restart",
				"model", model.Name, "error", err.Error())
			return e.runtime.Restart(ctx, inferenceUnit)
		}
		e.logger.Info("model unloaded", "model", model.Name, "vram_bytes", model.SizeVRAM)
	}
	return nil
}

// gpuSessionReset is a cache clear followed by a short settle.
func (e *Executor) gpuSessionReset(ctx context.Context) error {
	if err := e.llmCacheClear(ctx); err != nil {
		return err
	}
	e.sleep(2 * time.Second)
	return nil
}

// gpuThrottle lowers GPU clocks. Persistence mode first, clock restore
// as the fallback. Embedded hardware exposes neither; the error
// propagates and the executor continues.
func (e *Executor) gpuThrottle(ctx context.Context) error {
	if err := e.run(ctx, "nvidia-smi", "-pm", "1"); err == nil {
		return nil
	}
	if err := e.run(ctx, "nvidia-smi", "-rgc"); err != nil {
		return fmt.Errorf("gpu throttle unavailable on this host: %w", err)
	}
	return nil
}

// gpuReset resets the device on discrete-GPU hosts. Integrated hosts
// cannot reset in isolation; there the reset is a coordinated restart
// of the GPU-consuming units with a settle pause.
func (e *Executor) gpuReset(ctx context.Context) error {
	if err := e.run(ctx, "nvidia-smi", "--gpu-reset"); err == nil {
		return nil
	}

	e.logger.Info("device reset unavailable, restarting gpu units")
	for _, unit := range gpuUnits {
		if err := e.runtime.Restart(ctx, unit); err != nil {
			return fmt.Errorf("coordinated gpu restart of %s: %w", unit, err)
		}
		e.sleep(5 * time.Second)
	}
	return nil
}

// diskCleanup frees space: stale container logs under the fixed log
// root, dangling images and build cache, then the retention passes for
// the ledger and metric tables.
func (e *Executor) diskCleanup(ctx context.Context) error {
	if err := e.pruneOldLogs(); err != nil {
		e.logger.Warn("log pruning incomplete", "error", err.Error())
	}
	if err := e.runtime.PruneImages(ctx); err != nil {
		e.logger.Warn("image pruning failed", "error", err.Error())
	}
	if err := e.ledger.Trim(ctx, e.cfg.RetentionDays); err != nil {
		return fmt.Errorf("ledger retention: %w", err)
	}
	if err := e.maint.PruneMetrics(ctx); err != nil {
		return fmt.Errorf("metric retention: %w", err)
	}
	return nil
}

// pruneOldLogs removes log files older than the retention under the
// configured log root. Directories are left in place.
func (e *Executor) pruneOldLogs() error {
	cutoff := time.Now().Add(-logRetention)
	var removed int

	err := filepath.WalkDir(e.cfg.LogRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A vanished file mid-walk is not a failure.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", e.cfg.LogRoot, err)
	}

	e.logger.Info("pruned stale logs", "root", e.cfg.LogRoot, "removed", removed)
	return nil
}
