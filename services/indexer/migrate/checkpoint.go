// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Phase names one stage of the migration.
type Phase string

const (
	PhaseChunks Phase = "chunks"
	PhaseSwap   Phase = "swap"
	PhaseExtras Phase = "extras"
)

// Checkpoint is the durable progress record. It is rewritten after every
// batch so an interrupted run resumes where it stopped instead of
// re-embedding the whole corpus.
type Checkpoint struct {
	Phase        Phase    `json:"phase"`
	LastOffset   int      `json:"last_offset"`
	CompletedIDs []string `json:"completed_ids"`
}

// LoadCheckpoint reads a checkpoint file. A missing file returns
// (nil, nil): the run starts fresh.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %q: %w", path, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically (write to a temp file in the
// same directory, then rename over the target).
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Completed reports whether an extras row id was already re-embedded.
func (c *Checkpoint) Completed(id string) bool {
	for _, done := range c.CompletedIDs {
		if done == id {
			return true
		}
	}
	return false
}

// RemoveCheckpoint deletes the file. Only called after a fully
// successful run; a missing file is not an error.
func RemoveCheckpoint(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
