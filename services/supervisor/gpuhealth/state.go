// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gpuhealth

import "sync"

// State holds the latest snapshot and assessment produced by the control
// loop. The hang counter in Classify depends on being called exactly once
// per check interval, so HTTP handlers must never classify on demand;
// they read this holder instead.
type State struct {
	mu         sync.RWMutex
	snapshot   Snapshot
	assessment Assessment
	hasOne     bool
}

// Set stores the result of one classification pass.
func (s *State) Set(snapshot Snapshot, assessment Assessment) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.assessment = assessment
	s.hasOne = true
	s.mu.Unlock()
}

// Latest returns the most recent snapshot/assessment pair and whether
// one has been recorded yet.
func (s *State) Latest() (Snapshot, Assessment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.assessment, s.hasOne
}
