// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the supervisor's own liveness: 503 when the
// heartbeat is stale, so an external watchdog can restart the
// supervisor container itself.
func (l *Loop) HealthHandler(c *gin.Context) {
	age, lastAction, checkCount := l.Status()

	healthy := age >= 0 && age < l.cfg.MaxHeartbeatAge
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "stale"
		code = http.StatusServiceUnavailable
	}

	seconds := -1.0
	if age >= 0 {
		seconds = age.Seconds()
	}

	c.JSON(code, gin.H{
		"healthy":                 healthy,
		"status":                  status,
		"seconds_since_heartbeat": seconds,
		"last_action":             lastAction,
		"check_count":             checkCount,
	})
}
