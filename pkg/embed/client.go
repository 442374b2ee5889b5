// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed is the client of the embedding model server.
//
// The server exposes a batch endpoint at /batch_embed that accepts
// {"texts": [...]} and returns the vectors in input order. Embedding is
// the slowest external call in the indexing path, so the client carries
// a circuit breaker plus bounded linear-backoff retries; a persistently
// failing embedding server must surface quickly as failed documents
// rather than stall the scan loop.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

const (
	maxAttempts  = 3
	retryBackoff = 5 * time.Second
)

type batchRequest struct {
	Texts []string `json:"texts"`
}

type batchResponse struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

// Client calls the embedding server.
type Client struct {
	httpClient *http.Client
	batchURL   string
	batchSize  int
	breaker    *gobreaker.CircuitBreaker
	logger     *logging.Logger
}

// New builds a Client from config.
func New(cfg config.EmbeddingConfig, logger *logging.Logger) *Client {
	base := strings.TrimSuffix(cfg.ServiceURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		batchURL:   strings.TrimSuffix(base, "/embed") + "/batch_embed",
		batchSize:  cfg.BatchSize,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding-server",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("embedding breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// BatchSize returns the configured per-request batch size.
func (c *Client) BatchSize() int { return c.batchSize }

// EmbedBatch embeds up to BatchSize texts with bounded retry. Attempt n
// sleeps n*retryBackoff before retrying; a mismatched vector count is a
// hard error, not a retry.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vectors, err := c.callOnce(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("embedding server returned %d vectors for %d texts", len(vectors), len(texts))
			}
			return vectors, nil
		}
		lastErr = err
		c.logger.Warn("batch embed attempt failed",
			"attempt", attempt, "max_attempts", maxAttempts, "error", err.Error())
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return nil, fmt.Errorf("batch embed failed after %d attempts: %w", maxAttempts, lastErr)
}

// EmbedAll embeds an arbitrary number of texts in BatchSize slices,
// preserving input order.
func (c *Client) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *Client) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		reqBody, err := json.Marshal(batchRequest{Texts: texts})
		if err != nil {
			return nil, fmt.Errorf("marshal batch embed request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("build batch embed request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", c.batchURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read batch embed response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("batch embed returned status %d: %s", resp.StatusCode, string(body))
		}

		var batchResp batchResponse
		if err := json.Unmarshal(body, &batchResp); err != nil {
			return nil, fmt.Errorf("decode batch embed response: %w", err)
		}
		return batchResp.Vectors, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}
