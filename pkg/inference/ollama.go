// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// OllamaClient talks to a local Ollama server. Besides generation it
// exposes the /api/ps and keep_alive=0 surfaces the recovery ladder uses
// to shed GPU memory without restarting the container.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *logging.Logger
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaPSResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		SizeVRAM int64  `json:"size_vram"`
	} `json:"models"`
}

// NewOllamaClient builds the client; the base URL must be set.
func NewOllamaClient(cfg config.InferenceConfig, logger *logging.Logger) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL not set")
	}
	model := cfg.Model
	if model == "" {
		logger.Warn("OLLAMA_MODEL not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      model,
		logger:     logger,
	}, nil
}

// Generate implements Client via /api/generate.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = 0.2
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	}
	var resp ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", payload, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// LoadedModels implements ModelManager via /api/ps.
func (o *OllamaClient) LoadedModels(ctx context.Context) ([]LoadedModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/ps", nil)
	if err != nil {
		return nil, fmt.Errorf("build /api/ps request: %w", err)
	}
	httpResp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call /api/ps: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read /api/ps response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("/api/ps returned status %d: %s", httpResp.StatusCode, string(body))
	}

	var ps ollamaPSResponse
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("decode /api/ps response: %w", err)
	}

	models := make([]LoadedModel, 0, len(ps.Models))
	for _, m := range ps.Models {
		models = append(models, LoadedModel{Name: m.Name, SizeBytes: m.Size, SizeVRAM: m.SizeVRAM})
	}
	return models, nil
}

// Unload evicts a model by issuing an empty generate with keep_alive=0.
func (o *OllamaClient) Unload(ctx context.Context, model string) error {
	zero := 0
	payload := ollamaGenerateRequest{Model: model, KeepAlive: &zero}
	var resp ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", payload, &resp); err != nil {
		return fmt.Errorf("unload model %q: %w", model, err)
	}
	o.logger.Info("unloaded inference model", "model", model)
	return nil
}

func (o *OllamaClient) post(ctx context.Context, path string, payload any, out any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, httpResp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

var (
	_ Client       = (*OllamaClient)(nil)
	_ ModelManager = (*OllamaClient)(nil)
)
