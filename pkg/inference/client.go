// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference talks to the local LLM runtime. Two backends are
// supported: Ollama (the appliance default) and any OpenAI-compatible
// server. The supervisor additionally uses the model-management surface
// (loaded models, unload) as recovery primitives, which only the Ollama
// backend provides.
package inference

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// GenerationParams tune a single completion request.
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
}

// LoadedModel describes a model currently resident in the runtime.
type LoadedModel struct {
	Name      string
	SizeBytes int64
	SizeVRAM  int64
}

// Client is the standard interface for any LLM backend.
type Client interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ModelManager is the runtime-management surface the recovery executor
// uses. Backends without it make LLM cache clears fall back to a
// container restart.
type ModelManager interface {
	// LoadedModels lists models resident in memory.
	LoadedModels(ctx context.Context) ([]LoadedModel, error)

	// Unload evicts one model from memory.
	Unload(ctx context.Context, model string) error
}

// New builds the configured backend.
func New(cfg config.InferenceConfig, logger *logging.Logger) (Client, error) {
	switch cfg.Backend {
	case "ollama":
		return NewOllamaClient(cfg, logger)
	case "openai":
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}
