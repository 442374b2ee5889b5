// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianEdge/pkg/inference"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// analysisInputLimit bounds how much text goes into the prompt.
const analysisInputLimit = 6000

// Analysis is the structured result of AI document analysis.
type Analysis struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
	KeyTopics  []string `json:"key_topics"`
}

// Analyzer wraps the inference backend for document analysis.
type Analyzer struct {
	llm    inference.Client
	logger *logging.Logger
}

// NewAnalyzer builds an Analyzer. llm may be nil; Analyze then fails
// and the pipeline falls back to term-frequency topics.
func NewAnalyzer(llm inference.Client, logger *logging.Logger) *Analyzer {
	return &Analyzer{llm: llm, logger: logger}
}

const analysisPrompt = `Analysiere das folgende Dokument und antworte ausschließlich mit einem JSON-Objekt dieser Form:
{"category": "<kurze Kategorie>", "confidence": <0.0-1.0>, "summary": "<Zusammenfassung in 2-3 Sätzen>", "key_topics": ["<Thema>", ...]}

Dokument (%s):
%s`

// Analyze asks the LLM for category, summary, and topics.
func (a *Analyzer) Analyze(ctx context.Context, language, text string) (Analysis, error) {
	if a.llm == nil {
		return Analysis{}, fmt.Errorf("no inference backend configured")
	}
	if runes := []rune(text); len(runes) > analysisInputLimit {
		text = string(runes[:analysisInputLimit])
	}

	temperature := float32(0.1)
	raw, err := a.llm.Generate(ctx, fmt.Sprintf(analysisPrompt, language, text),
		inference.GenerationParams{Temperature: &temperature})
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis request: %w", err)
	}

	analysis, err := parseAnalysis(raw)
	if err != nil {
		return Analysis{}, err
	}
	return analysis, nil
}

// parseAnalysis tolerates fenced or chattily-wrapped JSON.
func parseAnalysis(raw string) (Analysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Analysis{}, fmt.Errorf("no JSON object in analysis response")
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("parse analysis response: %w", err)
	}
	if analysis.Confidence < 0 || analysis.Confidence > 1 {
		analysis.Confidence = 0
	}
	return analysis, nil
}
