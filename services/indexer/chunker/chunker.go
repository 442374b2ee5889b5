// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunker splits document text into parent and child chunks for
// hierarchical retrieval. Splitting is purely textual and deterministic:
// the same input always yields the same chunks, which keeps vector point
// ids stable across re-indexing runs.
//
// The separator hierarchy is tuned for German legal and regulatory
// documents (§, Artikel, Absatz, Anlage) but degrades gracefully to
// paragraph, sentence, and clause boundaries, and finally to hard word
// windows.
package chunker

import (
	"regexp"
	"strings"
)

// Config carries the word budgets. Sizes are soft maxima; the hard
// window fallback enforces them exactly.
type Config struct {
	ParentSize   int // words per parent, default 2000
	ChildSize    int // words per child, default 400
	ChildOverlap int // words of back-overlap between siblings, default 50
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{ParentSize: 2000, ChildSize: 400, ChildOverlap: 50}
}

// Child is one leaf chunk. Spans are [Start,End) byte offsets into the
// original text; sibling spans may overlap by ~ChildOverlap words but
// never cross a parent boundary.
type Child struct {
	ParentIndex int
	ChildIndex  int
	GlobalIndex int
	Start       int
	End         int
	WordCount   int
	Text        string
}

// Parent is one top-level chunk with its children.
type Parent struct {
	Index     int
	Start     int
	End       int
	WordCount int
	Text      string
	Children  []Child
}

// Separator levels, tried in order. Each regexp marks boundaries; the
// matched delimiter stays attached to the preceding piece so the pieces
// of one span always tile it exactly.
var (
	reBlankLines = regexp.MustCompile(`\n[ \t]*\n+`)
	reLegalMark  = regexp.MustCompile(`(?m)^[ \t]*(§ ?\d|Artikel\s+\d|Absatz\s+\d|Anlage\s+\d)`)
	reNewline    = regexp.MustCompile(`\n`)
	reSentence   = regexp.MustCompile(`[.!?][ \t\n]`)
	reClause     = regexp.MustCompile(`[,;][ \t\n]`)
)

const levels = 5

// Chunker splits text under a fixed Config.
type Chunker struct {
	cfg Config
}

// New validates and applies defaults.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.ParentSize <= 0 {
		cfg.ParentSize = def.ParentSize
	}
	if cfg.ChildSize <= 0 {
		cfg.ChildSize = def.ChildSize
	}
	if cfg.ChildOverlap < 0 {
		cfg.ChildOverlap = def.ChildOverlap
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text into parents with children and assigns global child
// indices across the whole document.
func (c *Chunker) Chunk(text string) []Parent {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	parentSpans := c.split(text, span{0, len(text)}, c.cfg.ParentSize, 0)
	parents := make([]Parent, 0, len(parentSpans))
	global := 0
	for pi, ps := range parentSpans {
		parent := Parent{
			Index:     pi,
			Start:     ps.start,
			End:       ps.end,
			WordCount: countWords(text[ps.start:ps.end]),
			Text:      text[ps.start:ps.end],
		}
		childSpans := c.split(text, ps, c.cfg.ChildSize, 0)
		for ci, cs := range childSpans {
			start := cs.start
			if ci > 0 && c.cfg.ChildOverlap > 0 {
				start = backOffWords(text, cs.start, ps.start, c.cfg.ChildOverlap)
			}
			parent.Children = append(parent.Children, Child{
				ParentIndex: pi,
				ChildIndex:  ci,
				GlobalIndex: global,
				Start:       start,
				End:         cs.end,
				WordCount:   countWords(text[start:cs.end]),
				Text:        text[start:cs.end],
			})
			global++
		}
		parents = append(parents, parent)
	}
	return parents
}

type span struct{ start, end int }

// split recursively divides one span until every piece fits the budget.
func (c *Chunker) split(text string, s span, budget, level int) []span {
	if countWords(text[s.start:s.end]) <= budget {
		return []span{s}
	}
	if level >= levels {
		return hardWindows(text, s, budget)
	}

	pieces := splitAtLevel(text, s, level)
	if len(pieces) <= 1 {
		return c.split(text, s, budget, level+1)
	}
	merged := mergeGreedy(text, pieces, budget)

	var out []span
	for _, piece := range merged {
		if countWords(text[piece.start:piece.end]) > budget {
			out = append(out, c.split(text, piece, budget, level+1)...)
		} else {
			out = append(out, piece)
		}
	}
	return out
}

// splitAtLevel cuts a span at the level's separator. Pieces tile the
// span exactly; empty pieces are dropped.
func splitAtLevel(text string, s span, level int) []span {
	var boundaries []int
	segment := text[s.start:s.end]
	switch level {
	case 0:
		for _, m := range reBlankLines.FindAllStringIndex(segment, -1) {
			boundaries = append(boundaries, s.start+m[1])
		}
	case 1:
		for _, m := range reLegalMark.FindAllStringIndex(segment, -1) {
			if m[0] > 0 {
				boundaries = append(boundaries, s.start+m[0])
			}
		}
	case 2:
		for _, m := range reNewline.FindAllStringIndex(segment, -1) {
			boundaries = append(boundaries, s.start+m[1])
		}
	case 3:
		for _, m := range reSentence.FindAllStringIndex(segment, -1) {
			boundaries = append(boundaries, s.start+m[1])
		}
	case 4:
		for _, m := range reClause.FindAllStringIndex(segment, -1) {
			boundaries = append(boundaries, s.start+m[1])
		}
	}

	var out []span
	prev := s.start
	for _, b := range boundaries {
		if b <= prev || b >= s.end {
			continue
		}
		if strings.TrimSpace(text[prev:b]) != "" {
			out = append(out, span{prev, b})
		}
		prev = b
	}
	if prev < s.end && strings.TrimSpace(text[prev:s.end]) != "" {
		out = append(out, span{prev, s.end})
	}
	return out
}

// mergeGreedy packs adjacent pieces while they jointly fit the budget,
// so chunks land near the budget instead of fragmenting.
func mergeGreedy(text string, pieces []span, budget int) []span {
	var out []span
	current := pieces[0]
	currentWords := countWords(text[current.start:current.end])
	for _, piece := range pieces[1:] {
		w := countWords(text[piece.start:piece.end])
		if currentWords+w <= budget {
			current.end = piece.end
			currentWords += w
			continue
		}
		out = append(out, current)
		current = piece
		currentWords = w
	}
	return append(out, current)
}

// hardWindows is the last resort: fixed word windows over the span.
func hardWindows(text string, s span, budget int) []span {
	offsets := wordStarts(text, s)
	if len(offsets) == 0 {
		return []span{s}
	}
	var out []span
	for i := 0; i < len(offsets); i += budget {
		start := offsets[i]
		end := s.end
		if i+budget < len(offsets) {
			end = offsets[i+budget]
		}
		out = append(out, span{start, end})
	}
	// First window keeps any leading whitespace of the span.
	out[0].start = s.start
	return out
}

// backOffWords moves an offset back by n word starts, clamped to floor.
func backOffWords(text string, from, floor, n int) int {
	offsets := wordStarts(text, span{floor, from})
	if len(offsets) <= n {
		return floor
	}
	return offsets[len(offsets)-n]
}

// wordStarts returns byte offsets of each word start within the span.
func wordStarts(text string, s span) []int {
	var out []int
	inWord := false
	for i := s.start; i < s.end; i++ {
		isSpace := text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r'
		if !isSpace && !inWord {
			out = append(out, i)
		}
		inWord = !isSpace
	}
	return out
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
